package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/notewell/attend/pkg/models"
	"github.com/notewell/attend/pkg/services"
)

type createBotRequest struct {
	MeetingURL       string             `json:"meeting_url"`
	Name             string             `json:"bot_name"`
	JoinAt           *time.Time         `json:"join_at"`
	DeduplicationKey *string            `json:"deduplication_key"`
	Settings         models.BotSettings `json:"settings"`
	Metadata         models.JSONMap     `json:"metadata"`
}

// botView is the external shape of a bot. Internal row ids never leave
// the service; clients address bots by object id.
func botView(bot *models.Bot) gin.H {
	view := gin.H{
		"id":          bot.ObjectID,
		"meeting_url": bot.MeetingURL,
		"bot_name":    bot.Name,
		"state":       bot.State,
		"platform":    bot.Platform(),
		"settings":    bot.Settings,
		"metadata":    bot.Metadata,
		"created_at":  bot.CreatedAt,
	}
	if bot.SubState != nil {
		view["sub_state"] = *bot.SubState
	}
	if bot.JoinAt != nil {
		view["join_at"] = *bot.JoinAt
	}
	return view
}

func (s *Server) createBot(c *gin.Context) {
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	bot, err := s.deps.Bots.CreateBot(c.Request.Context(), services.CreateBotInput{
		ProjectID:        s.project(c).ID,
		MeetingURL:       req.MeetingURL,
		Name:             req.Name,
		JoinAt:           req.JoinAt,
		DeduplicationKey: req.DeduplicationKey,
		Settings:         req.Settings,
		Metadata:         req.Metadata,
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, botView(bot))
}

func (s *Server) listBots(c *gin.Context) {
	var state *models.BotState
	if raw := c.Query("state"); raw != "" {
		v := models.BotState(raw)
		state = &v
	}

	bots, err := s.deps.Bots.ListBots(c.Request.Context(), s.project(c).ID, state, 0)
	if err != nil {
		renderError(c, err)
		return
	}
	views := make([]gin.H, len(bots))
	for i := range bots {
		views[i] = botView(&bots[i])
	}
	c.JSON(http.StatusOK, gin.H{"bots": views})
}

// loadBot resolves the path object id within the authenticated project.
func (s *Server) loadBot(c *gin.Context) (*models.Bot, bool) {
	bot, err := s.deps.Bots.GetBot(c.Request.Context(), s.project(c).ID, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return nil, false
	}
	return bot, true
}

func (s *Server) getBot(c *gin.Context) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, botView(bot))
}

func (s *Server) listBotEvents(c *gin.Context) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}
	events, err := s.deps.Bots.ListEvents(c.Request.Context(), bot.ID)
	if err != nil {
		renderError(c, err)
		return
	}
	views := make([]gin.H, len(events))
	for i, ev := range events {
		view := gin.H{
			"old_state":  ev.OldState,
			"new_state":  ev.NewState,
			"event_type": ev.EventType,
			"metadata":   ev.Metadata,
			"created_at": ev.CreatedAt,
		}
		if ev.SubType != nil {
			view["sub_state"] = *ev.SubType
		}
		views[i] = view
	}
	c.JSON(http.StatusOK, gin.H{"events": views})
}

func (s *Server) leaveBot(c *gin.Context) {
	s.lifecycleOp(c, s.deps.Bots.RequestLeave)
}

func (s *Server) pauseRecording(c *gin.Context) {
	s.lifecycleOp(c, s.deps.Bots.PauseRecording)
}

func (s *Server) resumeRecording(c *gin.Context) {
	s.lifecycleOp(c, s.deps.Bots.ResumeRecording)
}

func (s *Server) startRecording(c *gin.Context) {
	s.lifecycleOp(c, s.deps.Bots.StartRecording)
}

func (s *Server) lifecycleOp(c *gin.Context, op func(ctx context.Context, botID string) (*models.Bot, error)) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}
	updated, err := op(c.Request.Context(), bot.ID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, botView(updated))
}

func (s *Server) getTranscript(c *gin.Context) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}
	rec, err := s.deps.Recordings.GetDefault(c.Request.Context(), bot.ID)
	if err != nil {
		renderError(c, err)
		return
	}
	utterances, err := s.deps.Utterances.ListByRecording(c.Request.Context(), rec.ID)
	if err != nil {
		renderError(c, err)
		return
	}

	views := make([]gin.H, len(utterances))
	for i, u := range utterances {
		view := gin.H{
			"participant_id":        u.ParticipantID,
			"relative_timestamp_ms": u.RelativeTimestampMS,
			"duration_ms":           u.DurationMS,
			"transcript":            u.Transcript,
			"words":                 u.Words,
		}
		if len(u.FailureData) > 0 {
			view["failure_data"] = u.FailureData
		}
		views[i] = view
	}
	c.JSON(http.StatusOK, gin.H{
		"recording_id":        rec.ID,
		"transcription_state": rec.TranscriptionState,
		"utterances":          views,
	})
}

func (s *Server) listRecordings(c *gin.Context) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}
	recs, err := s.deps.Recordings.ListByBot(c.Request.Context(), bot.ID)
	if err != nil {
		renderError(c, err)
		return
	}

	views := make([]gin.H, len(recs))
	for i, rec := range recs {
		view := gin.H{
			"id":                  rec.ID,
			"recording_type":      rec.RecordingType,
			"format":              rec.Format,
			"state":               rec.State,
			"transcription_state": rec.TranscriptionState,
			"is_default":          rec.IsDefault,
			"duration_ms":         rec.DurationMS,
			"byte_size":           rec.ByteSize,
		}
		if rec.ParticipantUUID != nil {
			view["participant_uuid"] = *rec.ParticipantUUID
		}
		if rec.State == models.RecordingStateComplete && rec.StorageKey != nil && s.deps.Store != nil {
			url, err := s.deps.Store.SignedURL(c.Request.Context(), *rec.StorageKey, signedURLTTL)
			if err == nil {
				view["download_url"] = url
			}
		}
		views[i] = view
	}
	c.JSON(http.StatusOK, gin.H{"recordings": views})
}

func (s *Server) listParticipants(c *gin.Context) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}
	participants, err := s.deps.Participants.ListByBot(c.Request.Context(), bot.ID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants})
}

func (s *Server) listParticipantEvents(c *gin.Context) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}
	events, err := s.deps.Participants.ListEventsByBot(c.Request.Context(), bot.ID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) listChatMessages(c *gin.Context) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}
	messages, err := s.deps.Chats.ListByBot(c.Request.Context(), bot.ID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_messages": messages})
}

type createSubscriptionRequest struct {
	URL      string   `json:"url"`
	Secret   string   `json:"secret"`
	Triggers []string `json:"triggers"`
}

func subscriptionView(sub *models.WebhookSubscription) gin.H {
	return gin.H{
		"id":         sub.ID,
		"url":        sub.URL,
		"triggers":   sub.Triggers,
		"is_active":  sub.IsActive,
		"created_at": sub.CreatedAt,
	}
}

func (s *Server) createSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	triggers := make(models.TriggerList, len(req.Triggers))
	for i, t := range req.Triggers {
		triggers[i] = models.WebhookTrigger(t)
	}

	sub, err := s.deps.Subscriptions.Create(c.Request.Context(), s.project(c).ID, req.URL, req.Secret, triggers)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, subscriptionView(sub))
}

func (s *Server) listSubscriptions(c *gin.Context) {
	subs, err := s.deps.Subscriptions.List(c.Request.Context(), s.project(c).ID)
	if err != nil {
		renderError(c, err)
		return
	}
	views := make([]gin.H, len(subs))
	for i := range subs {
		views[i] = subscriptionView(&subs[i])
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": views})
}

func (s *Server) getSubscription(c *gin.Context) {
	sub, err := s.deps.Subscriptions.Get(c.Request.Context(), s.project(c).ID, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, subscriptionView(sub))
}

func (s *Server) deactivateSubscription(c *gin.Context) {
	err := s.deps.Subscriptions.Deactivate(c.Request.Context(), s.project(c).ID, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listDeliveryAttempts(c *gin.Context) {
	// Scope check before reading history.
	if _, err := s.deps.Subscriptions.Get(c.Request.Context(), s.project(c).ID, c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	attempts, err := s.deps.Subscriptions.ListDeliveryAttempts(c.Request.Context(), c.Param("id"), 0)
	if err != nil {
		renderError(c, err)
		return
	}
	views := make([]gin.H, len(attempts))
	for i, a := range attempts {
		views[i] = gin.H{
			"id":              a.ID,
			"trigger":         a.TriggerType,
			"status":          a.Status,
			"attempt_count":   a.AttemptCount,
			"idempotency_key": a.IdempotencyKey,
			"next_attempt_at": a.NextAttemptAt,
			"last_attempt_at": a.LastAttemptAt,
			"created_at":      a.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"delivery_attempts": views})
}

type storeCredentialRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) storeCredential(c *gin.Context) {
	if s.deps.Credentials == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "credential storage not configured"})
		return
	}
	var req storeCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Secret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "secret is required"})
		return
	}
	provider := models.CredentialProvider(c.Param("provider"))
	err := s.deps.Credentials.Store(c.Request.Context(), s.project(c).ID, provider, []byte(req.Secret))
	if err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteCredential(c *gin.Context) {
	if s.deps.Credentials == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "credential storage not configured"})
		return
	}
	provider := models.CredentialProvider(c.Param("provider"))
	err := s.deps.Credentials.Delete(c.Request.Context(), s.project(c).ID, provider)
	if err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

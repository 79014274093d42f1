package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/notewell/attend/pkg/adapter"
	"github.com/notewell/attend/pkg/lifecycle"
	"github.com/notewell/attend/pkg/models"
	"github.com/notewell/attend/pkg/transcription"
)

// outcome describes how the meeting ended for this bot.
type outcome struct {
	sub    models.BotSubState
	fatal  bool
	reason string
}

// eventLoop drains the adapter stream while running the heartbeat, the
// state reconciler, and the auto-leave evaluator. It returns when the
// meeting is over, a leave was requested, or something broke.
func (c *Controller) eventLoop(ctx context.Context, pipeErr <-chan error) outcome {
	heartbeat := time.NewTicker(c.deps.Worker.HeartbeatInterval)
	defer heartbeat.Stop()
	reconcile := time.NewTicker(reconcileEvery)
	defer reconcile.Stop()
	autoLeave := time.NewTicker(autoLeaveEvery)
	defer autoLeave.Stop()

	for {
		select {
		case <-ctx.Done():
			return outcome{sub: models.SubStateLeaveRequested}

		case err := <-pipeErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return outcome{fatal: true, sub: models.SubStateAdapterCrash,
					reason: fmt.Sprintf("pipeline: %v", err)}
			}
			return outcome{sub: models.SubStateLeaveRequested}

		case ev, ok := <-c.conn.Events():
			if !ok {
				return outcome{fatal: true, sub: models.SubStateAdapterCrash,
					reason: "event stream closed unexpectedly"}
			}
			if done, out := c.handleEvent(ctx, ev); done {
				return out
			}

		case <-heartbeat.C:
			if err := c.deps.Engine.Heartbeat(ctx, c.bot.ID); err != nil {
				slog.Warn("Heartbeat failed", "bot_id", c.bot.ID, "error", err)
			}

		case <-reconcile.C:
			if done, out := c.reconcileState(ctx); done {
				return out
			}

		case <-autoLeave.C:
			if sub, leave := c.autoLeaveDue(); leave {
				slog.Info("Auto-leave triggered", "bot_id", c.bot.ID, "policy", sub)
				return outcome{sub: sub}
			}
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev adapter.Event) (bool, outcome) {
	switch e := ev.(type) {
	case adapter.Admitted:
		c.onAdmitted(ctx)
	case adapter.AdmissionRejected:
		return true, outcome{fatal: true, sub: models.SubStateRejected, reason: e.Reason}
	case adapter.MeetingEnded:
		return true, outcome{sub: models.SubStateMeetingEnded}
	case adapter.Kicked:
		return true, outcome{sub: models.SubStateKicked}
	case adapter.Fatal:
		return true, outcome{fatal: true, sub: models.SubStateAdapterCrash, reason: e.Err.Error()}
	case adapter.ParticipantUpdate:
		c.onParticipant(ctx, e)
	case adapter.SpeechActivity:
		c.onSpeech(ctx, e)
	case adapter.ScreenshareActivity:
		c.onScreenshare(ctx, e)
	case adapter.AudioFrame:
		c.onAudio(e)
	case adapter.VideoFrame:
		c.pipe.PushVideo(e.ParticipantUUID, e.Data)
	case adapter.ChatMessage:
		c.onChat(ctx, e)
	}
	return false, outcome{}
}

func (c *Controller) onAdmitted(ctx context.Context) {
	c.mu.Lock()
	c.admitted = true
	c.admittedAt = time.Now()
	c.mu.Unlock()

	if _, err := c.transitionAndNotify(ctx, lifecycle.Request{
		To:        models.BotStateJoinedNotRecording,
		EventType: models.BotEventAdmitted,
		From:      []models.BotState{models.BotStateJoining},
	}); err != nil && !errors.Is(err, lifecycle.ErrRejected) {
		slog.Error("Failed to record admission", "bot_id", c.bot.ID, "error", err)
	}
	slog.Info("Bot admitted", "bot_id", c.bot.ID)

	if c.bot.Settings.AutoStart() && c.bot.Settings.RecordingType != models.RecordingTypeNoRecording {
		c.startRecording(ctx)
	}
}

func (c *Controller) startRecording(ctx context.Context) {
	if _, err := c.transitionAndNotify(ctx, lifecycle.Request{
		To:        models.BotStateJoinedRecording,
		EventType: models.BotEventRecordingStarted,
		From:      []models.BotState{models.BotStateJoinedNotRecording},
	}); err != nil {
		if !errors.Is(err, lifecycle.ErrRejected) {
			slog.Error("Failed to start recording", "bot_id", c.bot.ID, "error", err)
		}
		return
	}
	if err := c.deps.Recordings.MarkStarted(ctx, c.rec.ID); err != nil {
		slog.Error("Failed to mark recording started", "bot_id", c.bot.ID, "error", err)
	}
	c.mu.Lock()
	c.recordingStarted = true
	c.mu.Unlock()
}

func (c *Controller) onParticipant(ctx context.Context, e adapter.ParticipantUpdate) {
	p := c.ensureParticipant(ctx, e.UUID, func(p *models.Participant) {
		if e.UserUUID != "" {
			p.UserUUID = &e.UserUUID
		}
		p.FullName = e.FullName
		p.IsHost = e.IsHost
		p.IsTheBot = e.IsTheBot
	})
	if p == nil {
		return
	}

	eventType := models.ParticipantEventLeave
	if e.Joined {
		eventType = models.ParticipantEventJoin
	}
	ts := c.eventTS(e.TimestampMS)
	if err := c.deps.Participants.RecordEvent(ctx, p.ID, eventType, nil, ts); err != nil {
		slog.Error("Failed to record participant event", "bot_id", c.bot.ID, "error", err)
	}

	c.mu.Lock()
	if !e.IsTheBot {
		if e.Joined {
			c.present[e.UUID] = true
		} else {
			delete(c.present, e.UUID)
		}
	}
	c.aloneSince = time.Time{}
	c.mu.Unlock()

	c.notify(ctx, models.TriggerParticipantJoinLeave, models.JSONMap{
		"participant_uuid": e.UUID,
		"full_name":        e.FullName,
		"event":            string(eventType),
		"timestamp_ms":     ts,
	})
}

func (c *Controller) onSpeech(ctx context.Context, e adapter.SpeechActivity) {
	p := c.ensureParticipant(ctx, e.ParticipantUUID, nil)
	if p == nil {
		return
	}
	eventType := models.ParticipantEventSpeechStop
	if e.Speaking {
		eventType = models.ParticipantEventSpeechStart
	}
	ts := c.eventTS(e.TimestampMS)
	if err := c.deps.Participants.RecordEvent(ctx, p.ID, eventType, nil, ts); err != nil {
		slog.Error("Failed to record speech event", "bot_id", c.bot.ID, "error", err)
	}
	c.notify(ctx, models.TriggerParticipantSpeech, models.JSONMap{
		"participant_uuid": e.ParticipantUUID,
		"event":            string(eventType),
		"timestamp_ms":     ts,
	})
}

func (c *Controller) onScreenshare(ctx context.Context, e adapter.ScreenshareActivity) {
	p := c.ensureParticipant(ctx, e.ParticipantUUID, nil)
	if p == nil {
		return
	}
	eventType := models.ParticipantEventScreenshareStop
	if e.Sharing {
		eventType = models.ParticipantEventScreenshareStart
	}
	if err := c.deps.Participants.RecordEvent(ctx, p.ID, eventType, nil, c.eventTS(e.TimestampMS)); err != nil {
		slog.Error("Failed to record screenshare event", "bot_id", c.bot.ID, "error", err)
	}
}

func (c *Controller) onAudio(e adapter.AudioFrame) {
	c.pipe.PushAudio(e.ParticipantUUID, e.PCM)

	c.mu.Lock()
	transcribe := c.admitted && !c.paused && c.asr != nil
	c.mu.Unlock()
	if transcribe {
		c.asr.PushAudio(e.ParticipantUUID, e.PCM, c.meetingTS())
	}
}

func (c *Controller) onChat(ctx context.Context, e adapter.ChatMessage) {
	p := c.ensureParticipant(ctx, e.ParticipantUUID, nil)
	if p == nil {
		return
	}
	ts := c.eventTS(e.TimestampMS)
	msg := &models.ChatMessage{
		BotID:         c.bot.ID,
		ParticipantID: p.ID,
		Text:          e.Text,
		TimestampMS:   ts,
	}
	if err := c.deps.Chats.Record(ctx, msg); err != nil {
		slog.Error("Failed to record chat message", "bot_id", c.bot.ID, "error", err)
		return
	}
	c.notify(ctx, models.TriggerChatMessagesUpdate, models.JSONMap{
		"participant_uuid": e.ParticipantUUID,
		"timestamp_ms":     ts,
	})
}

// ensureParticipant returns the cached participant row, upserting on
// first sight. mutate, when set, refreshes identity fields before the
// upsert.
func (c *Controller) ensureParticipant(ctx context.Context, uuid string, mutate func(*models.Participant)) *models.Participant {
	c.mu.Lock()
	p, ok := c.roster[uuid]
	if !ok {
		p = &models.Participant{BotID: c.bot.ID, UUID: uuid}
		c.roster[uuid] = p
	}
	if mutate != nil {
		mutate(p)
	}
	c.mu.Unlock()

	if _, err := c.deps.Participants.Upsert(ctx, p); err != nil {
		slog.Error("Failed to upsert participant", "bot_id", c.bot.ID, "uuid", uuid, "error", err)
		return nil
	}
	return p
}

// eventTS prefers the adapter's timestamp and falls back to the local
// meeting clock.
func (c *Controller) eventTS(adapterTS int64) int64 {
	if adapterTS > 0 {
		return adapterTS
	}
	return c.meetingTS()
}

// reconcileState observes the bot row and applies externally requested
// pause, resume, start, and leave. The API mutates the row; the worker
// makes the meeting match it.
func (c *Controller) reconcileState(ctx context.Context) (bool, outcome) {
	var bot models.Bot
	if err := c.deps.DB.GetContext(ctx, &bot, `SELECT * FROM bots WHERE id = $1`, c.bot.ID); err != nil {
		slog.Warn("State reconcile read failed", "bot_id", c.bot.ID, "error", err)
		return false, outcome{}
	}

	switch bot.State {
	case models.BotStateLeaving:
		sub := models.SubStateLeaveRequested
		if bot.SubState != nil {
			sub = *bot.SubState
		}
		return true, outcome{sub: sub}

	case models.BotStateEnded, models.BotStateFatalError:
		// Reaped externally (heartbeat janitor); nothing left to settle.
		slog.Warn("Bot reached terminal state externally", "bot_id", c.bot.ID, "state", bot.State)
		return true, outcome{fatal: true, sub: models.SubStateHeartbeatTimeout, reason: "terminated externally"}

	case models.BotStatePaused:
		c.mu.Lock()
		wasPaused := c.paused
		c.paused = true
		c.mu.Unlock()
		if !wasPaused {
			c.pipe.Pause()
			if err := c.deps.Recordings.MarkPaused(ctx, c.rec.ID); err != nil {
				slog.Error("Failed to mark recording paused", "bot_id", c.bot.ID, "error", err)
			}
		}

	case models.BotStateJoinedRecording:
		c.mu.Lock()
		wasPaused := c.paused
		wasStarted := c.recordingStarted
		c.paused = false
		c.recordingStarted = true
		c.mu.Unlock()
		if wasPaused {
			c.pipe.Resume()
			if err := c.deps.Recordings.MarkResumed(ctx, c.rec.ID); err != nil {
				slog.Error("Failed to mark recording resumed", "bot_id", c.bot.ID, "error", err)
			}
		} else if !wasStarted {
			// Recording started through the API rather than auto-start.
			if err := c.deps.Recordings.MarkStarted(ctx, c.rec.ID); err != nil {
				slog.Error("Failed to mark recording started", "bot_id", c.bot.ID, "error", err)
			}
		}
	}
	return false, outcome{}
}

// autoLeaveDue evaluates the leave policies against the current meeting
// state.
func (c *Controller) autoLeaveDue() (models.BotSubState, bool) {
	auto := c.bot.Settings.AutoLeave
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.admitted {
		if limit, on := auto.WaitingRoomTimeout(); on && now.Sub(c.joinStartedAt) >= limit {
			return models.SubStateWaitingRoom, true
		}
		return "", false
	}

	if limit, on := auto.MaxDuration(); on && now.Sub(c.admittedAt) >= limit {
		return models.SubStateMaxDuration, true
	}

	if limit, on := auto.OnlyParticipantTimeout(); on {
		if len(c.present) == 0 {
			if c.aloneSince.IsZero() {
				c.aloneSince = now
			} else if now.Sub(c.aloneSince) >= limit {
				return models.SubStateOnlyParticipant, true
			}
		} else {
			c.aloneSince = time.Time{}
		}
	}

	if limit, on := auto.SilenceTimeout(); on && now.Sub(c.pipe.LastVoiceAt()) >= limit {
		return models.SubStateSilence, true
	}
	return "", false
}

// notify enqueues a webhook, logging rather than failing the meeting on
// error.
func (c *Controller) notify(ctx context.Context, trigger models.WebhookTrigger, data models.JSONMap) {
	if c.deps.Enqueuer == nil {
		return
	}
	if err := c.deps.Enqueuer.Enqueue(ctx, c.bot.ProjectID, c.bot, trigger, data); err != nil {
		slog.Error("Failed to enqueue webhook", "bot_id", c.bot.ID, "trigger", trigger, "error", err)
	}
}

// onUtterance persists one transcribed segment. Runs on coordinator
// goroutines.
func (c *Controller) onUtterance(u transcription.Utterance) {
	ctx := context.Background()
	p := c.ensureParticipant(ctx, u.ParticipantUUID, nil)
	if p == nil {
		return
	}
	utt := &models.Utterance{
		RecordingID:         c.rec.ID,
		ParticipantID:       p.ID,
		RelativeTimestampMS: u.RelativeTimestampMS,
		DurationMS:          u.DurationMS,
		Transcript:          u.Transcript,
		Words:               u.Words,
	}
	if err := c.deps.Utterances.Insert(ctx, utt); err != nil {
		slog.Error("Failed to insert utterance", "bot_id", c.bot.ID, "error", err)
		return
	}
	c.notify(ctx, models.TriggerTranscriptUpdate, models.JSONMap{
		"recording_id":     c.rec.ID,
		"participant_uuid": u.ParticipantUUID,
		"timestamp_ms":     u.RelativeTimestampMS,
	})
}

// onGap records dropped transcription audio as a failure utterance so
// transcript consumers can see the hole.
func (c *Controller) onGap(g transcription.Gap) {
	ctx := context.Background()
	p := c.ensureParticipant(ctx, g.ParticipantUUID, nil)
	if p == nil {
		return
	}
	err := c.deps.Utterances.InsertFailure(ctx, c.rec.ID, p.ID, g.TimestampMS, 0,
		models.JSONMap{"reason": g.Reason})
	if err != nil {
		slog.Error("Failed to insert transcript gap", "bot_id", c.bot.ID, "error", err)
	}
}

package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/lifecycle"
	"github.com/notewell/attend/pkg/models"
)

// CreateBotInput contains the domain-level data needed to create a bot.
// Transformed from the HTTP request by the handler.
type CreateBotInput struct {
	ProjectID        string
	Kind             models.BotKind
	MeetingURL       string
	Name             string
	JoinAt           *time.Time
	DeduplicationKey *string
	Settings         models.BotSettings
	Metadata         models.JSONMap
}

// BotService handles bot creation and client-driven lifecycle requests.
type BotService struct {
	db     *database.Client
	engine *lifecycle.Engine
}

// NewBotService creates a new BotService.
func NewBotService(db *database.Client, engine *lifecycle.Engine) *BotService {
	if db == nil {
		panic("NewBotService: db must not be nil")
	}
	if engine == nil {
		panic("NewBotService: engine must not be nil")
	}
	return &BotService{db: db, engine: engine}
}

// CreateBot creates a bot row in SCHEDULED (future join_at) or READY
// (immediate). When a deduplication key collides with a live bot of the
// same project, the existing bot is returned instead of a new one.
func (s *BotService) CreateBot(ctx context.Context, input CreateBotInput) (*models.Bot, error) {
	if input.ProjectID == "" {
		return nil, NewValidationError("project_id", "project id is required")
	}
	kind := input.Kind
	if kind == "" {
		kind = models.BotKindMeetingBot
	}
	if kind == models.BotKindMeetingBot {
		if err := validateMeetingURL(input.MeetingURL); err != nil {
			return nil, err
		}
	}

	settings := input.Settings
	if err := settings.Normalize(); err != nil {
		return nil, NewValidationError("settings", err.Error())
	}

	now := time.Now()
	state := models.BotStateReady
	if input.JoinAt != nil && input.JoinAt.After(now) {
		state = models.BotStateScheduled
	}

	name := input.Name
	if name == "" {
		name = "Notetaker"
	}
	metadata := input.Metadata
	if metadata == nil {
		metadata = models.JSONMap{}
	}

	bot := &models.Bot{
		ID:               uuid.New().String(),
		ObjectID:         newObjectID(kind),
		ProjectID:        input.ProjectID,
		Kind:             kind,
		MeetingURL:       input.MeetingURL,
		Name:             name,
		State:            state,
		JoinAt:           input.JoinAt,
		DeduplicationKey: input.DeduplicationKey,
		Settings:         settings,
		Metadata:         metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO bots (id, object_id, project_id, kind, meeting_url, name, state,
			                   join_at, deduplication_key, settings, metadata, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			bot.ID, bot.ObjectID, bot.ProjectID, bot.Kind, bot.MeetingURL, bot.Name, bot.State,
			bot.JoinAt, bot.DeduplicationKey, bot.Settings, bot.Metadata, bot.CreatedAt, bot.UpdatedAt)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO bot_events (bot_id, old_state, new_state, event_type, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			bot.ID, bot.State, bot.State, models.BotEventJoinRequested, models.JSONMap{}, now)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) && input.DeduplicationKey != nil {
			existing, lookupErr := s.liveBotByDedupKey(ctx, input.ProjectID, *input.DeduplicationKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return bot, nil
}

// GetBot fetches a bot by object id within a project.
func (s *BotService) GetBot(ctx context.Context, projectID, objectID string) (*models.Bot, error) {
	var bot models.Bot
	err := s.db.GetContext(ctx, &bot,
		`SELECT * FROM bots WHERE project_id = $1 AND object_id = $2`, projectID, objectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bot: %w", err)
	}
	return &bot, nil
}

// ListBots returns a project's bots, newest first.
func (s *BotService) ListBots(ctx context.Context, projectID string, state *models.BotState, limit int) ([]models.Bot, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	bots := []models.Bot{}
	var err error
	if state != nil {
		err = s.db.SelectContext(ctx, &bots,
			`SELECT * FROM bots WHERE project_id = $1 AND state = $2 ORDER BY created_at DESC LIMIT $3`,
			projectID, *state, limit)
	} else {
		err = s.db.SelectContext(ctx, &bots,
			`SELECT * FROM bots WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`,
			projectID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	return bots, nil
}

// ListEvents returns the bot's transition log in insertion order.
func (s *BotService) ListEvents(ctx context.Context, botID string) ([]models.BotEvent, error) {
	events := []models.BotEvent{}
	err := s.db.SelectContext(ctx, &events,
		`SELECT * FROM bot_events WHERE bot_id = $1 ORDER BY id`, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bot events: %w", err)
	}
	return events, nil
}

// RequestLeave asks a live bot to leave its meeting. The transition is
// written here; the bot's controller observes it and winds the adapter
// down.
func (s *BotService) RequestLeave(ctx context.Context, botID string) (*models.Bot, error) {
	sub := models.SubStateLeaveRequested
	return s.engine.Transition(ctx, botID, lifecycle.Request{
		To:        models.BotStateLeaving,
		SubState:  &sub,
		EventType: models.BotEventLeaveStarted,
		From: []models.BotState{
			models.BotStateJoining,
			models.BotStateJoinedNotRecording,
			models.BotStateJoinedRecording,
			models.BotStatePaused,
		},
	})
}

// PauseRecording pauses an actively recording bot.
func (s *BotService) PauseRecording(ctx context.Context, botID string) (*models.Bot, error) {
	return s.engine.Transition(ctx, botID, lifecycle.Request{
		To:        models.BotStatePaused,
		EventType: models.BotEventRecordingPaused,
		From:      []models.BotState{models.BotStateJoinedRecording},
	})
}

// ResumeRecording resumes a paused bot.
func (s *BotService) ResumeRecording(ctx context.Context, botID string) (*models.Bot, error) {
	return s.engine.Transition(ctx, botID, lifecycle.Request{
		To:        models.BotStateJoinedRecording,
		EventType: models.BotEventRecordingResumed,
		From:      []models.BotState{models.BotStatePaused},
	})
}

// StartRecording starts recording for a bot that joined with
// auto_start_recording disabled.
func (s *BotService) StartRecording(ctx context.Context, botID string) (*models.Bot, error) {
	return s.engine.Transition(ctx, botID, lifecycle.Request{
		To:        models.BotStateJoinedRecording,
		EventType: models.BotEventRecordingStarted,
		From:      []models.BotState{models.BotStateJoinedNotRecording},
	})
}

func (s *BotService) liveBotByDedupKey(ctx context.Context, projectID, key string) (*models.Bot, error) {
	var bot models.Bot
	err := s.db.GetContext(ctx, &bot,
		`SELECT * FROM bots
		 WHERE project_id = $1 AND deduplication_key = $2
		   AND state NOT IN ('ended', 'fatal_error')
		 ORDER BY created_at DESC LIMIT 1`, projectID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &bot, nil
}

func validateMeetingURL(meetingURL string) error {
	if meetingURL == "" {
		return NewValidationError("meeting_url", "meeting url is required")
	}
	u, err := url.Parse(meetingURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return NewValidationError("meeting_url", "must be an absolute http(s) url")
	}
	return nil
}

func newObjectID(kind models.BotKind) string {
	prefix := "bot"
	if kind == models.BotKindAppSession {
		prefix = "ses"
	}
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

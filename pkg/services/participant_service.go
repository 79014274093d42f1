package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/models"
)

// ParticipantService tracks meeting attendees and their activity events.
type ParticipantService struct {
	db *database.Client
}

// NewParticipantService creates a new ParticipantService.
func NewParticipantService(db *database.Client) *ParticipantService {
	if db == nil {
		panic("NewParticipantService: db must not be nil")
	}
	return &ParticipantService{db: db}
}

// Upsert records a participant keyed by (bot, platform uuid), refreshing
// mutable fields on re-observation. Returns the stable row id.
func (s *ParticipantService) Upsert(ctx context.Context, p *models.Participant) (string, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	var id string
	err := s.db.GetContext(ctx, &id,
		`INSERT INTO participants (id, bot_id, uuid, user_uuid, full_name, is_host, is_the_bot)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (bot_id, uuid) DO UPDATE
		   SET full_name = EXCLUDED.full_name,
		       user_uuid = COALESCE(EXCLUDED.user_uuid, participants.user_uuid),
		       is_host = EXCLUDED.is_host
		 RETURNING id`,
		p.ID, p.BotID, p.UUID, p.UserUUID, p.FullName, p.IsHost, p.IsTheBot)
	if err != nil {
		return "", fmt.Errorf("failed to upsert participant: %w", err)
	}
	p.ID = id
	return id, nil
}

// RecordEvent appends one activity event for a participant.
func (s *ParticipantService) RecordEvent(ctx context.Context, participantID string, eventType models.ParticipantEventType, eventData models.JSONMap, timestampMS int64) error {
	if eventData == nil {
		eventData = models.JSONMap{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participant_events (participant_id, event_type, event_data, timestamp_ms)
		 VALUES ($1, $2, $3, $4)`,
		participantID, eventType, eventData, timestampMS)
	if err != nil {
		return fmt.Errorf("failed to record participant event: %w", err)
	}
	return nil
}

// ListByBot returns all participants seen by a bot in arrival order.
// The uuid tiebreak keeps the order stable when two arrivals share a
// timestamp; ids are random and would shuffle the list.
func (s *ParticipantService) ListByBot(ctx context.Context, botID string) ([]models.Participant, error) {
	participants := []models.Participant{}
	err := s.db.SelectContext(ctx, &participants,
		`SELECT * FROM participants WHERE bot_id = $1 ORDER BY first_seen_at, uuid`, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return participants, nil
}

// ListEventsByBot returns a bot's participant events in insertion order.
func (s *ParticipantService) ListEventsByBot(ctx context.Context, botID string) ([]models.ParticipantEvent, error) {
	events := []models.ParticipantEvent{}
	err := s.db.SelectContext(ctx, &events,
		`SELECT pe.* FROM participant_events pe
		 JOIN participants p ON p.id = pe.participant_id
		 WHERE p.bot_id = $1
		 ORDER BY pe.id`, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participant events: %w", err)
	}
	return events, nil
}

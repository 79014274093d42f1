package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/models"
)

// RecordingService manages recording rows through their lifecycle.
type RecordingService struct {
	db *database.Client
}

// NewRecordingService creates a new RecordingService.
func NewRecordingService(db *database.Client) *RecordingService {
	if db == nil {
		panic("NewRecordingService: db must not be nil")
	}
	return &RecordingService{db: db}
}

// CreateDefault creates the bot's primary recording row in not_started.
func (s *RecordingService) CreateDefault(ctx context.Context, bot *models.Bot) (*models.Recording, error) {
	rec := &models.Recording{
		ID:                 uuid.New().String(),
		BotID:              bot.ID,
		RecordingType:      bot.Settings.RecordingType,
		Format:             bot.Settings.RecordingFormat,
		State:              models.RecordingStateNotStarted,
		TranscriptionState: models.TranscriptionStateNotStarted,
		IsDefault:          true,
		CreatedAt:          time.Now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings (id, bot_id, recording_type, format, state, transcription_state, is_default, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.BotID, rec.RecordingType, rec.Format, rec.State, rec.TranscriptionState, rec.IsDefault, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	return rec, nil
}

// CreateParticipantVariant creates a per-participant audio recording row.
func (s *RecordingService) CreateParticipantVariant(ctx context.Context, bot *models.Bot, participantUUID string) (*models.Recording, error) {
	rec := &models.Recording{
		ID:                 uuid.New().String(),
		BotID:              bot.ID,
		RecordingType:      models.RecordingTypeAudioOnly,
		Format:             models.RecordingFormatMP3,
		State:              models.RecordingStateInProgress,
		TranscriptionState: models.TranscriptionStateNotStarted,
		IsDefault:          false,
		ParticipantUUID:    &participantUUID,
		CreatedAt:          time.Now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings (id, bot_id, recording_type, format, state, transcription_state, is_default, participant_uuid, started_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.BotID, rec.RecordingType, rec.Format, rec.State, rec.TranscriptionState,
		rec.IsDefault, rec.ParticipantUUID, rec.CreatedAt, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create participant recording: %w", err)
	}
	return rec, nil
}

// GetDefault returns the bot's primary recording.
func (s *RecordingService) GetDefault(ctx context.Context, botID string) (*models.Recording, error) {
	var rec models.Recording
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM recordings WHERE bot_id = $1 AND is_default ORDER BY created_at LIMIT 1`, botID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get default recording: %w", err)
	}
	return &rec, nil
}

// ListByBot returns all recordings of a bot, default first.
func (s *RecordingService) ListByBot(ctx context.Context, botID string) ([]models.Recording, error) {
	recs := []models.Recording{}
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM recordings WHERE bot_id = $1 ORDER BY is_default DESC, created_at`, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	return recs, nil
}

// MarkStarted moves a recording to in_progress and stamps started_at.
func (s *RecordingService) MarkStarted(ctx context.Context, recordingID string) error {
	return s.setState(ctx, recordingID,
		`UPDATE recordings SET state = 'in_progress', started_at = COALESCE(started_at, $2) WHERE id = $1`,
		time.Now())
}

// MarkPaused moves a recording to paused.
func (s *RecordingService) MarkPaused(ctx context.Context, recordingID string) error {
	return s.setState(ctx, recordingID, `UPDATE recordings SET state = 'paused' WHERE id = $1`)
}

// MarkResumed moves a paused recording back to in_progress.
func (s *RecordingService) MarkResumed(ctx context.Context, recordingID string) error {
	return s.setState(ctx, recordingID, `UPDATE recordings SET state = 'in_progress' WHERE id = $1`)
}

// MarkComplete finalizes a recording with its uploaded artifact.
func (s *RecordingService) MarkComplete(ctx context.Context, recordingID, storageKey string, byteSize, durationMS int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings
		 SET state = 'complete', storage_key = $2, byte_size = $3, duration_ms = $4, completed_at = $5
		 WHERE id = $1`,
		recordingID, storageKey, byteSize, durationMS, time.Now())
	if err != nil {
		return fmt.Errorf("failed to complete recording: %w", err)
	}
	return requireRow(res)
}

// MarkSkipped finalizes a recording that never had an artifact to
// upload. no_recording bots land here; complete is reserved for rows
// with uploaded bytes.
func (s *RecordingService) MarkSkipped(ctx context.Context, recordingID string, durationMS int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET state = 'skipped', duration_ms = $2, completed_at = $3 WHERE id = $1`,
		recordingID, durationMS, time.Now())
	if err != nil {
		return fmt.Errorf("failed to skip recording: %w", err)
	}
	return requireRow(res)
}

// MarkFailed finalizes a recording as failed with diagnostic data.
func (s *RecordingService) MarkFailed(ctx context.Context, recordingID string, failureData models.JSONMap) error {
	if failureData == nil {
		failureData = models.JSONMap{}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET state = 'failed', failure_data = $2, completed_at = $3 WHERE id = $1`,
		recordingID, failureData, time.Now())
	if err != nil {
		return fmt.Errorf("failed to fail recording: %w", err)
	}
	return requireRow(res)
}

// SetTranscriptionState updates the transcription side of a recording.
func (s *RecordingService) SetTranscriptionState(ctx context.Context, recordingID string, state models.TranscriptionState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET transcription_state = $2 WHERE id = $1`, recordingID, state)
	if err != nil {
		return fmt.Errorf("failed to set transcription state: %w", err)
	}
	return requireRow(res)
}

// AddFramesDropped accumulates the backpressure drop counter.
func (s *RecordingService) AddFramesDropped(ctx context.Context, recordingID string, n int64) error {
	if n <= 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET frames_dropped = frames_dropped + $2 WHERE id = $1`, recordingID, n)
	if err != nil {
		return fmt.Errorf("failed to add dropped frames: %w", err)
	}
	return requireRow(res)
}

func (s *RecordingService) setState(ctx context.Context, recordingID, query string, args ...any) error {
	queryArgs := append([]any{recordingID}, args...)
	res, err := s.db.ExecContext(ctx, query, queryArgs...)
	if err != nil {
		return fmt.Errorf("failed to update recording state: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

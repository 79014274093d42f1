package services

import (
	"context"
	"fmt"

	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/models"
)

// UtteranceService persists transcribed speech segments.
type UtteranceService struct {
	db *database.Client
}

// NewUtteranceService creates a new UtteranceService.
func NewUtteranceService(db *database.Client) *UtteranceService {
	if db == nil {
		panic("NewUtteranceService: db must not be nil")
	}
	return &UtteranceService{db: db}
}

// Insert appends one finalized utterance.
func (s *UtteranceService) Insert(ctx context.Context, u *models.Utterance) error {
	if u.Words == nil {
		u.Words = models.WordList{}
	}
	err := s.db.GetContext(ctx, &u.ID,
		`INSERT INTO utterances (recording_id, participant_id, relative_timestamp_ms, duration_ms, transcript, words, failure_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		u.RecordingID, u.ParticipantID, u.RelativeTimestampMS, u.DurationMS, u.Transcript, u.Words, u.FailureData)
	if err != nil {
		return fmt.Errorf("failed to insert utterance: %w", err)
	}
	return nil
}

// InsertFailure records a dropped-audio marker so transcript consumers can
// see where coverage gaps are.
func (s *UtteranceService) InsertFailure(ctx context.Context, recordingID, participantID string, relativeTimestampMS, durationMS int64, failureData models.JSONMap) error {
	if failureData == nil {
		failureData = models.JSONMap{}
	}
	u := &models.Utterance{
		RecordingID:         recordingID,
		ParticipantID:       participantID,
		RelativeTimestampMS: relativeTimestampMS,
		DurationMS:          durationMS,
		FailureData:         failureData,
	}
	return s.Insert(ctx, u)
}

// ListByRecording returns the transcript ordered by meeting time. Segments
// with identical timestamps order by participant so the result is stable.
func (s *UtteranceService) ListByRecording(ctx context.Context, recordingID string) ([]models.Utterance, error) {
	utterances := []models.Utterance{}
	err := s.db.SelectContext(ctx, &utterances,
		`SELECT u.* FROM utterances u
		 JOIN participants p ON p.id = u.participant_id
		 WHERE u.recording_id = $1
		 ORDER BY u.relative_timestamp_ms, p.uuid, u.id`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list utterances: %w", err)
	}
	return utterances, nil
}

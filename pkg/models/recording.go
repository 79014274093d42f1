package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Recording is one artifact produced by a bot. Every bot owns one default
// recording; per-participant variants reference the participant UUID.
type Recording struct {
	ID                 string             `db:"id"`
	BotID              string             `db:"bot_id"`
	RecordingType      RecordingType      `db:"recording_type"`
	Format             RecordingFormat    `db:"format"`
	State              RecordingState     `db:"state"`
	TranscriptionState TranscriptionState `db:"transcription_state"`
	IsDefault          bool               `db:"is_default"`
	ParticipantUUID    *string            `db:"participant_uuid"`
	StorageKey         *string            `db:"storage_key"`
	ByteSize           int64              `db:"byte_size"`
	DurationMS         int64              `db:"duration_ms"`
	FramesDropped      int64              `db:"frames_dropped"`
	FailureData        JSONMap            `db:"failure_data"`
	StartedAt          *time.Time         `db:"started_at"`
	CompletedAt        *time.Time         `db:"completed_at"`
	CreatedAt          time.Time          `db:"created_at"`
}

// Participant is one distinct meeting attendee observed by the bot.
type Participant struct {
	ID          string    `db:"id"`
	BotID       string    `db:"bot_id"`
	UUID        string    `db:"uuid"`
	UserUUID    *string   `db:"user_uuid"`
	FullName    string    `db:"full_name"`
	IsHost      bool      `db:"is_host"`
	IsTheBot    bool      `db:"is_the_bot"`
	FirstSeenAt time.Time `db:"first_seen_at"`
}

// ParticipantEvent records join/leave/speech/screenshare activity.
type ParticipantEvent struct {
	ID            int64                `db:"id"`
	ParticipantID string               `db:"participant_id"`
	EventType     ParticipantEventType `db:"event_type"`
	EventData     JSONMap              `db:"event_data"`
	TimestampMS   int64                `db:"timestamp_ms"`
	CreatedAt     time.Time            `db:"created_at"`
}

// Word is one transcribed word with meeting-relative timing.
type Word struct {
	Word       string  `json:"word"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
}

// Utterance is a contiguous transcribed speech segment from one participant.
// Words are stored as a JSONB array ordered by start time.
type Utterance struct {
	ID                  int64     `db:"id"`
	RecordingID         string    `db:"recording_id"`
	ParticipantID       string    `db:"participant_id"`
	RelativeTimestampMS int64     `db:"relative_timestamp_ms"`
	DurationMS          int64     `db:"duration_ms"`
	Transcript          string    `db:"transcript"`
	Words               WordList  `db:"words"`
	FailureData         JSONMap   `db:"failure_data"`
	CreatedAt           time.Time `db:"created_at"`
}

// WordList is the JSONB words column.
type WordList []Word

// Value implements driver.Valuer.
func (w WordList) Value() (driver.Value, error) {
	if w == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(w)
}

// Scan implements sql.Scanner.
func (w *WordList) Scan(src any) error {
	if src == nil {
		*w = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported words source type %T", src)
	}
	return json.Unmarshal(data, w)
}

// Package models defines the persistent entities and their enums.
// Structs carry sqlx `db` tags; JSON columns use the JSONMap helper.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap is a JSONB column marshalled to a generic map.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", src)
	}
	return json.Unmarshal(data, m)
}

// Bot is one meeting-attendance attempt and its worker process. App sessions
// (RTMS) share the row shape with Kind=BotKindAppSession.
type Bot struct {
	ID               string       `db:"id"`
	ObjectID         string       `db:"object_id"`
	ProjectID        string       `db:"project_id"`
	Kind             BotKind      `db:"kind"`
	MeetingURL       string       `db:"meeting_url"`
	Name             string       `db:"name"`
	State            BotState     `db:"state"`
	SubState         *BotSubState `db:"sub_state"`
	JoinAt           *time.Time   `db:"join_at"`
	DeduplicationKey *string      `db:"deduplication_key"`
	Settings         BotSettings  `db:"settings"`
	Metadata         JSONMap      `db:"metadata"`
	HeartbeatAt      *time.Time   `db:"heartbeat_at"`
	LaunchAttempts   int          `db:"launch_attempts"`
	NextLaunchAt     *time.Time   `db:"next_launch_at"`
	PodID            *string      `db:"pod_id"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

// Platform derives the meeting platform from the bot's URL and kind.
func (b *Bot) Platform() Platform {
	if b.Kind == BotKindAppSession {
		return PlatformZoomRTMS
	}
	return PlatformFromURL(b.MeetingURL)
}

// BotEvent is one row of the append-only transition log.
type BotEvent struct {
	ID        int64        `db:"id"`
	BotID     string       `db:"bot_id"`
	OldState  BotState     `db:"old_state"`
	NewState  BotState     `db:"new_state"`
	EventType BotEventType `db:"event_type"`
	SubType   *BotSubState `db:"event_sub_type"`
	Metadata  JSONMap      `db:"metadata"`
	CreatedAt time.Time    `db:"created_at"`
}

// ChatMessage is a chat line captured from the meeting.
type ChatMessage struct {
	ID            int64     `db:"id"`
	BotID         string    `db:"bot_id"`
	ParticipantID string    `db:"participant_id"`
	Text          string    `db:"text"`
	TimestampMS   int64     `db:"timestamp_ms"`
	CreatedAt     time.Time `db:"created_at"`
}

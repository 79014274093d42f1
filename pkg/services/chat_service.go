package services

import (
	"context"
	"fmt"

	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/models"
)

// ChatService persists chat lines captured from meetings.
type ChatService struct {
	db *database.Client
}

// NewChatService creates a new ChatService.
func NewChatService(db *database.Client) *ChatService {
	if db == nil {
		panic("NewChatService: db must not be nil")
	}
	return &ChatService{db: db}
}

// Record appends one chat message.
func (s *ChatService) Record(ctx context.Context, m *models.ChatMessage) error {
	err := s.db.GetContext(ctx, &m.ID,
		`INSERT INTO chat_messages (bot_id, participant_id, text, timestamp_ms)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		m.BotID, m.ParticipantID, m.Text, m.TimestampMS)
	if err != nil {
		return fmt.Errorf("failed to record chat message: %w", err)
	}
	return nil
}

// ListByBot returns a bot's chat log in capture order.
func (s *ChatService) ListByBot(ctx context.Context, botID string) ([]models.ChatMessage, error) {
	messages := []models.ChatMessage{}
	err := s.db.SelectContext(ctx, &messages,
		`SELECT * FROM chat_messages WHERE bot_id = $1 ORDER BY id`, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	return messages, nil
}

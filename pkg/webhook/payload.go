package webhook

import (
	"time"

	"github.com/notewell/attend/pkg/models"
)

// BuildPayload constructs the delivery body for a trigger. The
// idempotency key identifies the logical event: retries of the same
// attempt reuse it, so receivers can deduplicate.
func BuildPayload(trigger models.WebhookTrigger, botObjectID string, idempotencyKey string, data models.JSONMap) models.JSONMap {
	if data == nil {
		data = models.JSONMap{}
	}
	payload := models.JSONMap{
		"trigger":         string(trigger),
		"idempotency_key": idempotencyKey,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"data":            data,
	}
	if botObjectID != "" {
		payload["bot_id"] = botObjectID
	}
	return payload
}

// StateChangeData builds the data section of a bot.state_change payload.
func StateChangeData(bot *models.Bot) models.JSONMap {
	data := models.JSONMap{
		"new_state": string(bot.State),
	}
	if bot.SubState != nil {
		data["sub_state"] = string(*bot.SubState)
	}
	return data
}

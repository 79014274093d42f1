package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TriggerList is the text[] triggers column, stored as JSONB for
// portability across drivers.
type TriggerList []WebhookTrigger

// Value implements driver.Valuer.
func (t TriggerList) Value() (driver.Value, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t)
}

// Scan implements sql.Scanner.
func (t *TriggerList) Scan(src any) error {
	if src == nil {
		*t = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported triggers source type %T", src)
	}
	return json.Unmarshal(data, t)
}

// Contains reports whether the list includes the trigger.
func (t TriggerList) Contains(trigger WebhookTrigger) bool {
	for _, candidate := range t {
		if candidate == trigger {
			return true
		}
	}
	return false
}

// WebhookSubscription is a per-project delivery target.
type WebhookSubscription struct {
	ID        string      `db:"id"`
	ProjectID string      `db:"project_id"`
	URL       string      `db:"url"`
	Triggers  TriggerList `db:"triggers"`
	Secret    string      `db:"secret"`
	IsActive  bool        `db:"is_active"`
	CreatedAt time.Time   `db:"created_at"`
}

// ResponseBodyList accumulates truncated response bodies, one per attempt.
type ResponseBodyList []string

// Value implements driver.Valuer.
func (r ResponseBodyList) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner.
func (r *ResponseBodyList) Scan(src any) error {
	if src == nil {
		*r = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported response body source type %T", src)
	}
	return json.Unmarshal(data, r)
}

// WebhookDeliveryAttempt tracks delivery of one payload to one subscription.
// A row stays pending until an HTTP 2xx is observed or the retry schedule
// is exhausted.
type WebhookDeliveryAttempt struct {
	ID               string           `db:"id"`
	SubscriptionID   string           `db:"subscription_id"`
	BotID            *string          `db:"bot_id"`
	TriggerType      WebhookTrigger   `db:"trigger_type"`
	Payload          JSONMap          `db:"payload"`
	IdempotencyKey   string           `db:"idempotency_key"`
	AttemptCount     int              `db:"attempt_count"`
	Status           DeliveryStatus   `db:"status"`
	ResponseBodyList ResponseBodyList `db:"response_body_list"`
	LastAttemptAt    *time.Time       `db:"last_attempt_at"`
	NextAttemptAt    time.Time        `db:"next_attempt_at"`
	SucceededAt      *time.Time       `db:"succeeded_at"`
	CreatedAt        time.Time        `db:"created_at"`
}

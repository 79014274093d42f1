package webhook

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/models"
	"github.com/notewell/attend/pkg/services"
)

// Enqueuer fans one event out to every active matching subscription as
// pending delivery attempts. Delivery happens asynchronously in the
// delivery engine.
type Enqueuer struct {
	db   *database.Client
	subs *services.SubscriptionService
}

// NewEnqueuer creates a new Enqueuer.
func NewEnqueuer(db *database.Client, subs *services.SubscriptionService) *Enqueuer {
	if db == nil {
		panic("NewEnqueuer: db must not be nil")
	}
	if subs == nil {
		panic("NewEnqueuer: subs must not be nil")
	}
	return &Enqueuer{db: db, subs: subs}
}

// Enqueue creates delivery attempts in their own transaction.
func (e *Enqueuer) Enqueue(ctx context.Context, projectID string, bot *models.Bot, trigger models.WebhookTrigger, data models.JSONMap) error {
	return e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return e.EnqueueTx(ctx, tx, projectID, bot, trigger, data)
	})
}

// EnqueueTx creates delivery attempts inside an existing transaction so
// terminal webhooks commit atomically with the state change they report.
func (e *Enqueuer) EnqueueTx(ctx context.Context, tx *sqlx.Tx, projectID string, bot *models.Bot, trigger models.WebhookTrigger, data models.JSONMap) error {
	subs, err := e.subs.ActiveForTrigger(ctx, projectID, trigger)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	var botID *string
	botObjectID := ""
	if bot != nil {
		botID = &bot.ID
		botObjectID = bot.ObjectID
	}

	// One idempotency key per logical event; every subscription's retries
	// of that event share it.
	idempotencyKey := uuid.New().String()
	payload := BuildPayload(trigger, botObjectID, idempotencyKey, data)

	for _, sub := range subs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO webhook_delivery_attempts (id, subscription_id, bot_id, trigger_type, payload, idempotency_key)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New().String(), sub.ID, botID, trigger, payload, idempotencyKey)
		if err != nil {
			return fmt.Errorf("failed to enqueue webhook: %w", err)
		}
	}
	return nil
}

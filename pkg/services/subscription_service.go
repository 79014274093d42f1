package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/models"
)

// SubscriptionService manages webhook delivery targets.
type SubscriptionService struct {
	db *database.Client
}

// NewSubscriptionService creates a new SubscriptionService.
func NewSubscriptionService(db *database.Client) *SubscriptionService {
	if db == nil {
		panic("NewSubscriptionService: db must not be nil")
	}
	return &SubscriptionService{db: db}
}

// Create registers a delivery target for a project.
func (s *SubscriptionService) Create(ctx context.Context, projectID, targetURL, secret string, triggers models.TriggerList) (*models.WebhookSubscription, error) {
	u, err := url.Parse(targetURL)
	if err != nil || u.Scheme != "https" && u.Scheme != "http" || u.Host == "" {
		return nil, NewValidationError("url", "must be an absolute http(s) url")
	}
	if secret == "" {
		return nil, NewValidationError("secret", "signing secret is required")
	}
	if len(triggers) == 0 {
		return nil, NewValidationError("triggers", "at least one trigger is required")
	}

	sub := &models.WebhookSubscription{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		URL:       targetURL,
		Triggers:  triggers,
		Secret:    secret,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (id, project_id, url, triggers, secret, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.ProjectID, sub.URL, sub.Triggers, sub.Secret, sub.IsActive, sub.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

// List returns a project's subscriptions.
func (s *SubscriptionService) List(ctx context.Context, projectID string) ([]models.WebhookSubscription, error) {
	subs := []models.WebhookSubscription{}
	err := s.db.SelectContext(ctx, &subs,
		`SELECT * FROM webhook_subscriptions WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// Get fetches one subscription within a project.
func (s *SubscriptionService) Get(ctx context.Context, projectID, subscriptionID string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := s.db.GetContext(ctx, &sub,
		`SELECT * FROM webhook_subscriptions WHERE project_id = $1 AND id = $2`, projectID, subscriptionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// Deactivate disables a subscription without losing its delivery history.
func (s *SubscriptionService) Deactivate(ctx context.Context, projectID, subscriptionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET is_active = FALSE WHERE project_id = $1 AND id = $2`,
		projectID, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	return requireRow(res)
}

// ActiveForTrigger returns the project's active subscriptions listening
// for the trigger.
func (s *SubscriptionService) ActiveForTrigger(ctx context.Context, projectID string, trigger models.WebhookTrigger) ([]models.WebhookSubscription, error) {
	subs, err := s.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	matched := subs[:0]
	for _, sub := range subs {
		if sub.IsActive && sub.Triggers.Contains(trigger) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

// ListDeliveryAttempts returns delivery history for one subscription.
func (s *SubscriptionService) ListDeliveryAttempts(ctx context.Context, subscriptionID string, limit int) ([]models.WebhookDeliveryAttempt, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	attempts := []models.WebhookDeliveryAttempt{}
	err := s.db.SelectContext(ctx, &attempts,
		`SELECT * FROM webhook_delivery_attempts WHERE subscription_id = $1 ORDER BY created_at DESC LIMIT $2`,
		subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	return attempts, nil
}

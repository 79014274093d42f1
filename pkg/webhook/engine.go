package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/notewell/attend/pkg/config"
	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/metrics"
	"github.com/notewell/attend/pkg/models"
)

// retryOffsets is the delay before each attempt, indexed by the attempt
// count at failure time. Five failures exhaust the schedule.
var retryOffsets = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
}

// maxResponseCapture bounds the stored response body per attempt.
const maxResponseCapture = 4 * 1024

// claim is one due attempt joined with its subscription target.
type claim struct {
	models.WebhookDeliveryAttempt
	URL    string `db:"url"`
	Secret string `db:"secret"`
}

// Engine is the webhook delivery worker pool. Workers claim due pending
// attempts with SKIP LOCKED, POST them, and write back the outcome, so
// any number of engine processes can run concurrently.
type Engine struct {
	db         *database.Client
	cfg        config.WebhookConfig
	metrics    *metrics.Metrics
	httpClient *http.Client
}

// NewEngine creates a delivery engine.
func NewEngine(db *database.Client, cfg config.WebhookConfig, m *metrics.Metrics) *Engine {
	if db == nil {
		panic("NewEngine: db must not be nil")
	}
	return &Engine{
		db:      db,
		cfg:     cfg,
		metrics: m,
		httpClient: &http.Client{
			Timeout: cfg.TotalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			},
		},
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("Webhook delivery engine starting", "workers", e.cfg.WorkerCount)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.WorkerCount; i++ {
		g.Go(func() error {
			return e.workerLoop(ctx)
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	slog.Info("Webhook delivery engine stopped")
	return err
}

func (e *Engine) workerLoop(ctx context.Context) error {
	for {
		delivered, err := e.DeliverBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Webhook batch failed", "error", err)
		}
		if delivered > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// DeliverBatch claims one batch of due attempts and delivers them.
// Returns the number of attempts processed.
func (e *Engine) DeliverBatch(ctx context.Context) (int, error) {
	claims, err := e.claimDue(ctx)
	if err != nil {
		return 0, err
	}
	for i := range claims {
		e.deliver(ctx, &claims[i])
	}
	return len(claims), nil
}

// claimDue selects due pending attempts and leases them past the worst
// case delivery time so concurrent workers skip them. For
// bot.state_change triggers an older pending attempt for the same
// (subscription, bot) blocks the claim, preserving per-bot ordering.
func (e *Engine) claimDue(ctx context.Context) ([]claim, error) {
	lease := e.cfg.TotalTimeout + 2*e.cfg.PollInterval
	var claims []claim

	err := e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		claims = claims[:0]
		err := tx.SelectContext(ctx, &claims,
			`SELECT a.*, s.url, s.secret
			 FROM webhook_delivery_attempts a
			 JOIN webhook_subscriptions s ON s.id = a.subscription_id
			 WHERE a.status = 'pending'
			   AND a.next_attempt_at <= now()
			   AND s.is_active
			   AND NOT EXISTS (
			     SELECT 1 FROM webhook_delivery_attempts older
			     WHERE a.trigger_type = 'bot.state_change'
			       AND older.trigger_type = 'bot.state_change'
			       AND older.subscription_id = a.subscription_id
			       AND older.bot_id = a.bot_id
			       AND older.status = 'pending'
			       AND older.created_at < a.created_at
			   )
			 ORDER BY a.next_attempt_at
			 LIMIT $1
			 FOR UPDATE OF a SKIP LOCKED`, e.cfg.ClaimBatchSize)
		if err != nil {
			return fmt.Errorf("failed to claim webhook attempts: %w", err)
		}
		for _, c := range claims {
			_, err := tx.ExecContext(ctx,
				`UPDATE webhook_delivery_attempts SET next_attempt_at = now() + $2 WHERE id = $1`,
				c.ID, lease)
			if err != nil {
				return fmt.Errorf("failed to lease webhook attempt: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// deliver POSTs one attempt and records the outcome. Delivery errors are
// written back as retries; only record-keeping errors are logged.
func (e *Engine) deliver(ctx context.Context, c *claim) {
	start := time.Now()
	status, body, err := e.post(ctx, c)
	elapsed := time.Since(start)

	if e.metrics != nil {
		e.metrics.WebhookDeliveryDuration.Observe(elapsed.Seconds())
	}

	if err == nil && status >= 200 && status < 300 {
		e.recordResult(ctx, c, models.DeliveryStatusSuccess, body)
		e.countDelivery(c, "success")
		return
	}

	snippet := body
	if err != nil {
		snippet = err.Error()
	}
	if c.AttemptCount+1 >= len(retryOffsets) {
		e.recordResult(ctx, c, models.DeliveryStatusFailure, snippet)
		e.countDelivery(c, "failure")
		slog.Warn("Webhook delivery exhausted",
			"attempt_id", c.ID, "url", c.URL, "attempts", c.AttemptCount+1)
		return
	}
	e.recordResult(ctx, c, models.DeliveryStatusPending, snippet)
	e.countDelivery(c, "retry")
}

func (e *Engine) post(ctx context.Context, c *claim) (int, string, error) {
	body, err := json.Marshal(c.Payload)
	if err != nil {
		return 0, "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(c.Secret, body))
	req.Header.Set("X-Idempotency-Key", c.IdempotencyKey)
	req.Header.Set("X-Webhook-Trigger", string(c.TriggerType))

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	captured, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseCapture))
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, string(captured), nil
}

func (e *Engine) recordResult(ctx context.Context, c *claim, status models.DeliveryStatus, responseBody string) {
	now := time.Now()
	attemptCount := c.AttemptCount + 1
	responses := append(c.ResponseBodyList, responseBody)

	var err error
	switch status {
	case models.DeliveryStatusSuccess:
		_, err = e.db.ExecContext(ctx,
			`UPDATE webhook_delivery_attempts
			 SET status = 'success', attempt_count = $2, response_body_list = $3,
			     last_attempt_at = $4, succeeded_at = $4
			 WHERE id = $1`,
			c.ID, attemptCount, responses, now)
	case models.DeliveryStatusFailure:
		_, err = e.db.ExecContext(ctx,
			`UPDATE webhook_delivery_attempts
			 SET status = 'failure', attempt_count = $2, response_body_list = $3, last_attempt_at = $4
			 WHERE id = $1`,
			c.ID, attemptCount, responses, now)
	default:
		_, err = e.db.ExecContext(ctx,
			`UPDATE webhook_delivery_attempts
			 SET attempt_count = $2, response_body_list = $3, last_attempt_at = $4, next_attempt_at = $5
			 WHERE id = $1`,
			c.ID, attemptCount, responses, now, now.Add(retryOffsets[attemptCount]))
	}
	if err != nil {
		slog.Error("Failed to record webhook outcome", "attempt_id", c.ID, "error", err)
	}
}

func (e *Engine) countDelivery(c *claim, result string) {
	if e.metrics == nil {
		return
	}
	e.metrics.WebhookDeliveries.WithLabelValues(string(c.TriggerType), result).Inc()
}

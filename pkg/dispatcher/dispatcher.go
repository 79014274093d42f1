// Package dispatcher runs the scheduler loop: it promotes scheduled bots
// when their pre-roll window opens, launches ready bots through the
// configured launcher, and reaps workers whose heartbeats went stale.
// The database is the source of truth; any number of dispatcher replicas
// can run because all claims go through row locks with SKIP LOCKED.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/notewell/attend/pkg/config"
	"github.com/notewell/attend/pkg/credits"
	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/launcher"
	"github.com/notewell/attend/pkg/lifecycle"
	"github.com/notewell/attend/pkg/metrics"
	"github.com/notewell/attend/pkg/models"
	"github.com/notewell/attend/pkg/services"
	"github.com/notewell/attend/pkg/webhook"
)

// janitorLockKey serializes the heartbeat sweep across dispatcher
// replicas within each sweep transaction.
const janitorLockKey = 0x617474656e64 // "attend"

const claimBatchSize = 50

// Dispatcher owns the tick loop.
type Dispatcher struct {
	db       *database.Client
	cfg      config.DispatcherConfig
	launcher launcher.Launcher
	credits  *services.CreditService
	enqueuer *webhook.Enqueuer
	metrics  *metrics.Metrics
}

// New creates a dispatcher.
func New(db *database.Client, cfg config.DispatcherConfig, l launcher.Launcher, creditSvc *services.CreditService, enqueuer *webhook.Enqueuer, m *metrics.Metrics) *Dispatcher {
	if db == nil {
		panic("dispatcher.New: db must not be nil")
	}
	if l == nil {
		panic("dispatcher.New: launcher must not be nil")
	}
	return &Dispatcher{
		db:       db,
		cfg:      cfg,
		launcher: l,
		credits:  creditSvc,
		enqueuer: enqueuer,
		metrics:  m,
	}
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("Dispatcher starting",
		"tick", d.cfg.TickInterval, "launcher", d.launcher.Kind(), "shards", d.cfg.ShardCount)

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher stopped")
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one dispatcher pass. Each phase is independently retried on
// the next tick, so errors are logged rather than propagated.
func (d *Dispatcher) Tick(ctx context.Context) {
	start := time.Now()
	if err := d.promoteScheduled(ctx); err != nil {
		slog.Error("Promote pass failed", "error", err)
	}
	if err := d.launchReady(ctx); err != nil {
		slog.Error("Launch pass failed", "error", err)
	}
	if err := d.sweepHeartbeats(ctx); err != nil {
		slog.Error("Heartbeat sweep failed", "error", err)
	}
	if d.metrics != nil {
		d.metrics.DispatcherTickDuration.Observe(time.Since(start).Seconds())
	}
}

// promoteScheduled moves scheduled bots to ready once the pre-roll
// window opens, so launch overhead is paid before join_at.
func (d *Dispatcher) promoteScheduled(ctx context.Context) error {
	return d.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var ids []string
		err := tx.SelectContext(ctx, &ids,
			`SELECT id FROM bots
			 WHERE state = 'scheduled' AND join_at <= now() + $1
			 ORDER BY join_at
			 LIMIT $2
			 FOR UPDATE SKIP LOCKED`, d.cfg.PreRoll, claimBatchSize)
		if err != nil {
			return fmt.Errorf("select due scheduled bots: %w", err)
		}
		for _, id := range ids {
			_, err := lifecycle.TransitionTx(ctx, tx, id, lifecycle.Request{
				To:        models.BotStateReady,
				EventType: models.BotEventReady,
			})
			if err != nil && !errors.Is(err, lifecycle.ErrRejected) {
				return err
			}
			slog.Info("Bot promoted to ready", "bot_id", id)
		}
		return nil
	})
}

// launchReady claims ready bots shard by shard and hands them to the
// launcher. Sharding by bot id spreads claim contention across replicas.
func (d *Dispatcher) launchReady(ctx context.Context) error {
	for shard := 0; shard < d.cfg.ShardCount; shard++ {
		bots, err := d.claimReadyShard(ctx, shard)
		if err != nil {
			return err
		}
		for i := range bots {
			d.launchOne(ctx, &bots[i])
		}
	}
	return nil
}

// claimReadyShard bumps launch bookkeeping on due ready bots in one
// shard and returns them. The next_launch_at bump acts as a lease: a
// crashed dispatcher's claims become launchable again after the backoff.
func (d *Dispatcher) claimReadyShard(ctx context.Context, shard int) ([]models.Bot, error) {
	var bots []models.Bot
	err := d.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		bots = bots[:0]
		err := tx.SelectContext(ctx, &bots,
			`SELECT * FROM bots
			 WHERE state = 'ready'
			   AND (next_launch_at IS NULL OR next_launch_at <= now())
			   AND abs(hashtext(id::text)) % $1 = $2
			 ORDER BY join_at NULLS FIRST, created_at
			 LIMIT $3
			 FOR UPDATE SKIP LOCKED`, d.cfg.ShardCount, shard, claimBatchSize)
		if err != nil {
			return fmt.Errorf("claim ready bots: %w", err)
		}
		for i := range bots {
			_, err := tx.ExecContext(ctx,
				`UPDATE bots SET launch_attempts = launch_attempts + 1, next_launch_at = now() + $2 WHERE id = $1`,
				bots[i].ID, d.cfg.LaunchRetryBackoff)
			if err != nil {
				return fmt.Errorf("lease ready bot: %w", err)
			}
			bots[i].LaunchAttempts++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bots, nil
}

// launchOne gates on credits, invokes the launcher, and stages the bot.
// Failures leave the bot in ready under its launch lease until the
// retry budget runs out.
func (d *Dispatcher) launchOne(ctx context.Context, bot *models.Bot) {
	orgID, err := d.credits.OrganizationForProject(ctx, bot.ProjectID)
	if err != nil {
		slog.Error("Failed to resolve organization", "bot_id", bot.ID, "error", err)
		return
	}
	if err := d.credits.CheckLaunchAllowed(ctx, orgID); err != nil {
		if errors.Is(err, services.ErrInsufficientCredits) {
			slog.Warn("Launch refused, credits exhausted", "bot_id", bot.ID, "organization", orgID)
			if bot.LaunchAttempts == 1 && d.enqueuer != nil {
				if enqErr := d.enqueuer.Enqueue(ctx, bot.ProjectID, bot, models.TriggerCreditsLow, models.JSONMap{
					"reason": "launch_refused",
				}); enqErr != nil {
					slog.Error("Failed to enqueue credits webhook", "bot_id", bot.ID, "error", enqErr)
				}
			}
			return
		}
		slog.Error("Credit gate failed", "bot_id", bot.ID, "error", err)
		return
	}

	// Launch before staging: a bot whose launch fails stays in ready
	// under its lease and is retried next tick until the budget runs
	// out. The worker waits briefly for the staged transition below.
	if err := d.launcher.Launch(ctx, bot); err != nil {
		slog.Error("Launch failed", "bot_id", bot.ID, "attempt", bot.LaunchAttempts, "error", err)
		d.countLaunch("error")
		if d.retryBudgetExceeded(bot) {
			d.failLaunch(ctx, bot, err.Error())
		}
		return
	}
	d.countLaunch("ok")

	if _, err := d.transition(ctx, bot.ID, lifecycle.Request{
		To:        models.BotStateStaged,
		EventType: models.BotEventStaged,
		From:      []models.BotState{models.BotStateReady},
	}); err != nil && !errors.Is(err, lifecycle.ErrRejected) {
		slog.Error("Failed to stage bot", "bot_id", bot.ID, "error", err)
		return
	}
	slog.Info("Bot launched", "bot_id", bot.ID, "launcher", d.launcher.Kind())
}

func (d *Dispatcher) retryBudgetExceeded(bot *models.Bot) bool {
	if d.cfg.LaunchRetryBackoff <= 0 {
		return bot.LaunchAttempts > 1
	}
	spent := time.Duration(bot.LaunchAttempts-1) * d.cfg.LaunchRetryBackoff
	return spent >= d.cfg.LaunchRetryMax
}

func (d *Dispatcher) failLaunch(ctx context.Context, bot *models.Bot, reason string) {
	sub := models.SubStateLaunchFailed
	err := d.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		fatal, err := lifecycle.TransitionTx(ctx, tx, bot.ID, lifecycle.Request{
			To:        models.BotStateFatalError,
			SubState:  &sub,
			EventType: models.BotEventFatalError,
			Metadata:  models.JSONMap{"reason": reason},
		})
		if err != nil {
			return err
		}
		if d.enqueuer != nil {
			return d.enqueuer.EnqueueTx(ctx, tx, bot.ProjectID, fatal,
				models.TriggerBotStateChange, webhook.StateChangeData(fatal))
		}
		return nil
	})
	if err != nil && !errors.Is(err, lifecycle.ErrRejected) {
		slog.Error("Failed to mark launch failure", "bot_id", bot.ID, "error", err)
	}
}

// staleHeartbeat is one reaped bot with its billing context.
type staleHeartbeat struct {
	models.Bot
	OrganizationID string `db:"organization_id"`
}

// sweepHeartbeats reaps workers that stopped writing heartbeats:
// in-meeting bots past the heartbeat timeout and staged bots whose
// worker never came up. Credits are finalized from the last known
// runtime in the same transaction as the terminal event.
func (d *Dispatcher) sweepHeartbeats(ctx context.Context) error {
	return d.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var locked bool
		if err := tx.GetContext(ctx, &locked,
			`SELECT pg_try_advisory_xact_lock($1)`, janitorLockKey); err != nil {
			return fmt.Errorf("acquire janitor lock: %w", err)
		}
		if !locked {
			return nil
		}

		var stale []staleHeartbeat
		err := tx.SelectContext(ctx, &stale,
			`SELECT b.*, p.organization_id FROM bots b
			 JOIN projects p ON p.id = b.project_id
			 WHERE (b.state IN ('joining', 'joined_not_recording', 'joined_recording', 'paused', 'leaving', 'post_processing')
			        AND coalesce(b.heartbeat_at, b.updated_at) < now() - $1)
			    OR (b.state = 'staged' AND b.updated_at < now() - $1)
			 LIMIT $2
			 FOR UPDATE OF b SKIP LOCKED`, d.cfg.HeartbeatTimeout, claimBatchSize)
		if err != nil {
			return fmt.Errorf("select stale bots: %w", err)
		}

		sub := models.SubStateHeartbeatTimeout
		for i := range stale {
			bot := &stale[i]
			fatal, err := lifecycle.TransitionTx(ctx, tx, bot.ID, lifecycle.Request{
				To:        models.BotStateFatalError,
				SubState:  &sub,
				EventType: models.BotEventFatalError,
			})
			if err != nil {
				if errors.Is(err, lifecycle.ErrRejected) {
					continue
				}
				return err
			}
			slog.Warn("Reaped stale bot", "bot_id", bot.ID, "state", bot.State)

			if err := d.finalizeRuntimeTx(ctx, tx, bot); err != nil {
				return err
			}
			if d.enqueuer != nil {
				if err := d.enqueuer.EnqueueTx(ctx, tx, bot.ProjectID, fatal,
					models.TriggerBotStateChange, webhook.StateChangeData(fatal)); err != nil {
					return err
				}
			}
			if d.metrics != nil {
				d.metrics.HeartbeatSweeps.Inc()
			}
		}
		return nil
	})
}

// finalizeRuntimeTx debits credits for the runtime observed so far:
// admission event to last heartbeat.
func (d *Dispatcher) finalizeRuntimeTx(ctx context.Context, tx *sqlx.Tx, bot *staleHeartbeat) error {
	var admittedAt time.Time
	err := tx.GetContext(ctx, &admittedAt,
		`SELECT created_at FROM bot_events
		 WHERE bot_id = $1 AND event_type = 'admitted'
		 ORDER BY id LIMIT 1`, bot.ID)
	if err != nil {
		// Never admitted; nothing to bill.
		return nil
	}

	end := time.Now()
	if bot.HeartbeatAt != nil {
		end = *bot.HeartbeatAt
	}
	durationMS := end.Sub(admittedAt).Milliseconds()
	cost := credits.Cost(bot.Platform(), bot.Settings.RecordingType, durationMS)
	if cost == 0 {
		return nil
	}

	result, err := d.credits.DebitTx(ctx, tx, bot.OrganizationID, &bot.ID, cost,
		"bot runtime (heartbeat timeout)")
	if err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.CreditsDebited.Add(float64(result.Debited))
	}
	if result.CrossedLowThreshold && d.enqueuer != nil {
		return d.enqueuer.EnqueueTx(ctx, tx, bot.ProjectID, nil, models.TriggerCreditsLow, models.JSONMap{
			"centicredits_remaining": result.BalanceAfter,
		})
	}
	return nil
}

func (d *Dispatcher) transition(ctx context.Context, botID string, req lifecycle.Request) (*models.Bot, error) {
	var bot *models.Bot
	err := d.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		bot, txErr = lifecycle.TransitionTx(ctx, tx, botID, req)
		return txErr
	})
	return bot, err
}

func (d *Dispatcher) countLaunch(outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.BotsLaunched.WithLabelValues(d.launcher.Kind(), outcome).Inc()
}

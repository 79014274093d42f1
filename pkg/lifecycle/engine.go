package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/models"
)

// Sentinel errors for transition attempts.
var (
	// ErrBotNotFound indicates the bot row does not exist.
	ErrBotNotFound = errors.New("bot not found")

	// ErrRejected indicates the bot was not in a valid source state.
	// Concurrent transition attempts serialize on the row lock; the loser
	// observes the new state and is rejected without side effect.
	ErrRejected = errors.New("transition rejected")
)

// Request describes one transition.
type Request struct {
	To        models.BotState
	SubState  *models.BotSubState
	EventType models.BotEventType
	Metadata  models.JSONMap

	// From restricts the permitted source states. Empty means any state
	// with a valid edge to To.
	From []models.BotState
}

// Engine executes transitions against the store.
type Engine struct {
	db *database.Client
}

// NewEngine creates a transition engine.
func NewEngine(db *database.Client) *Engine {
	return &Engine{db: db}
}

// Transition applies a transition in its own transaction.
func (e *Engine) Transition(ctx context.Context, botID string, req Request) (*models.Bot, error) {
	var bot *models.Bot
	err := e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		bot, txErr = TransitionTx(ctx, tx, botID, req)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return bot, nil
}

// TransitionTx applies a transition inside an existing transaction so
// callers can attach additional writes (credit debits, recording updates)
// atomically with the state change and its BotEvent.
func TransitionTx(ctx context.Context, tx *sqlx.Tx, botID string, req Request) (*models.Bot, error) {
	var bot models.Bot
	err := tx.GetContext(ctx, &bot,
		`SELECT * FROM bots WHERE id = $1 FOR UPDATE`, botID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBotNotFound
		}
		return nil, fmt.Errorf("failed to lock bot row: %w", err)
	}

	if !allowedSource(bot.State, req) {
		slog.Debug("Transition rejected",
			"bot_id", botID, "state", bot.State, "requested", req.To)
		return nil, ErrRejected
	}

	now := time.Now()
	oldState := bot.State
	bot.State = req.To
	bot.SubState = req.SubState
	bot.UpdatedAt = now

	_, err = tx.ExecContext(ctx,
		`UPDATE bots SET state = $1, sub_state = $2, updated_at = $3 WHERE id = $4`,
		bot.State, bot.SubState, now, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to update bot state: %w", err)
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = models.JSONMap{}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO bot_events (bot_id, old_state, new_state, event_type, event_sub_type, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		botID, oldState, bot.State, req.EventType, req.SubState, metadata, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert bot event: %w", err)
	}

	return &bot, nil
}

// allowedSource checks the explicit From restriction first, then the
// transition table.
func allowedSource(current models.BotState, req Request) bool {
	if len(req.From) > 0 {
		found := false
		for _, from := range req.From {
			if from == current {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return CanTransition(current, req.To)
}

// Heartbeat writes the liveness timestamp on the bot row.
func (e *Engine) Heartbeat(ctx context.Context, botID string) error {
	_, err := e.db.ExecContext(ctx,
		`UPDATE bots SET heartbeat_at = $1 WHERE id = $2`, time.Now(), botID)
	if err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

package lifecycle

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/models"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewEngine(database.NewClientFromDB(db)), mock
}

func lockedBotRow(state models.BotState) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "object_id", "project_id", "kind", "meeting_url", "name", "state",
		"sub_state", "join_at", "deduplication_key", "settings", "metadata",
		"heartbeat_at", "launch_attempts", "next_launch_at", "pod_id",
		"created_at", "updated_at",
	}).AddRow(
		"bot-1", "bot_abc", "project-1", "meeting_bot", "https://meet.google.com/abc",
		"Notetaker", string(state), nil, nil, nil, []byte(`{}`), []byte(`{}`),
		nil, 1, nil, nil, now, now,
	)
}

func TestTransitionWritesStateAndEvent(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM bots WHERE id = $1 FOR UPDATE`)).
		WithArgs("bot-1").
		WillReturnRows(lockedBotRow(models.BotStateStaged))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE bots SET state = $1, sub_state = $2, updated_at = $3 WHERE id = $4`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bot_events`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	bot, err := engine.Transition(context.Background(), "bot-1", Request{
		To:        models.BotStateJoining,
		EventType: models.BotEventJoinStarted,
	})
	require.NoError(t, err)
	assert.Equal(t, models.BotStateJoining, bot.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM bots WHERE id = $1 FOR UPDATE`)).
		WithArgs("bot-1").
		WillReturnRows(lockedBotRow(models.BotStateEnded))
	mock.ExpectRollback()

	_, err := engine.Transition(context.Background(), "bot-1", Request{
		To:        models.BotStateJoining,
		EventType: models.BotEventJoinStarted,
	})
	assert.ErrorIs(t, err, ErrRejected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionFromRestriction(t *testing.T) {
	engine, mock := newTestEngine(t)

	// The edge joined_not_recording -> leaving is valid, but the caller
	// only accepts paused sources; the attempt must lose silently.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM bots WHERE id = $1 FOR UPDATE`)).
		WithArgs("bot-1").
		WillReturnRows(lockedBotRow(models.BotStateJoinedNotRecording))
	mock.ExpectRollback()

	_, err := engine.Transition(context.Background(), "bot-1", Request{
		To:        models.BotStateLeaving,
		EventType: models.BotEventLeaveStarted,
		From:      []models.BotState{models.BotStatePaused},
	})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestTransitionBotNotFound(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM bots WHERE id = $1 FOR UPDATE`)).
		WithArgs("bot-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := engine.Transition(context.Background(), "bot-missing", Request{
		To:        models.BotStateJoining,
		EventType: models.BotEventJoinStarted,
	})
	assert.ErrorIs(t, err, ErrBotNotFound)
}

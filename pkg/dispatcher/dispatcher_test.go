package dispatcher

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notewell/attend/pkg/config"
	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/models"
	"github.com/notewell/attend/pkg/services"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	err      error
}

func (f *fakeLauncher) Kind() string { return "fake" }

func (f *fakeLauncher) Launch(ctx context.Context, bot *models.Bot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.launched = append(f.launched, bot.ID)
	return nil
}

func testConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		TickInterval:       5 * time.Second,
		PreRoll:            time.Minute,
		HeartbeatTimeout:   2 * time.Minute,
		LaunchRetryBackoff: 15 * time.Second,
		LaunchRetryMax:     10 * time.Minute,
		ShardCount:         1,
		LauncherKind:       "process",
	}
}

func newTestDispatcher(t *testing.T, l *fakeLauncher) (*Dispatcher, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	client := database.NewClientFromDB(db)
	return New(client, testConfig(), l, services.NewCreditService(client), nil, nil), mock
}

func botColumns() []string {
	return []string{
		"id", "object_id", "project_id", "kind", "meeting_url", "name", "state",
		"sub_state", "join_at", "deduplication_key", "settings", "metadata",
		"heartbeat_at", "launch_attempts", "next_launch_at", "pod_id",
		"created_at", "updated_at",
	}
}

func readyBotRow(id string, attempts int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(botColumns()).AddRow(
		id, "bot_"+id, "project-1", "meeting_bot", "https://meet.google.com/abc",
		"Notetaker", "ready", nil, nil, nil, []byte(`{}`), []byte(`{}`),
		nil, attempts, nil, nil, now, now,
	)
}

func TestPromoteScheduled(t *testing.T) {
	d, mock := newTestDispatcher(t, &fakeLauncher{})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM bots`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("bot-1"))
	// Transition: row lock, state update, event insert.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM bots WHERE id = $1 FOR UPDATE`)).
		WithArgs("bot-1").
		WillReturnRows(sqlmock.NewRows(botColumns()).AddRow(
			"bot-1", "bot_bot-1", "project-1", "meeting_bot", "https://meet.google.com/abc",
			"Notetaker", "scheduled", nil, time.Now(), nil, []byte(`{}`), []byte(`{}`),
			nil, 0, nil, nil, time.Now(), time.Now(),
		))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE bots SET state`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bot_events`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, d.promoteScheduled(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReadyShardLeasesClaims(t *testing.T) {
	d, mock := newTestDispatcher(t, &fakeLauncher{})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE state = 'ready'`)).
		WillReturnRows(readyBotRow("bot-1", 0))
	mock.ExpectExec(regexp.QuoteMeta(`SET launch_attempts = launch_attempts + 1`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	bots, err := d.claimReadyShard(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, bots, 1)
	assert.Equal(t, 1, bots[0].LaunchAttempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLaunchOneRefusesWithoutCredits(t *testing.T) {
	l := &fakeLauncher{}
	d, mock := newTestDispatcher(t, l)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT organization_id FROM projects`)).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow("org-1"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT centicredits, allow_negative_credits`)).
		WillReturnRows(sqlmock.NewRows([]string{"centicredits", "allow_negative_credits"}).AddRow(0, false))

	bot := &models.Bot{ID: "bot-1", ProjectID: "project-1", LaunchAttempts: 1}
	d.launchOne(context.Background(), bot)

	assert.Empty(t, l.launched)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLaunchOneStagesAfterLaunch(t *testing.T) {
	l := &fakeLauncher{}
	d, mock := newTestDispatcher(t, l)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT organization_id FROM projects`)).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow("org-1"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT centicredits, allow_negative_credits`)).
		WillReturnRows(sqlmock.NewRows([]string{"centicredits", "allow_negative_credits"}).AddRow(1000, false))
	// Staged transition.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM bots WHERE id = $1 FOR UPDATE`)).
		WillReturnRows(readyBotRow("bot-1", 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE bots SET state`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bot_events`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	bot := &models.Bot{ID: "bot-1", ProjectID: "project-1", LaunchAttempts: 1}
	d.launchOne(context.Background(), bot)

	assert.Equal(t, []string{"bot-1"}, l.launched)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLaunchOneFailureKeepsReadyUntilBudgetExhausted(t *testing.T) {
	l := &fakeLauncher{err: errors.New("runtime saturated")}
	d, mock := newTestDispatcher(t, l)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT organization_id FROM projects`)).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow("org-1"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT centicredits, allow_negative_credits`)).
		WillReturnRows(sqlmock.NewRows([]string{"centicredits", "allow_negative_credits"}).AddRow(1000, false))

	// Budget not exhausted: no fatal transition is attempted.
	bot := &models.Bot{ID: "bot-1", ProjectID: "project-1", LaunchAttempts: 2}
	d.launchOne(context.Background(), bot)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepHeartbeatsReapsAndBills(t *testing.T) {
	d, mock := newTestDispatcher(t, &fakeLauncher{})

	admittedAt := time.Now().Add(-35 * time.Minute)
	lastBeat := admittedAt.Add(30 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_try_advisory_xact_lock($1)`)).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(`JOIN projects p ON p.id = b.project_id`)).
		WillReturnRows(sqlmock.NewRows(append(botColumns(), "organization_id")).AddRow(
			"bot-1", "bot_bot-1", "project-1", "meeting_bot", "https://meet.google.com/abc",
			"Notetaker", "joined_recording", nil, nil, nil,
			[]byte(`{"recording_type":"audio_and_video"}`), []byte(`{}`),
			lastBeat, 1, nil, nil, admittedAt, admittedAt, "org-1",
		))

	// Terminal transition inside the sweep transaction.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM bots WHERE id = $1 FOR UPDATE`)).
		WithArgs("bot-1").
		WillReturnRows(sqlmock.NewRows(botColumns()).AddRow(
			"bot-1", "bot_bot-1", "project-1", "meeting_bot", "https://meet.google.com/abc",
			"Notetaker", "joined_recording", nil, nil, nil, []byte(`{}`), []byte(`{}`),
			lastBeat, 1, nil, nil, admittedAt, admittedAt,
		))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE bots SET state`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bot_events`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	// Billing covers admission to last heartbeat, in the same
	// transaction as the terminal event.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT created_at FROM bot_events`)).
		WithArgs("bot-1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(admittedAt))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM organizations WHERE id = $1 FOR UPDATE`)).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"centicredits", "allow_negative_credits", "low_credit_threshold", "low_credit_notified_at"}).
			AddRow(100000, false, 0, nil))
	// 30 minutes of audio_and_video is 50 centicredits.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE organizations SET centicredits`)).
		WithArgs("org-1", int64(99950), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO credit_transactions`)).
		WithArgs("org-1", "bot-1", int64(-50), int64(99950), "bot runtime (heartbeat timeout)").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, d.sweepHeartbeats(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepHeartbeatsSkipsWithoutJanitorLock(t *testing.T) {
	d, mock := newTestDispatcher(t, &fakeLauncher{})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_try_advisory_xact_lock($1)`)).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))
	mock.ExpectCommit()

	require.NoError(t, d.sweepHeartbeats(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryBudgetExceeded(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeLauncher{})

	assert.False(t, d.retryBudgetExceeded(&models.Bot{LaunchAttempts: 1}))
	assert.False(t, d.retryBudgetExceeded(&models.Bot{LaunchAttempts: 10}))
	// 41 attempts x 15 s backoff exceeds the 10 minute budget.
	assert.True(t, d.retryBudgetExceeded(&models.Bot{LaunchAttempts: 41}))
}

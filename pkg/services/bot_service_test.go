package services

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/lifecycle"
	"github.com/notewell/attend/pkg/models"
)

func newBotService(t *testing.T) (*BotService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	client := database.NewClientFromDB(db)
	return NewBotService(client, lifecycle.NewEngine(client)), mock
}

func botColumns() []string {
	return []string{
		"id", "object_id", "project_id", "kind", "meeting_url", "name", "state",
		"sub_state", "join_at", "deduplication_key", "settings", "metadata",
		"heartbeat_at", "launch_attempts", "next_launch_at", "pod_id",
		"created_at", "updated_at",
	}
}

func botRow(rows *sqlmock.Rows, id, objectID, state string, dedupKey *string) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		id, objectID, "project-1", "meeting_bot", "https://meet.google.com/abc-defg-hij",
		"Notetaker", state, nil, nil, dedupKey, []byte(`{}`), []byte(`{}`),
		nil, 0, nil, nil, now, now,
	)
}

func TestCreateBot(t *testing.T) {
	t.Run("rejects missing meeting url", func(t *testing.T) {
		svc, _ := newBotService(t)
		_, err := svc.CreateBot(context.Background(), CreateBotInput{ProjectID: "project-1"})
		assert.True(t, IsValidationError(err))
	})

	t.Run("rejects invalid settings combination", func(t *testing.T) {
		svc, _ := newBotService(t)
		_, err := svc.CreateBot(context.Background(), CreateBotInput{
			ProjectID:  "project-1",
			MeetingURL: "https://meet.google.com/abc-defg-hij",
			Settings: models.BotSettings{
				RecordingType:   models.RecordingTypeAudioOnly,
				RecordingFormat: models.RecordingFormatMP4,
			},
		})
		assert.True(t, IsValidationError(err))
	})

	t.Run("immediate create lands in ready", func(t *testing.T) {
		svc, mock := newBotService(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bots`)).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bot_events`)).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		bot, err := svc.CreateBot(context.Background(), CreateBotInput{
			ProjectID:  "project-1",
			MeetingURL: "https://meet.google.com/abc-defg-hij",
		})
		require.NoError(t, err)
		assert.Equal(t, models.BotStateReady, bot.State)
		assert.Equal(t, models.BotKindMeetingBot, bot.Kind)
		assert.Contains(t, bot.ObjectID, "bot_")
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("future join_at lands in scheduled", func(t *testing.T) {
		svc, mock := newBotService(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bots`)).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bot_events`)).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		joinAt := time.Now().Add(time.Hour)
		bot, err := svc.CreateBot(context.Background(), CreateBotInput{
			ProjectID:  "project-1",
			MeetingURL: "https://meet.google.com/abc-defg-hij",
			JoinAt:     &joinAt,
		})
		require.NoError(t, err)
		assert.Equal(t, models.BotStateScheduled, bot.State)
	})

	t.Run("dedup collision returns the live bot", func(t *testing.T) {
		svc, mock := newBotService(t)
		key := "meeting-42"

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bots`)).
			WillReturnError(&pgconn.PgError{Code: "23505"})
		mock.ExpectRollback()
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM bots`)).
			WillReturnRows(botRow(sqlmock.NewRows(botColumns()), "existing-id", "bot_existing", "joined_recording", &key))

		bot, err := svc.CreateBot(context.Background(), CreateBotInput{
			ProjectID:        "project-1",
			MeetingURL:       "https://meet.google.com/abc-defg-hij",
			DeduplicationKey: &key,
		})
		require.NoError(t, err)
		assert.Equal(t, "existing-id", bot.ID)
		assert.Equal(t, models.BotStateJoinedRecording, bot.State)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetBot(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		svc, mock := newBotService(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM bots`)).
			WillReturnRows(sqlmock.NewRows(botColumns()))

		_, err := svc.GetBot(context.Background(), "project-1", "bot_missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("found", func(t *testing.T) {
		svc, mock := newBotService(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM bots`)).
			WithArgs("project-1", "bot_x").
			WillReturnRows(botRow(sqlmock.NewRows(botColumns()), "id-1", "bot_x", "ended", nil))

		bot, err := svc.GetBot(context.Background(), "project-1", "bot_x")
		require.NoError(t, err)
		assert.Equal(t, "bot_x", bot.ObjectID)
	})
}

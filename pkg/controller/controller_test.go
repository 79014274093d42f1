package controller

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notewell/attend/pkg/adapter"
	"github.com/notewell/attend/pkg/config"
	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/lifecycle"
	"github.com/notewell/attend/pkg/models"
	"github.com/notewell/attend/pkg/pipeline"
	"github.com/notewell/attend/pkg/services"
	"github.com/notewell/attend/pkg/uploader"
)

func botColumns() []string {
	return []string{
		"id", "object_id", "project_id", "kind", "meeting_url", "name", "state",
		"sub_state", "join_at", "deduplication_key", "settings", "metadata",
		"heartbeat_at", "launch_attempts", "next_launch_at", "pod_id",
		"created_at", "updated_at",
	}
}

func botRow(state models.BotState) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(botColumns()).AddRow(
		"bot-1", "bot_abc", "project-1", "meeting_bot", "https://meet.google.com/abc",
		"Notetaker", string(state), nil, nil, nil, []byte(`{}`), []byte(`{}`),
		nil, 1, nil, nil, now, now,
	)
}

func newTestController(t *testing.T) (*Controller, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	client := database.NewClientFromDB(db)
	c := New(Deps{
		DB:       client,
		Worker:   config.WorkerConfig{HeartbeatInterval: time.Second, ShutdownTimeout: time.Minute, FlushTimeout: time.Second},
		Engine:   lifecycle.NewEngine(client),
		Adapters: adapter.NewRegistry(),
	})
	return c, mock
}

func TestWaitForStaged(t *testing.T) {
	c, mock := newTestController(t)

	// First observation races the dispatcher's staged commit.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM bots WHERE id = $1`)).
		WillReturnRows(botRow(models.BotStateReady))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM bots WHERE id = $1`)).
		WillReturnRows(botRow(models.BotStateStaged))

	bot, err := c.waitForStaged(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Equal(t, models.BotStateStaged, bot.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitForStagedRejectsUnexpectedState(t *testing.T) {
	c, mock := newTestController(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM bots WHERE id = $1`)).
		WillReturnRows(botRow(models.BotStateFatalError))

	_, err := c.waitForStaged(context.Background(), "bot-1")
	assert.ErrorContains(t, err, "unexpected state")
}

func TestHandleEventTerminalOutcomes(t *testing.T) {
	c, _ := newTestController(t)
	c.bot = &models.Bot{ID: "bot-1"}

	tests := []struct {
		name  string
		event adapter.Event
		want  outcome
	}{
		{"meeting ended", adapter.MeetingEnded{}, outcome{sub: models.SubStateMeetingEnded}},
		{"kicked", adapter.Kicked{}, outcome{sub: models.SubStateKicked}},
		{"rejected", adapter.AdmissionRejected{Reason: "host said no"},
			outcome{fatal: true, sub: models.SubStateRejected, reason: "host said no"}},
		{"fatal", adapter.Fatal{Err: errors.New("sdk crash")},
			outcome{fatal: true, sub: models.SubStateAdapterCrash, reason: "sdk crash"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done, out := c.handleEvent(context.Background(), tt.event)
			require.True(t, done)
			assert.Equal(t, tt.want, out)
		})
	}
}

func newAutoLeaveController(t *testing.T, auto models.AutoLeaveSettings) *Controller {
	t.Helper()
	c, _ := newTestController(t)
	c.bot = &models.Bot{ID: "bot-1", Settings: models.BotSettings{AutoLeave: auto}}
	pipe, err := pipeline.New(pipeline.Config{
		RecordingType: models.RecordingTypeNoRecording,
		Sink:          discardSink{},
	})
	require.NoError(t, err)
	t.Cleanup(pipe.Abort)
	c.pipe = pipe
	return c
}

func TestAutoLeaveWaitingRoom(t *testing.T) {
	c := newAutoLeaveController(t, models.AutoLeaveSettings{WaitingRoomSeconds: 1})
	c.joinStartedAt = time.Now().Add(-2 * time.Second)

	sub, due := c.autoLeaveDue()
	require.True(t, due)
	assert.Equal(t, models.SubStateWaitingRoom, sub)
}

func TestAutoLeaveMaxDuration(t *testing.T) {
	c := newAutoLeaveController(t, models.AutoLeaveSettings{MaxDurationSeconds: 1})
	c.admitted = true
	c.admittedAt = time.Now().Add(-2 * time.Second)
	c.present["alice"] = true

	sub, due := c.autoLeaveDue()
	require.True(t, due)
	assert.Equal(t, models.SubStateMaxDuration, sub)
}

func TestAutoLeaveOnlyParticipantNeedsSustainedSolitude(t *testing.T) {
	c := newAutoLeaveController(t, models.AutoLeaveSettings{
		OnlyParticipantSeconds: 1,
		SilenceSeconds:         -1,
		MaxDurationSeconds:     -1,
	})
	c.admitted = true
	c.admittedAt = time.Now().Add(-time.Hour)

	// First observation only arms the timer.
	_, due := c.autoLeaveDue()
	assert.False(t, due)

	c.aloneSince = time.Now().Add(-2 * time.Second)
	sub, due := c.autoLeaveDue()
	require.True(t, due)
	assert.Equal(t, models.SubStateOnlyParticipant, sub)

	// A participant joining disarms it.
	c.present["alice"] = true
	_, due = c.autoLeaveDue()
	assert.False(t, due)
	assert.True(t, c.aloneSince.IsZero())
}

func TestAutoLeaveSilenceDisabled(t *testing.T) {
	c := newAutoLeaveController(t, models.AutoLeaveSettings{
		SilenceSeconds:         -1,
		OnlyParticipantSeconds: -1,
		MaxDurationSeconds:     -1,
	})
	c.admitted = true
	c.admittedAt = time.Now().Add(-time.Hour)
	c.present["alice"] = true

	_, due := c.autoLeaveDue()
	assert.False(t, due)
}

// captureSink records what the pipeline did to it.
type captureSink struct {
	path      string
	finalized bool
	aborted   bool
}

func (s *captureSink) WriteAudio([]int16) error { return nil }

func (s *captureSink) WriteVideo([]byte) error { return nil }

func (s *captureSink) Finalize() (pipeline.Output, error) {
	s.finalized = true
	return pipeline.Output{Path: s.path, ByteSize: 9}, nil
}

func (s *captureSink) Abort() { s.aborted = true }

type stubStore struct{ puts map[string][]byte }

func (s *stubStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.puts[key] = data
	return "etag", nil
}

func (s *stubStore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (s *stubStore) Delete(context.Context, string) error { return nil }

func (s *stubStore) SignedURL(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("not implemented")
}

func (s *stubStore) Exists(context.Context, string) (bool, error) { return false, nil }

func (s *stubStore) Backend() string { return "stub" }

func TestFailureSalvagesCapturedRecording(t *testing.T) {
	c, _ := newTestController(t)
	c.bot = &models.Bot{ID: "bot-1", ObjectID: "bot_abc"}
	c.rec = &models.Recording{ID: "rec-1", RecordingType: models.RecordingTypeAudioOnly, Format: models.RecordingFormatMP3}

	path := filepath.Join(t.TempDir(), "out.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audiodata"), 0o644))
	sink := &captureSink{path: path}
	pipe, err := pipeline.New(pipeline.Config{RecordingType: models.RecordingTypeAudioOnly, Sink: sink})
	require.NoError(t, err)
	// One slot of audio made it to the encoder before the crash.
	require.NoError(t, pipe.Step())
	c.pipe = pipe

	udb, umock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { udb.Close() })
	store := &stubStore{puts: map[string][]byte{}}
	c.deps.Uploader = uploader.New(store, services.NewRecordingService(database.NewClientFromDB(udb)), nil)
	umock.ExpectExec(regexp.QuoteMeta(`SET state = 'complete'`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.True(t, c.salvageRecording(context.Background()))
	assert.True(t, sink.finalized)
	assert.False(t, sink.aborted)
	assert.Contains(t, store.puts, "recordings/bot_abc.mp3")
	require.NoError(t, umock.ExpectationsWereMet())
}

func TestFailureDiscardsEmptyPipeline(t *testing.T) {
	c, _ := newTestController(t)
	c.bot = &models.Bot{ID: "bot-1", ObjectID: "bot_abc"}
	c.rec = &models.Recording{ID: "rec-1", RecordingType: models.RecordingTypeAudioOnly, Format: models.RecordingFormatMP3}

	sink := &captureSink{}
	pipe, err := pipeline.New(pipeline.Config{RecordingType: models.RecordingTypeAudioOnly, Sink: sink})
	require.NoError(t, err)
	c.pipe = pipe

	assert.False(t, c.salvageRecording(context.Background()))
	assert.True(t, sink.aborted)
	assert.False(t, sink.finalized)
}

func expectTransition(mock sqlmock.Sqlmock, from models.BotState) {
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM bots WHERE id = $1 FOR UPDATE`)).
		WillReturnRows(botRow(from))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE bots SET state`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bot_events`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func TestForceFinishSettlesEnded(t *testing.T) {
	c, mock := newTestController(t)
	c.bot = &models.Bot{ID: "bot-1", ProjectID: "project-1"}

	// A stuck graceful shutdown is pushed through leaving and
	// post_processing and still lands in ended, not fatal_error.
	expectTransition(mock, models.BotStateJoinedRecording)
	expectTransition(mock, models.BotStateLeaving)
	expectTransition(mock, models.BotStatePostProcessing)

	c.forceFinish(context.Background(), outcome{sub: models.SubStateMeetingEnded})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBillableWindowEndsAtDisconnect(t *testing.T) {
	c, _ := newTestController(t)

	_, ok := c.billableMS()
	assert.False(t, ok)

	c.admitted = true
	c.admittedAt = time.Now().Add(-10 * time.Minute)
	c.leftAt = time.Now().Add(-5 * time.Minute)

	// Teardown time after the disconnect is not billed.
	ms, ok := c.billableMS()
	require.True(t, ok)
	assert.InDelta(t, (5 * time.Minute).Milliseconds(), ms, 200)

	// The first disconnect timestamp wins.
	c.markLeft()
	again, ok := c.billableMS()
	require.True(t, ok)
	assert.InDelta(t, ms, again, 200)
}

func TestEventTSPrefersAdapterClock(t *testing.T) {
	c, _ := newTestController(t)
	c.bot = &models.Bot{ID: "bot-1"}

	assert.Equal(t, int64(4200), c.eventTS(4200))
	// Not admitted yet: local meeting clock is zero.
	assert.Equal(t, int64(0), c.eventTS(0))

	c.admitted = true
	c.admittedAt = time.Now().Add(-time.Second)
	assert.InDelta(t, 1000, c.eventTS(0), 200)
}

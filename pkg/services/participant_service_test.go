package services

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

func newTestParticipantService(t *testing.T) (*ParticipantService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewParticipantService(database.NewClientFromDB(db)), mock
}

func participantColumns() []string {
	return []string{"id", "bot_id", "uuid", "user_uuid", "full_name", "is_host", "is_the_bot", "first_seen_at"}
}

func TestUpsertReturnsStableID(t *testing.T) {
	s, mock := newTestParticipantService(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO participants`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-id"))

	p := &models.Participant{BotID: "bot-1", UUID: "uuid-alice", FullName: "Alice"}
	id, err := s.Upsert(context.Background(), p)
	require.NoError(t, err)
	// Re-observation keeps the row id from the first sighting.
	assert.Equal(t, "existing-id", id)
	assert.Equal(t, "existing-id", p.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByBotOrdersByArrival(t *testing.T) {
	s, mock := newTestParticipantService(t)

	base := time.Now().Add(-time.Hour)
	rows := sqlmock.NewRows(participantColumns()).
		AddRow("id-z", "bot-1", "uuid-first", nil, "First", false, false, base).
		AddRow("id-a", "bot-1", "uuid-second", nil, "Second", false, false, base.Add(time.Minute))

	// Arrival time orders the list; random row ids must not.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM participants WHERE bot_id = $1 ORDER BY first_seen_at, uuid`)).
		WithArgs("bot-1").
		WillReturnRows(rows)

	participants, err := s.ListByBot(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Len(t, participants, 2)
	assert.Equal(t, "uuid-first", participants[0].UUID)
	assert.Equal(t, "uuid-second", participants[1].UUID)
	require.NoError(t, mock.ExpectationsWereMet())
}

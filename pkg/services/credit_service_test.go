package services

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notewell/attend/pkg/database"
)

func newMockClient(t *testing.T) (*database.Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return database.NewClientFromDB(db), mock
}

func expectOrgLock(mock sqlmock.Sqlmock, centicredits int64, allowNegative bool, threshold int64) {
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT centicredits, allow_negative_credits, low_credit_threshold, low_credit_notified_at`)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"centicredits", "allow_negative_credits", "low_credit_threshold", "low_credit_notified_at"},
		).AddRow(centicredits, allowNegative, threshold, nil))
}

func TestDebitTx(t *testing.T) {
	t.Run("simple debit", func(t *testing.T) {
		client, mock := newMockClient(t)
		svc := NewCreditService(client)

		mock.ExpectBegin()
		expectOrgLock(mock, 1000, false, 0)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE organizations SET centicredits`)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO credit_transactions`)).
			WithArgs("org-1", nil, int64(-250), int64(750), "bot runtime").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := client.WithTx(context.Background(), func(tx *sqlx.Tx) error {
			result, err := svc.DebitTx(context.Background(), tx, "org-1", nil, 250, "bot runtime")
			require.NoError(t, err)
			assert.Equal(t, int64(250), result.Debited)
			assert.Equal(t, int64(750), result.BalanceAfter)
			assert.False(t, result.CrossedLowThreshold)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("floors at zero without the negative flag", func(t *testing.T) {
		client, mock := newMockClient(t)
		svc := NewCreditService(client)

		mock.ExpectBegin()
		expectOrgLock(mock, 100, false, 0)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE organizations SET centicredits`)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO credit_transactions`)).
			WithArgs("org-1", nil, int64(-100), int64(0), "bot runtime").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := client.WithTx(context.Background(), func(tx *sqlx.Tx) error {
			result, err := svc.DebitTx(context.Background(), tx, "org-1", nil, 500, "bot runtime")
			require.NoError(t, err)
			assert.Equal(t, int64(100), result.Debited)
			assert.Equal(t, int64(0), result.BalanceAfter)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("goes negative with the flag", func(t *testing.T) {
		client, mock := newMockClient(t)
		svc := NewCreditService(client)

		mock.ExpectBegin()
		expectOrgLock(mock, 100, true, 0)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE organizations SET centicredits`)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO credit_transactions`)).
			WithArgs("org-1", nil, int64(-500), int64(-400), "bot runtime").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := client.WithTx(context.Background(), func(tx *sqlx.Tx) error {
			result, err := svc.DebitTx(context.Background(), tx, "org-1", nil, 500, "bot runtime")
			require.NoError(t, err)
			assert.Equal(t, int64(-400), result.BalanceAfter)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("low threshold crossing fires once", func(t *testing.T) {
		client, mock := newMockClient(t)
		svc := NewCreditService(client)

		mock.ExpectBegin()
		expectOrgLock(mock, 600, false, 500)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE organizations SET centicredits`)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO credit_transactions`)).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := client.WithTx(context.Background(), func(tx *sqlx.Tx) error {
			result, err := svc.DebitTx(context.Background(), tx, "org-1", nil, 200, "bot runtime")
			require.NoError(t, err)
			assert.True(t, result.CrossedLowThreshold)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects negative amounts", func(t *testing.T) {
		client, mock := newMockClient(t)
		svc := NewCreditService(client)

		mock.ExpectBegin()
		mock.ExpectRollback()

		err := client.WithTx(context.Background(), func(tx *sqlx.Tx) error {
			_, err := svc.DebitTx(context.Background(), tx, "org-1", nil, -1, "nope")
			return err
		})
		assert.True(t, IsValidationError(err))
	})
}

func TestCheckLaunchAllowed(t *testing.T) {
	t.Run("allows positive balance", func(t *testing.T) {
		client, mock := newMockClient(t)
		svc := NewCreditService(client)

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT centicredits, allow_negative_credits FROM organizations`)).
			WillReturnRows(sqlmock.NewRows([]string{"centicredits", "allow_negative_credits"}).AddRow(1, false))

		assert.NoError(t, svc.CheckLaunchAllowed(context.Background(), "org-1"))
	})

	t.Run("refuses exhausted balance", func(t *testing.T) {
		client, mock := newMockClient(t)
		svc := NewCreditService(client)

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT centicredits, allow_negative_credits FROM organizations`)).
			WillReturnRows(sqlmock.NewRows([]string{"centicredits", "allow_negative_credits"}).AddRow(0, false))

		assert.ErrorIs(t, svc.CheckLaunchAllowed(context.Background(), "org-1"), ErrInsufficientCredits)
	})

	t.Run("allows overruns with the flag", func(t *testing.T) {
		client, mock := newMockClient(t)
		svc := NewCreditService(client)

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT centicredits, allow_negative_credits FROM organizations`)).
			WillReturnRows(sqlmock.NewRows([]string{"centicredits", "allow_negative_credits"}).AddRow(-50, true))

		assert.NoError(t, svc.CheckLaunchAllowed(context.Background(), "org-1"))
	})
}

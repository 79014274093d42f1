package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/notewell/attend/pkg/database"
)

// DebitResult describes the outcome of one balance debit.
type DebitResult struct {
	// Debited is the delta actually applied. Smaller than requested when
	// the balance was floored at zero.
	Debited int64

	// BalanceAfter is the centicredit balance after the debit.
	BalanceAfter int64

	// CrossedLowThreshold is true when this debit took the balance at or
	// below the warning threshold for the first time since the last
	// recovery. The caller owes the organization a credits_low webhook.
	CrossedLowThreshold bool
}

// CreditService manages organization balances. Debits are written inside
// the caller's transaction so they commit atomically with the terminal
// bot event.
type CreditService struct {
	db *database.Client
}

// NewCreditService creates a new CreditService.
func NewCreditService(db *database.Client) *CreditService {
	if db == nil {
		panic("NewCreditService: db must not be nil")
	}
	return &CreditService{db: db}
}

// CheckLaunchAllowed returns ErrInsufficientCredits when the balance is
// exhausted and the organization does not allow negative balances.
func (s *CreditService) CheckLaunchAllowed(ctx context.Context, organizationID string) error {
	var row struct {
		Centicredits         int64 `db:"centicredits"`
		AllowNegativeCredits bool  `db:"allow_negative_credits"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT centicredits, allow_negative_credits FROM organizations WHERE id = $1`, organizationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to check balance: %w", err)
	}
	if row.Centicredits <= 0 && !row.AllowNegativeCredits {
		return ErrInsufficientCredits
	}
	return nil
}

// DebitTx debits centicredits from an organization inside tx and records
// the ledger entry. Organizations without the negative-balance flag are
// floored at zero; the short-charged remainder is absorbed.
func (s *CreditService) DebitTx(ctx context.Context, tx *sqlx.Tx, organizationID string, botID *string, centicredits int64, description string) (*DebitResult, error) {
	if centicredits < 0 {
		return nil, NewValidationError("centicredits", "debit amount must be non-negative")
	}

	var org struct {
		Centicredits         int64      `db:"centicredits"`
		AllowNegativeCredits bool       `db:"allow_negative_credits"`
		LowCreditThreshold   int64      `db:"low_credit_threshold"`
		LowCreditNotifiedAt  *time.Time `db:"low_credit_notified_at"`
	}
	err := tx.GetContext(ctx, &org,
		`SELECT centicredits, allow_negative_credits, low_credit_threshold, low_credit_notified_at
		 FROM organizations WHERE id = $1 FOR UPDATE`, organizationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock organization: %w", err)
	}

	debited := centicredits
	after := org.Centicredits - debited
	if after < 0 && !org.AllowNegativeCredits {
		debited = org.Centicredits
		if debited < 0 {
			debited = 0
		}
		after = org.Centicredits - debited
	}

	crossed := after <= org.LowCreditThreshold && org.LowCreditNotifiedAt == nil
	notifiedAt := org.LowCreditNotifiedAt
	if crossed {
		now := time.Now()
		notifiedAt = &now
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE organizations SET centicredits = $2, low_credit_notified_at = $3 WHERE id = $1`,
		organizationID, after, notifiedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to debit organization: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (organization_id, bot_id, centicredits_delta, centicredits_after, description)
		 VALUES ($1, $2, $3, $4, $5)`,
		organizationID, botID, -debited, after, description)
	if err != nil {
		return nil, fmt.Errorf("failed to record credit transaction: %w", err)
	}

	return &DebitResult{
		Debited:             debited,
		BalanceAfter:        after,
		CrossedLowThreshold: crossed,
	}, nil
}

// Adjust applies a manual balance adjustment in its own transaction. A
// top-up that lifts the balance above the warning threshold re-arms the
// low-credit notification.
func (s *CreditService) Adjust(ctx context.Context, organizationID string, centicredits int64, description string) (int64, error) {
	var after int64
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var org struct {
			Centicredits       int64 `db:"centicredits"`
			LowCreditThreshold int64 `db:"low_credit_threshold"`
		}
		err := tx.GetContext(ctx, &org,
			`SELECT centicredits, low_credit_threshold FROM organizations WHERE id = $1 FOR UPDATE`,
			organizationID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock organization: %w", err)
		}

		after = org.Centicredits + centicredits
		if after > org.LowCreditThreshold {
			_, err = tx.ExecContext(ctx,
				`UPDATE organizations SET centicredits = $2, low_credit_notified_at = NULL WHERE id = $1`,
				organizationID, after)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE organizations SET centicredits = $2 WHERE id = $1`, organizationID, after)
		}
		if err != nil {
			return fmt.Errorf("failed to adjust balance: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO credit_transactions (organization_id, centicredits_delta, centicredits_after, description)
			 VALUES ($1, $2, $3, $4)`,
			organizationID, centicredits, after, description)
		if err != nil {
			return fmt.Errorf("failed to record credit transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return after, nil
}

// OrganizationForProject resolves the owning organization id.
func (s *CreditService) OrganizationForProject(ctx context.Context, projectID string) (string, error) {
	var orgID string
	err := s.db.GetContext(ctx, &orgID,
		`SELECT organization_id FROM projects WHERE id = $1`, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve organization: %w", err)
	}
	return orgID, nil
}

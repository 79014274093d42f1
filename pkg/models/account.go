package models

import "time"

// Credits are stored as centicredits (1 credit = 100 centicredits) so debit
// arithmetic stays integral. Balances may go negative after overruns.

// Organization owns projects and the credit balance.
type Organization struct {
	ID                   string     `db:"id"`
	Name                 string     `db:"name"`
	Centicredits         int64      `db:"centicredits"`
	AllowNegativeCredits bool       `db:"allow_negative_credits"`
	LowCreditThreshold   int64      `db:"low_credit_threshold"`
	LowCreditNotifiedAt  *time.Time `db:"low_credit_notified_at"`
	CreatedAt            time.Time  `db:"created_at"`
}

// Project is the tenancy boundary for bots, credentials, and subscriptions.
type Project struct {
	ID             string    `db:"id"`
	OrganizationID string    `db:"organization_id"`
	Name           string    `db:"name"`
	APITokenHash   string    `db:"api_token_hash"`
	CreatedAt      time.Time `db:"created_at"`
}

// Credential holds an encrypted provider secret, unique per
// (project, provider). The ciphertext is AES-256-GCM with a random nonce
// prefix; only pkg/services.CredentialService touches the key.
type Credential struct {
	ID         string             `db:"id"`
	ProjectID  string             `db:"project_id"`
	Provider   CredentialProvider `db:"provider"`
	Ciphertext []byte             `db:"ciphertext"`
	CreatedAt  time.Time          `db:"created_at"`
}

// CreditTransaction is one ledger entry for an organization's balance.
type CreditTransaction struct {
	ID                int64     `db:"id"`
	OrganizationID    string    `db:"organization_id"`
	BotID             *string   `db:"bot_id"`
	CenticreditsDelta int64     `db:"centicredits_delta"`
	CenticreditsAfter int64     `db:"centicredits_after"`
	Description       string    `db:"description"`
	CreatedAt         time.Time `db:"created_at"`
}

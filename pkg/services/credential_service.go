package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/models"
)

// CredentialService stores provider secrets encrypted at rest with
// AES-256-GCM. The nonce is prepended to the ciphertext.
type CredentialService struct {
	db   *database.Client
	aead cipher.AEAD
}

// NewCredentialService creates a new CredentialService from a hex-encoded
// 32-byte key.
func NewCredentialService(db *database.Client, hexKey string) (*CredentialService, error) {
	if db == nil {
		panic("NewCredentialService: db must not be nil")
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &CredentialService{db: db, aead: aead}, nil
}

// Store encrypts and upserts a secret for (project, provider).
func (s *CredentialService) Store(ctx context.Context, projectID string, provider models.CredentialProvider, secret []byte) error {
	if len(secret) == 0 {
		return NewValidationError("secret", "secret is required")
	}
	ciphertext, err := s.encrypt(secret)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, project_id, provider, ciphertext, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (project_id, provider) DO UPDATE SET ciphertext = EXCLUDED.ciphertext`,
		uuid.New().String(), projectID, provider, ciphertext, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Fetch decrypts the secret for (project, provider).
func (s *CredentialService) Fetch(ctx context.Context, projectID string, provider models.CredentialProvider) ([]byte, error) {
	var cred models.Credential
	err := s.db.GetContext(ctx, &cred,
		`SELECT * FROM credentials WHERE project_id = $1 AND provider = $2`, projectID, provider)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch credential: %w", err)
	}
	return s.decrypt(cred.Ciphertext)
}

// Delete removes the secret for (project, provider).
func (s *CredentialService) Delete(ctx context.Context, projectID string, provider models.CredentialProvider) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE project_id = $1 AND provider = $2`, projectID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return requireRow(res)
}

func (s *CredentialService) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *CredentialService) decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := s.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	return plaintext, nil
}

package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/models"
)

// ProjectService resolves API tokens to projects.
type ProjectService struct {
	db *database.Client
}

// NewProjectService creates a new ProjectService.
func NewProjectService(db *database.Client) *ProjectService {
	if db == nil {
		panic("NewProjectService: db must not be nil")
	}
	return &ProjectService{db: db}
}

// HashToken computes the stored form of an API token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// AuthenticateToken resolves a bearer token to its project. Unknown
// tokens return ErrNotFound; callers map that to 401.
func (s *ProjectService) AuthenticateToken(ctx context.Context, token string) (*models.Project, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	var project models.Project
	err := s.db.GetContext(ctx, &project,
		`SELECT * FROM projects WHERE api_token_hash = $1`, HashToken(token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to authenticate token: %w", err)
	}
	return &project, nil
}

// GetOrganization fetches an organization row.
func (s *ProjectService) GetOrganization(ctx context.Context, organizationID string) (*models.Organization, error) {
	var org models.Organization
	err := s.db.GetContext(ctx, &org,
		`SELECT * FROM organizations WHERE id = $1`, organizationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}

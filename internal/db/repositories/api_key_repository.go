// api_key_repository.go implements APIKeyRepository, providing database queries
// for API key lookup by prefix, creation, revocation, and last-used timestamp
// updates.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/updatepulse/updatepulse-server/internal/db/models"
)

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create stores a new API key record.
func (r *APIKeyRepository) Create(ctx context.Context, apiKey *models.APIKey) error {
	if apiKey.ID == "" {
		apiKey.ID = uuid.New().String()
	}
	if apiKey.CreatedAt.IsZero() {
		apiKey.CreatedAt = time.Now()
	}

	scopesJSON, err := json.Marshal(apiKey.Scopes)
	if err != nil {
		return err
	}
	allowlistJSON, err := json.Marshal(apiKey.IPAllowlist)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, ip_allowlist, expires_at, last_used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		apiKey.ID,
		apiKey.Name,
		apiKey.KeyHash,
		apiKey.KeyPrefix,
		scopesJSON,
		allowlistJSON,
		apiKey.ExpiresAt,
		apiKey.LastUsedAt,
		apiKey.CreatedAt,
	)

	return err
}

// scanAPIKey reads one api_keys row including its JSONB columns.
func scanAPIKey(scan func(dest ...interface{}) error) (*models.APIKey, error) {
	apiKey := &models.APIKey{}
	var scopesJSON, allowlistJSON []byte

	err := scan(
		&apiKey.ID,
		&apiKey.Name,
		&apiKey.KeyHash,
		&apiKey.KeyPrefix,
		&scopesJSON,
		&allowlistJSON,
		&apiKey.ExpiresAt,
		&apiKey.LastUsedAt,
		&apiKey.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(scopesJSON, &apiKey.Scopes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(allowlistJSON, &apiKey.IPAllowlist); err != nil {
		return nil, err
	}

	return apiKey, nil
}

// GetByID retrieves an API key by ID. Returns (nil, nil) when absent.
func (r *APIKeyRepository) GetByID(ctx context.Context, keyID string) (*models.APIKey, error) {
	query := `
		SELECT id, name, key_hash, key_prefix, scopes, ip_allowlist, expires_at, last_used_at, created_at
		FROM api_keys
		WHERE id = $1
	`

	apiKey, err := scanAPIKey(r.db.QueryRowContext(ctx, query, keyID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return apiKey, nil
}

// GetByPrefix retrieves API keys matching a display prefix. The prefix is
// stored plaintext alongside the bcrypt hash so authentication can narrow the
// candidate set with one indexed query and run the expensive bcrypt comparison
// only on those few rows.
func (r *APIKeyRepository) GetByPrefix(ctx context.Context, keyPrefix string) ([]*models.APIKey, error) {
	query := `
		SELECT id, name, key_hash, key_prefix, scopes, ip_allowlist, expires_at, last_used_at, created_at
		FROM api_keys
		WHERE key_prefix = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, keyPrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apiKeys := make([]*models.APIKey, 0)
	for rows.Next() {
		apiKey, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		apiKeys = append(apiKeys, apiKey)
	}

	return apiKeys, rows.Err()
}

// List retrieves all API keys.
func (r *APIKeyRepository) List(ctx context.Context) ([]*models.APIKey, error) {
	query := `
		SELECT id, name, key_hash, key_prefix, scopes, ip_allowlist, expires_at, last_used_at, created_at
		FROM api_keys
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apiKeys := make([]*models.APIKey, 0)
	for rows.Next() {
		apiKey, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		apiKeys = append(apiKeys, apiKey)
	}

	return apiKeys, rows.Err()
}

// UpdateLastUsed updates the last_used_at timestamp for an API key
func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, keyID string) error {
	query := `
		UPDATE api_keys
		SET last_used_at = $2
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query, keyID, time.Now())
	return err
}

// Revoke deletes an API key
func (r *APIKeyRepository) Revoke(ctx context.Context, keyID string) error {
	query := `DELETE FROM api_keys WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, keyID)
	return err
}

// DeleteExpired deletes all expired API keys (for cleanup jobs)
func (r *APIKeyRepository) DeleteExpired(ctx context.Context) error {
	query := `
		DELETE FROM api_keys
		WHERE expires_at IS NOT NULL AND expires_at < $1
	`

	_, err := r.db.ExecContext(ctx, query, time.Now())
	return err
}

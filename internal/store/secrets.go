// ABOUTME: Secrets persistence for provider credentials
// ABOUTME: Simple key/value table consumed by the credential broker

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetSecretValue returns the value stored for a secret key.
// Returns ErrNotFound if no secret with that key exists.
func (s *SQLiteStore) GetSecretValue(ctx context.Context, key string) (string, error) {
	query := `SELECT value FROM secrets WHERE key = ?`

	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying secret: %w", err)
	}
	return value, nil
}

// SetSecret creates or replaces a secret. Values are operational
// credentials, so only the key is ever logged.
func (s *SQLiteStore) SetSecret(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO secrets (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query, key, value, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("upserting secret: %w", err)
	}

	s.logger.Debug("stored secret", "key", key)
	return nil
}

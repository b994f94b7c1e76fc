package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetConfigValue returns the stored value for key, or the empty string when
// the key is absent.
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config key %s: %w", key, err)
	}
	return value, nil
}

// SetConfigValue stores a key/value pair, replacing any existing value.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to write config key %s: %w", key, err)
	}
	return nil
}

package logbook

import (
	"context"
	"fmt"
)

// UserExists reports whether the given user id is known.
func (db *DB) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`,
		userID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("logbook: check user: %w", err)
	}
	return exists, nil
}

// EnsureUser inserts the user if absent. Existing rows keep their display name.
func (db *DB) EnsureUser(ctx context.Context, userID, displayName string) error {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO users (user_id, display_name)
		 VALUES ($1, NULLIF($2, ''))
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, displayName,
	); err != nil {
		return fmt.Errorf("logbook: ensure user: %w", err)
	}
	return nil
}

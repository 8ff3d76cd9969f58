package logbook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/engramhq/engram/internal/evidence"
)

// Settings is the per-project governance row.
type Settings struct {
	ProjectKey       string
	TeamWriteEnabled bool
	PolicyJSON       map[string]any
	UpdatedBy        *string
	UpdatedAt        time.Time
}

// EvidenceMode reads policy_json.evidence_mode, defaulting to compat.
func (s Settings) EvidenceMode() evidence.Mode {
	if v, ok := s.PolicyJSON["evidence_mode"].(string); ok {
		return evidence.ParseMode(v)
	}
	return evidence.ModeCompat
}

// GetOrCreateSettings returns the project's settings, inserting the default
// row first if none exists. Insert-if-absent makes concurrent first-time
// initialization safe: whoever loses the race reads the winner's row.
func (db *DB) GetOrCreateSettings(ctx context.Context, projectKey string) (Settings, error) {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO settings (project_key) VALUES ($1) ON CONFLICT DO NOTHING`,
		projectKey,
	); err != nil {
		return Settings{}, fmt.Errorf("logbook: init settings: %w", err)
	}

	var (
		s          Settings
		policyJSON []byte
	)
	if err := db.pool.QueryRow(ctx,
		`SELECT project_key, team_write_enabled, policy_json, updated_by, updated_at
		 FROM settings WHERE project_key = $1`,
		projectKey,
	).Scan(&s.ProjectKey, &s.TeamWriteEnabled, &policyJSON, &s.UpdatedBy, &s.UpdatedAt); err != nil {
		return Settings{}, fmt.Errorf("logbook: read settings: %w", err)
	}

	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &s.PolicyJSON); err != nil {
			return Settings{}, fmt.Errorf("logbook: decode policy_json: %w", err)
		}
	}
	if s.PolicyJSON == nil {
		s.PolicyJSON = map[string]any{}
	}
	return s, nil
}

// UpsertSettings writes the given fields, leaving nil ones untouched.
// Partial updates are the norm: governance_update may flip only
// team_write_enabled or only replace policy_json.
func (db *DB) UpsertSettings(ctx context.Context, projectKey string, teamWriteEnabled *bool, policyJSON map[string]any, updatedBy string) error {
	var policyBytes []byte
	if policyJSON != nil {
		var err error
		policyBytes, err = json.Marshal(policyJSON)
		if err != nil {
			return fmt.Errorf("logbook: marshal policy_json: %w", err)
		}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO settings (project_key, team_write_enabled, policy_json, updated_by, updated_at)
		 VALUES ($1, COALESCE($2, true), COALESCE($3::jsonb, '{}'::jsonb), NULLIF($4, ''), now())
		 ON CONFLICT (project_key) DO UPDATE SET
		     team_write_enabled = COALESCE($2, settings.team_write_enabled),
		     policy_json        = COALESCE($3::jsonb, settings.policy_json),
		     updated_by         = COALESCE(NULLIF($4, ''), settings.updated_by),
		     updated_at         = now()`,
		projectKey, teamWriteEnabled, policyBytes, updatedBy,
	)
	if err != nil {
		return fmt.Errorf("logbook: upsert settings: %w", err)
	}
	return nil
}

// Package settingsstore persists runtime settings external collaborators
// own: the `ALLOW_TRUSTED_DOMAIN_RECLASSIFICATION` test-only override
// flag (spec.md §6) and similar operator-facing knobs that do not belong
// in the governance state file since they are not safety invariants
// themselves, only inputs to one. Every read of the reclassification
// flag is audited (spec.md §6: "every read is audited"), since the flag
// can relax TrustSupremacy enforcement during testing and its use must
// leave a trail.
package settingsstore

import (
	"context"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/phishguard/phishguard/internal/audit"
)

// Setting is one row of the settings table.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

const settingsTable = "phishguard_settings"
const reclassificationFlagKey = "ALLOW_TRUSTED_DOMAIN_RECLASSIFICATION"

// Store wraps a Supabase client for settings persistence, following the
// teacher's thin-CRUD-wrapper pattern in internal/database/supabase.go.
type Store struct {
	client  *supabase.Client
	auditor *audit.SyncWriter
	env     audit.Environment
}

// New constructs a Store from Supabase URL/service-key credentials.
func New(url, serviceKey string, auditor *audit.SyncWriter, env audit.Environment) (*Store, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("settingsstore: SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("settingsstore: create supabase client: %w", err)
	}
	return &Store{client: client, auditor: auditor, env: env}, nil
}

// Get fetches one setting by key, returning ("", false, nil) if absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var rows []Setting
	_, err := s.client.From(settingsTable).
		Select("*", "", false).
		Eq("key", key).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return "", false, fmt.Errorf("settingsstore: get %q: %w", key, err)
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	return rows[0].Value, true, nil
}

// Set upserts a setting, recording who changed it.
func (s *Store) Set(ctx context.Context, key, value, updatedBy string) error {
	row := Setting{Key: key, Value: value, UpdatedBy: updatedBy, UpdatedAt: time.Now().UTC()}
	var result []Setting
	_, err := s.client.From(settingsTable).
		Insert(row, true, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("settingsstore: set %q: %w", key, err)
	}
	return nil
}

// AllowTrustedDomainReclassification reads the reclassification
// override flag, auditing every read per spec.md §6. Defaults to false
// (fail closed) if the flag row is absent or the store is unreachable —
// callers must never treat a read failure as an implicit "allowed".
func (s *Store) AllowTrustedDomainReclassification(ctx context.Context) bool {
	value, ok, err := s.Get(ctx, reclassificationFlagKey)
	allowed := ok && err == nil && value == "true"

	if s.auditor != nil {
		flagValue := allowed
		_ = s.auditor.Append(audit.Entry{
			Timestamp:         time.Now().UTC(),
			Environment:       s.env,
			EventType:         "POLICY_OVERRIDE_FLAG_READ",
			OverrideFlagValue: &flagValue,
			TriggeringContext: "settingsstore",
			Reason:            "trusted-domain reclassification flag consulted",
		})
	}
	return allowed
}

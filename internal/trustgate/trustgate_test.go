package trustgate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/phishguard/phishguard/internal/audit"
	"github.com/phishguard/phishguard/internal/governance"
)

func newTestGate(t *testing.T) (*Gate, *governance.Controller) {
	t.Helper()
	dir := t.TempDir()
	auditor, err := audit.NewSyncWriter(filepath.Join(dir, "policy_override.log"))
	if err != nil {
		t.Fatalf("NewSyncWriter: %v", err)
	}
	gov := governance.NewController(
		filepath.Join(dir, "governance_state.json"),
		filepath.Join(dir, "domain_trust_timestamps.json"),
		5, 50, 2, 5,
		governance.Budgets{MaxOverridesPerHour: 3, TrustRevalidationWindow: 365 * 24 * time.Hour},
		auditor, audit.EnvLocal,
	)

	g, err := NewGate(filepath.Join(dir, "trusted_domains_manifest.json"), "", gov)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g, gov
}

func TestCheck_SeedDomainTrusted(t *testing.T) {
	g, _ := newTestGate(t)
	tc := g.Check("https://github.com/some/path")
	if !tc.IsTrusted {
		t.Fatalf("expected github.com to be trusted, got %+v", tc)
	}
}

func TestCheck_BarePublicSuffixTrustsAllGov(t *testing.T) {
	g, _ := newTestGate(t)
	tc := g.Check("https://cia.gov/page")
	if !tc.IsTrusted || tc.Matched != "gov" {
		t.Fatalf("expected bare .gov suffix match, got %+v", tc)
	}
}

func TestCheck_AdversarialSubdomainNotTrusted(t *testing.T) {
	g, _ := newTestGate(t)
	tc := g.Check("https://github.com.attacker.tld/phish")
	if tc.IsTrusted {
		t.Fatalf("expected attacker.tld not to inherit github.com's trust, got %+v", tc)
	}
}

func TestAdd_PersistsAndConsumesBudget(t *testing.T) {
	g, gov := newTestGate(t)
	if err := g.Add("example-bank.com", "reviewer", "manual review passed"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	tc := g.Check("https://example-bank.com/login")
	if !tc.IsTrusted {
		t.Fatalf("expected newly added domain to be trusted")
	}

	rec, ok, err := gov.GetDomainTrust("example-bank.com")
	if err != nil || !ok {
		t.Fatalf("expected domain trust record to be recorded: ok=%v err=%v", ok, err)
	}
	if rec.TrustLevel != governance.TrustFull {
		t.Fatalf("expected TrustFull, got %v", rec.TrustLevel)
	}
}

func TestAdd_FailsWhenFrozen(t *testing.T) {
	g, gov := newTestGate(t)
	if err := gov.TriggerFreeze("test freeze", "I-1", "tester"); err != nil {
		t.Fatalf("TriggerFreeze: %v", err)
	}
	if err := g.Add("new-domain.com", "reviewer", "should fail"); err == nil {
		t.Fatalf("expected Add to fail while governance is frozen")
	}
}

func TestRemove_DropsTrust(t *testing.T) {
	g, gov := newTestGate(t)
	if err := g.Add("temp-trusted.com", "reviewer", "temporary"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := g.Remove("temp-trusted.com", "reviewer", "revoking trust"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	tc := g.Check("https://temp-trusted.com")
	if tc.IsTrusted {
		t.Fatalf("expected temp-trusted.com to no longer be trusted")
	}
	if _, ok, _ := gov.GetDomainTrust("temp-trusted.com"); ok {
		t.Fatalf("expected domain trust record to be removed")
	}
}

func TestNewGate_ManifestVersionMismatchFailsStartup(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "trusted_domains_manifest.json")
	snapshotPath := filepath.Join(dir, "trusted_domains_snapshot.json")

	manifest := Manifest{Version: 3, ChangeReason: "seed"}
	data, _ := json.Marshal(manifest)
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(snapshotPath, []byte(`{"_manifest_version": 4}`), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	auditor, err := audit.NewSyncWriter(filepath.Join(dir, "policy_override.log"))
	if err != nil {
		t.Fatalf("NewSyncWriter: %v", err)
	}
	gov := governance.NewController(
		filepath.Join(dir, "governance_state.json"),
		filepath.Join(dir, "domain_trust_timestamps.json"),
		5, 50, 2, 5, governance.Budgets{}, auditor, audit.EnvLocal,
	)

	if _, err := NewGate(manifestPath, snapshotPath, gov); err == nil {
		t.Fatalf("expected manifest/snapshot version mismatch to fail startup")
	}
}

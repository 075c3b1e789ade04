package middleware

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/phishguard/phishguard/internal/audit"
	"github.com/phishguard/phishguard/internal/governance"
	"github.com/phishguard/phishguard/internal/invariant"
)

func TestCORS_RespondsToPreflight(t *testing.T) {
	h := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run for an OPTIONS preflight")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/scan", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected permissive CORS origin header, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func newTestReporter(t *testing.T) *invariant.Reporter {
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
	return invariant.New(gov)
}

func TestFreezeGate_PassesThroughWhenOperational(t *testing.T) {
	reporter := newTestReporter(t)
	called := false
	h := FreezeGate(reporter, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scan", nil))

	if !called {
		t.Fatal("expected the wrapped handler to run when the system is operational")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestFreezeGate_ReturnsServiceUnavailableWhenFrozen(t *testing.T) {
	reporter := newTestReporter(t)
	if err := reporter.ReportTrustedDomainVerdict("example.com", "PHISHING"); err == nil {
		t.Fatal("expected ReportTrustedDomainVerdict to trigger a freeze")
	}

	h := FreezeGate(reporter, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run while frozen")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scan", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while frozen, got %d", rec.Code)
	}
}

func TestRequireAdminKey_RejectsMissingOrWrongKey(t *testing.T) {
	h := RequireAdminKey("secret", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/governance/unfreeze", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no key supplied, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/governance/unfreeze", nil)
	req.Header.Set("X-Admin-Key", "wrong")
	h(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}
}

func TestRequireAdminKey_AcceptsCorrectKey(t *testing.T) {
	h := RequireAdminKey("secret", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/governance/unfreeze", nil)
	req.Header.Set("X-Admin-Key", "secret")
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct key, got %d", rec.Code)
	}
}

func TestRequireAdminKey_EmptyConfiguredKeyAlwaysRejects(t *testing.T) {
	h := RequireAdminKey("", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should never run when no admin key is configured")
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/governance/unfreeze", nil)
	req.Header.Set("X-Admin-Key", "")
	h(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when no admin key is configured, got %d", rec.Code)
	}
}

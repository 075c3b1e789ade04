package governance

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/phishguard/phishguard/internal/audit"
	"github.com/phishguard/phishguard/internal/pherrors"
)

type fixedCalibration struct {
	status CalibrationStatus
}

func (f fixedCalibration) Status() (CalibrationStatus, error) { return f.status, nil }

func newTestController(t *testing.T, budgets Budgets, calib CalibrationSource) *Controller {
	t.Helper()
	dir := t.TempDir()
	auditor, err := audit.NewSyncWriter(filepath.Join(dir, "policy_override.log"))
	if err != nil {
		t.Fatalf("NewSyncWriter: %v", err)
	}
	if budgets.MaxOverridesPerHour == 0 {
		budgets.MaxOverridesPerHour = 3
	}
	if budgets.MaxCanaryFailures == 0 {
		budgets.MaxCanaryFailures = 5
	}
	if budgets.CanaryMinTestRuns == 0 {
		budgets = Budgets{
			MaxOverridesPerHour:      budgets.MaxOverridesPerHour,
			MaxCanaryFailures:        budgets.MaxCanaryFailures,
			CanaryMinTestRuns:        5,
			CanaryMinSampleSize:      100,
			CanaryMinConsecutivePass: 5,
			CanaryRequiredPassRate:   1.0,
			TrustRevalidationWindow:  365 * 24 * time.Hour,
		}
	}
	ctl := NewController(
		filepath.Join(dir, "governance_state.json"),
		filepath.Join(dir, "domain_trust_timestamps.json"),
		5, 50, 2, 5,
		budgets, auditor, audit.EnvLocal,
	)
	if calib != nil {
		WithCalibrationSource(calib)(ctl)
	}
	var seq int
	WithIDGenerator(func() string {
		seq++
		return "test-id-" + time.Now().Format("150405") + "-" + string(rune('a'+seq))
	})(ctl)
	return ctl
}

func TestFreeze_Idempotent(t *testing.T) {
	ctl := newTestController(t, Budgets{}, nil)
	if err := ctl.TriggerFreeze("manual test", "I-001", "tester"); err != nil {
		t.Fatalf("TriggerFreeze: %v", err)
	}
	status1, _ := ctl.GetSafetyStatus()

	if err := ctl.TriggerFreeze("different reason", "I-002", "tester2"); err != nil {
		t.Fatalf("TriggerFreeze (second): %v", err)
	}
	status2, _ := ctl.GetSafetyStatus()

	if *status1.Freeze.FrozenAt != *status2.Freeze.FrozenAt {
		t.Fatalf("expected first-writer-wins on frozen_at")
	}
	if status2.Freeze.FreezeReason != "manual test" {
		t.Fatalf("expected original reason to stick, got %q", status2.Freeze.FreezeReason)
	}
}

func TestResumeFromFreeze_Preconditions(t *testing.T) {
	ctl := newTestController(t, Budgets{}, nil)
	ctl.TriggerFreeze("manual test", "I-001", "tester")

	if err := ctl.ResumeFromFreeze("sec-lead", "", "a justification long enough"); err == nil {
		t.Fatalf("expected error for empty incident id")
	}
	if err := ctl.ResumeFromFreeze("sec-lead", "I-001", "short"); err == nil {
		t.Fatalf("expected error for short justification")
	}
	if err := ctl.ResumeFromFreeze("sec-lead", "I-001", "Root cause identified and patched."); err != nil {
		t.Fatalf("ResumeFromFreeze: %v", err)
	}
	frozen, _ := ctl.IsFrozen()
	if frozen {
		t.Fatalf("expected system unfrozen after resume")
	}
}

func TestRequestOverride_AuthorityMatrix(t *testing.T) {
	ctl := newTestController(t, Budgets{}, nil)

	if _, err := ctl.RequestOverride(OverridePermanent, AuthorityOnCall, nil, "r", "a", "T-1", 0); err == nil {
		t.Fatalf("expected ON_CALL to be rejected for PERMANENT")
	}
	if _, err := ctl.RequestOverride(OverridePermanent, AuthoritySecurityTeam, nil, "r", "a", "", 0); err == nil {
		t.Fatalf("expected PERMANENT to require a review ticket")
	}
	ov, err := ctl.RequestOverride(OverrideEmergency, AuthorityOnCall, []string{"example.com"}, "incident", "lead", "", 48*time.Hour)
	if err != nil {
		t.Fatalf("RequestOverride: %v", err)
	}
	if ov.ExpiresAt == nil || ov.ExpiresAt.Sub(ov.CreatedAt) > 24*time.Hour+time.Minute {
		t.Fatalf("expected EMERGENCY duration clamped to 24h, got %v", ov.ExpiresAt)
	}
}

func TestRequestOverride_BudgetExhaustionFreezes(t *testing.T) {
	ctl := newTestController(t, Budgets{MaxOverridesPerHour: 3}, nil)

	for i := 0; i < 3; i++ {
		if _, err := ctl.RequestOverride(OverrideEmergency, AuthorityOnCall, nil, "r", "a", "", 0); err != nil {
			t.Fatalf("override %d: unexpected error: %v", i, err)
		}
	}

	_, err := ctl.RequestOverride(OverrideEmergency, AuthorityOnCall, nil, "r", "a", "", 0)
	var budgetErr *pherrors.BudgetExhaustedError
	if err == nil {
		t.Fatalf("expected 4th override to exhaust budget")
	}
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected BudgetExhaustedError, got %T: %v", err, err)
	}

	_, err = ctl.RequestOverride(OverrideTesting, AuthorityCISystem, nil, "r", "a", "", 0)
	var frozenErr *pherrors.SystemFrozenError
	if !errors.As(err, &frozenErr) {
		t.Fatalf("expected subsequent requests to see SystemFrozenError, got %T: %v", err, err)
	}
}

func TestCanaryPromotion_RequiresEligibilityAndHealthyCalibration(t *testing.T) {
	ctl := newTestController(t, Budgets{}, fixedCalibration{status: CalibrationHealthy})

	for i := 0; i < 3; i++ {
		if err := ctl.RecordCanaryResult("canary.example.com", "SAFE", 20); err != nil {
			t.Fatalf("RecordCanaryResult: %v", err)
		}
	}
	elig, err := ctl.CheckPromotionEligibility("canary.example.com")
	if err != nil {
		t.Fatalf("CheckPromotionEligibility: %v", err)
	}
	if elig.Eligible {
		t.Fatalf("expected ineligible due to low test_runs, got %+v", elig)
	}

	if err := ctl.PromoteCanary("canary.example.com", "lead", "T-1"); err == nil {
		t.Fatalf("expected promotion to fail while ineligible")
	}

	for i := 0; i < 3; i++ {
		ctl.RecordCanaryResult("canary.example.com", "SAFE", 20)
	}
	elig, err = ctl.CheckPromotionEligibility("canary.example.com")
	if err != nil {
		t.Fatalf("CheckPromotionEligibility: %v", err)
	}
	if !elig.Eligible {
		t.Fatalf("expected eligible after enough passing runs, got %+v", elig)
	}
	if err := ctl.PromoteCanary("canary.example.com", "lead", "T-1"); err != nil {
		t.Fatalf("PromoteCanary: %v", err)
	}
}

func TestCanaryFailure_ResetsConsecutivePassesAndChargesBudget(t *testing.T) {
	ctl := newTestController(t, Budgets{MaxCanaryFailures: 2}, nil)

	ctl.RecordCanaryResult("d.example.com", "SAFE", 10)
	ctl.RecordCanaryResult("d.example.com", "PHISHING", 10)
	err := ctl.RecordCanaryResult("d.example.com", "PHISHING", 10)
	var budgetErr *pherrors.BudgetExhaustedError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected canary failure budget to exhaust and freeze, got %v", err)
	}
	frozen, _ := ctl.IsFrozen()
	if !frozen {
		t.Fatalf("expected system frozen after canary budget exhaustion")
	}
}

func TestReportTrustedDomainVerdict_FreezesOnPhishing(t *testing.T) {
	ctl := newTestController(t, Budgets{}, nil)
	if err := ctl.ReportTrustedDomainVerdict("trusted.example.com", "SAFE"); err != nil {
		t.Fatalf("expected SAFE verdict to be a no-op, got %v", err)
	}
	frozen, _ := ctl.IsFrozen()
	if frozen {
		t.Fatalf("SAFE verdict on trusted domain must not freeze")
	}

	err := ctl.ReportTrustedDomainVerdict("trusted.example.com", "PHISHING")
	var invErr *pherrors.InvariantViolationError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected InvariantViolationError, got %T: %v", err, err)
	}
	frozen, _ = ctl.IsFrozen()
	if !frozen {
		t.Fatalf("expected PHISHING verdict on trusted domain to freeze immediately")
	}
}

func TestDomainTrust_RoundTrips(t *testing.T) {
	ctl := newTestController(t, Budgets{}, nil)
	if _, err := ctl.RecordDomainTrust("example.gov", "reviewer", TrustFull); err != nil {
		t.Fatalf("RecordDomainTrust: %v", err)
	}
	rec, ok, err := ctl.GetDomainTrust("example.gov")
	if err != nil || !ok {
		t.Fatalf("GetDomainTrust: ok=%v err=%v", ok, err)
	}
	if rec.TrustLevel != TrustFull {
		t.Fatalf("expected TrustFull, got %v", rec.TrustLevel)
	}
}

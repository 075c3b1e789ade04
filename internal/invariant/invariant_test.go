package invariant

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phishguard/phishguard/internal/audit"
	"github.com/phishguard/phishguard/internal/governance"
)

func newTestReporter(t *testing.T) (*Reporter, *governance.Controller) {
	t.Helper()
	dir := t.TempDir()
	auditor, err := audit.NewSyncWriter(filepath.Join(dir, "policy_override.log"))
	require.NoError(t, err)
	gov := governance.NewController(
		filepath.Join(dir, "governance_state.json"),
		filepath.Join(dir, "domain_trust_timestamps.json"),
		5, 50, 2, 5,
		governance.Budgets{MaxOverridesPerHour: 3, TrustRevalidationWindow: 365 * 24 * time.Hour},
		auditor, audit.EnvLocal,
	)
	return New(gov), gov
}

func TestAssertSystemOperational_DelegatesToFreezeGate(t *testing.T) {
	r, gov := newTestReporter(t)
	assert.NoError(t, r.AssertSystemOperational(), "expected operational before any freeze")
	require.NoError(t, gov.TriggerFreeze("manual test", "I-100", "tester"))
	assert.Error(t, r.AssertSystemOperational(), "expected AssertSystemOperational to fail after a freeze")
}

func TestReportTrustedDomainVerdict_TrustSupremacy(t *testing.T) {
	r, _ := newTestReporter(t)
	assert.NoError(t, r.ReportTrustedDomainVerdict("example.com", "SAFE"), "expected SAFE verdict on a trusted domain to pass")
	assert.Error(t, r.ReportTrustedDomainVerdict("example.com", "PHISHING"), "expected a PHISHING verdict on a trusted domain to violate TrustSupremacy")
}

func TestConsumeOverride_ChargesBudget(t *testing.T) {
	r, gov := newTestReporter(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.ConsumeOverride("tester", "reason", "example.com"), "ConsumeOverride #%d", i)
	}
	assert.Error(t, r.ConsumeOverride("tester", "reason", "example.com"), "expected the fourth override this hour to exceed the budget")

	status, err := gov.GetSafetyStatus()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, status.Budget.OverrideCountHourly, 3)
}

func TestConsultDriftPenalty_NoCalibrationSourceIsUnknown(t *testing.T) {
	r, _ := newTestReporter(t)
	adj, err := r.ConsultDriftPenalty()
	require.NoError(t, err)
	assert.InDelta(t, 0.10, adj.Penalty, 1e-9, "expected the UNKNOWN-status penalty with no calibration source wired")
}

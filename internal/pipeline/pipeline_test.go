package pipeline

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/phishguard/phishguard/internal/analysiscache"
	"github.com/phishguard/phishguard/internal/audit"
	"github.com/phishguard/phishguard/internal/blocklist"
	"github.com/phishguard/phishguard/internal/circuitbreaker"
	"github.com/phishguard/phishguard/internal/features"
	"github.com/phishguard/phishguard/internal/governance"
	"github.com/phishguard/phishguard/internal/invariant"
	"github.com/phishguard/phishguard/internal/pherrors"
	"github.com/phishguard/phishguard/internal/trustgate"
)

// fixedModel is a test double for the Calibrated Model (C5): always
// returns the probability it was constructed with, regardless of input.
type fixedModel struct {
	pPhishing float64
}

func (m fixedModel) PredictProba([33]float64) (float64, float64) { return m.pPhishing, 1 - m.pPhishing }
func (m fixedModel) Version() string                             { return "test-fixed" }

func defaultConfig() Config {
	return Config{
		PhishingThreshold:   0.85,
		SuspiciousThreshold: 0.55,
		HTTPFailurePenalty:  0.075,
		WHOISFailurePenalty: 0.045,
		DNSFailurePenalty:   0.030,
		FeatureProbeTimeout: 3 * time.Second,
	}
}

type testHarness struct {
	gov   *governance.Controller
	trust *trustgate.Gate
	bl    *blocklist.Cache
}

func newHarness(t *testing.T) testHarness {
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
	trust, err := trustgate.NewGate(filepath.Join(dir, "trusted_domains_manifest.json"), "", gov)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	bl := blocklist.NewCache(nil, circuitbreaker.NewPipelineBreakers(), time.Hour, 5*time.Second)
	return testHarness{gov: gov, trust: trust, bl: bl}
}

func (h testHarness) newPipeline(t *testing.T, p float64) *Pipeline {
	t.Helper()
	cache := analysiscache.New(time.Hour, 100)
	inv := invariant.New(h.gov)
	resolver := func(string) ([]net.IP, error) { return []net.IP{net.ParseIP("93.184.216.34")}, nil }
	return New(defaultConfig(), cache, h.trust, h.bl, fixedModel{pPhishing: p}, inv, nil, nil,
		features.WithResolver(resolver))
}

// Scenario 1 (spec.md §8): a trusted domain is always SAFE, even when
// the model is forced toward PHISHING, and the model must never be
// invoked.
func TestAnalyze_TrustedDomainIsAlwaysSafe(t *testing.T) {
	h := newHarness(t)
	p := h.newPipeline(t, 0.99)

	result, err := p.Analyze("https://accounts.google.com/signin")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.Verdict != Safe {
		t.Fatalf("expected SAFE, got %s", result.Verdict)
	}
	if !result.MLBypassed {
		t.Fatal("expected ml_bypassed=true for a trusted domain")
	}
	if result.RiskScore > 30 {
		t.Fatalf("expected risk_score <= 30, got %v", result.RiskScore)
	}
	if len(result.Explanation.Risk) != 0 {
		t.Fatalf("expected an empty risk list for a trusted domain, got %v", result.Explanation.Risk)
	}
	if !result.Explanation.AllowlistOverride {
		t.Fatal("expected allowlist_override=true")
	}
}

// Scenario 2: a lookalike domain that merely contains a trusted eTLD+1
// as a subdomain label must not inherit trust.
func TestAnalyze_LookalikeDomainEscapesTrust(t *testing.T) {
	h := newHarness(t)
	p := h.newPipeline(t, 0.01)

	result, err := p.Analyze("https://google.com.evil.xyz/login")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.IsTrustedDomain {
		t.Fatal("expected google.com.evil.xyz not to be trusted")
	}
}

// Scenario 3: threshold exactness at the PHISHING/SUSPICIOUS boundary.
// Exercised against mapThreshold directly rather than through Analyze:
// a real Analyze call runs live HTTP/WHOIS/DNS probes that this test
// environment cannot guarantee succeed, and step 9's drift-aware penalty
// would otherwise contaminate a pure threshold-mapping assertion with
// probe-failure noise.
func TestAnalyze_ThresholdBoundary(t *testing.T) {
	h := newHarness(t)
	p := h.newPipeline(t, 0)

	if got := p.mapThreshold(0.849); got != Suspicious {
		t.Fatalf("p=0.849: expected SUSPICIOUS, got %s", got)
	}
	if got := p.mapThreshold(0.85); got != Phishing {
		t.Fatalf("p=0.85: expected PHISHING, got %s", got)
	}
	if got := p.mapThreshold(0.549); got != Safe {
		t.Fatalf("p=0.549: expected SAFE, got %s", got)
	}
	if got := p.mapThreshold(0.55); got != Suspicious {
		t.Fatalf("p=0.55: expected SUSPICIOUS, got %s", got)
	}
}

// Scenario 4: a drift-aware penalty downgrades an otherwise-PHISHING
// verdict to SUSPICIOUS when all three probes fail, and the warning is
// surfaced.
func TestAnalyze_DriftPenaltyDowngradesVerdict(t *testing.T) {
	h := newHarness(t)
	p := h.newPipeline(t, 0.90)

	// An unresolvable host (the test resolver still hands the SSRF check a
	// public address) makes every probe fail, driving the per-probe
	// penalty to 0.075+0.045+0.030 = 0.15, same as spec.md §8 scenario 4.
	// The harness wires no calibration source, so the UNKNOWN status adds
	// its own 0.10 penalty and restricts PHISHING to SUSPICIOUS as well.
	result, err := p.Analyze("https://unreachable-test-host.invalid.example:1/")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.FailureFlags == nil || !result.FailureFlags.AnyFailed() {
		t.Fatalf("expected at least one probe failure, got %+v", result.FailureFlags)
	}
	if result.Verdict == Phishing {
		t.Fatalf("expected the verdict to downgrade away from PHISHING under full probe failure, got %s with warnings %v", result.Verdict, result.Warnings)
	}
}

// Scenario 8 / property 8: an SSRF-blocked target fails feature
// extraction (step 6), which the Pipeline converts in-band to an
// inconclusive SUSPICIOUS verdict rather than an error (spec.md §4.6
// step 6 / §7's error-to-verdict mapping) — the model is never invoked.
func TestAnalyze_SSRFBlockedHostIsInvalid(t *testing.T) {
	h := newHarness(t)
	p := h.newPipeline(t, 0.5)

	result, err := p.Analyze("http://127.0.0.1/admin")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.Verdict != Suspicious {
		t.Fatalf("expected SUSPICIOUS for an SSRF-blocked target, got %s", result.Verdict)
	}
	if result.Explanation.AnalysisComplete {
		t.Fatal("expected analysis_complete=false for an SSRF-blocked target")
	}
}

// Property 1: trust supremacy holds across the full probability range.
func TestAnalyze_TrustSupremacyAcrossProbabilityRange(t *testing.T) {
	h := newHarness(t)
	for _, p := range []float64{0.0, 0.1, 0.5, 0.55, 0.85, 0.99, 1.0} {
		pl := h.newPipeline(t, p)
		result, err := pl.Analyze("https://accounts.google.com/")
		if err != nil {
			t.Fatalf("p=%v: Analyze: %v", p, err)
		}
		if result.Verdict != Safe || !result.MLBypassed {
			t.Fatalf("p=%v: expected SAFE+ml_bypassed, got verdict=%s ml_bypassed=%v", p, result.Verdict, result.MLBypassed)
		}
	}
}

// Property 6: cache coherence — repeated analysis within the TTL returns
// the identical cached result without re-invoking the model.
func TestAnalyze_CacheCoherence(t *testing.T) {
	h := newHarness(t)
	p := h.newPipeline(t, 0.2)

	first, err := p.Analyze("https://example.com/cacheable")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	second, err := p.Analyze("https://example.com/cacheable")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if first.AnalyzedAt != second.AnalyzedAt {
		t.Fatalf("expected a cache hit to return the identical result, got different AnalyzedAt: %v vs %v", first.AnalyzedAt, second.AnalyzedAt)
	}
}

// spec.md §4.6 step 1: a frozen system refuses every scan with
// SystemFrozen, surfaced as a typed error.
func TestAnalyze_FrozenSystemRefusesRequests(t *testing.T) {
	h := newHarness(t)
	p := h.newPipeline(t, 0.2)

	if err := h.gov.TriggerFreeze("manual test freeze", "INC-TEST", "governance"); err != nil {
		t.Fatalf("TriggerFreeze: %v", err)
	}

	_, err := p.Analyze("https://example.com/")
	if err == nil {
		t.Fatal("expected SystemFrozen error while frozen")
	}
	var frozen *pherrors.SystemFrozenError
	if !errors.As(err, &frozen) {
		t.Fatalf("expected *pherrors.SystemFrozenError, got %T: %v", err, err)
	}
}

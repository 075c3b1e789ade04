// Package pipeline implements the Decision Pipeline (C6, spec.md §4.6):
// the single entry point that strictly orders the trust gate, blocklist
// check, feature extraction, model inference, threshold mapping, and
// drift-aware confidence penalty into one verdict, consulting the
// Governance Controller both at ingress (freeze gate) and after a
// decision (invariant report). The Pipeline itself is stateless — every
// call is independent; all shared state lives in the components it
// orchestrates (spec.md §4.6 "State machine of the Pipeline").
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/phishguard/phishguard/internal/analysiscache"
	"github.com/phishguard/phishguard/internal/audit"
	"github.com/phishguard/phishguard/internal/blocklist"
	"github.com/phishguard/phishguard/internal/features"
	"github.com/phishguard/phishguard/internal/invariant"
	"github.com/phishguard/phishguard/internal/model"
	"github.com/phishguard/phishguard/internal/pherrors"
	"github.com/phishguard/phishguard/internal/telemetry"
	"github.com/phishguard/phishguard/internal/trustgate"
)

// reclassificationFlag is the minimal interface the Pipeline needs from
// internal/settingsstore.Store, so this package does not take on a
// Supabase dependency of its own.
type reclassificationFlag interface {
	AllowTrustedDomainReclassification(ctx context.Context) bool
}

// Verdict is the tri-state classification outcome (spec.md §3: "No
// boolean alias may exist").
type Verdict string

const (
	Safe       Verdict = "SAFE"
	Suspicious Verdict = "SUSPICIOUS"
	Phishing   Verdict = "PHISHING"
)

// TrustInfo carries the Trusted-Domain Gate's match detail when a
// result was produced by the allowlist short-circuit.
type TrustInfo struct {
	RegisteredDomain string `json:"registered_domain"`
	Matched          string `json:"matched"`
	Reason           string `json:"reason"`
}

// Explanation is the canonical, size-capped explanation shape (spec.md
// §3). Invariant enforced by the Pipeline: if IsTrustedDomain or
// AllowlistOverride, Risk must be empty and Verdict must be SAFE.
type Explanation struct {
	Summary           string   `json:"summary"`
	Positive          []string `json:"positive"`
	Risk              []string `json:"risk"`
	Inconclusive      []string `json:"inconclusive"`
	AnalysisComplete  bool     `json:"analysis_complete"`
	AllowlistOverride bool     `json:"allowlist_override"`
	BlocklistMatch    bool     `json:"blocklist_match,omitempty"`
}

// AnalysisResult is the Pipeline's immutable-after-return output
// (spec.md §3).
type AnalysisResult struct {
	URL                  string                  `json:"url"`
	Verdict              Verdict                 `json:"verdict"`
	RiskScore            float64                 `json:"risk_score"`
	CalibratedProbability float64                `json:"calibrated_probability"`
	IsTrustedDomain      bool                    `json:"is_trusted_domain"`
	TrustInfo            *TrustInfo              `json:"trust_info,omitempty"`
	Features             *features.Vector        `json:"features,omitempty"`
	FailureFlags         *features.FailureFlags  `json:"failure_flags,omitempty"`
	Explanation          Explanation             `json:"explanation"`
	Warnings             []string                `json:"warnings,omitempty"`
	MLBypassed           bool                    `json:"ml_bypassed"`
	AnalyzedAt           time.Time               `json:"analyzed_at"`
}

const maxExplanationEntries = 5

// Config bundles the constants step 8/9 consult, sourced from
// internal/config.PhishguardConfig at wiring time.
type Config struct {
	PhishingThreshold   float64
	SuspiciousThreshold float64
	HTTPFailurePenalty  float64
	WHOISFailurePenalty float64
	DNSFailurePenalty   float64
	FeatureProbeTimeout time.Duration
}

// Pipeline is C6. Holds references to every collaborator it orchestrates;
// it owns no mutable state of its own.
type Pipeline struct {
	cfg Config

	cache      *analysiscache.Cache
	trust      *trustgate.Gate
	blocklist  *blocklist.Cache
	model      model.Model
	invariant  *invariant.Reporter
	xaiAudit   *audit.AsyncWriter
	telemetry  *telemetry.Aggregator
	settings   reclassificationFlag

	extractOpts []features.Option
}

// New constructs a Pipeline wiring every collaborator C6 depends on.
func New(cfg Config, cache *analysiscache.Cache, trust *trustgate.Gate, bl *blocklist.Cache, m model.Model, inv *invariant.Reporter, xaiAudit *audit.AsyncWriter, tel *telemetry.Aggregator, extractOpts ...features.Option) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		cache:       cache,
		trust:       trust,
		blocklist:   bl,
		model:       m,
		invariant:   inv,
		xaiAudit:    xaiAudit,
		telemetry:   tel,
		extractOpts: extractOpts,
	}
}

// WithSettings wires the settingsstore-backed reclassification flag
// (spec.md §6's `ALLOW_TRUSTED_DOMAIN_RECLASSIFICATION`) into step 4: when
// set and returning true, a trusted domain is no longer short-circuited
// and instead runs the full pipeline, relying on step 11's defence-in-depth
// invariant report to catch a contradiction. Optional — a Pipeline built
// without it always takes the trust short-circuit.
func (p *Pipeline) WithSettings(s reclassificationFlag) *Pipeline {
	p.settings = s
	return p
}

// Analyze is the central method (spec.md §4.6): strictly ordered gates,
// each able to short-circuit the rest.
func (p *Pipeline) Analyze(rawURL string) (AnalysisResult, error) {
	// Step 1: freeze gate.
	if err := p.invariant.AssertSystemOperational(); err != nil {
		return AnalysisResult{}, err
	}

	// Step 2: input validation.
	url := strings.TrimSpace(rawURL)
	if len(url) < 4 || len(url) > 2000 || strings.ContainsAny(url, " \t\n\r") {
		return AnalysisResult{}, &pherrors.InvalidURLError{URL: rawURL, Reason: "length out of [4,2000] or contains whitespace"}
	}

	// Step 3: cache lookup.
	if cached, ok := p.cache.Get(url); ok {
		if result, ok := cached.(AnalysisResult); ok {
			return result, nil
		}
	}

	result := p.analyzeUncached(url)
	p.record(result)
	return result, nil
}

func (p *Pipeline) analyzeUncached(url string) AnalysisResult {
	now := time.Now().UTC()

	// Step 4: trusted-domain gate (C2). The model must not be invoked,
	// unless the test-only reclassification flag is set, in which case
	// the short-circuit is skipped and the trust verdict is carried
	// forward to step 11 for the defence-in-depth invariant report.
	trust := p.trust.Check(url)
	if trust.IsTrusted && !p.reclassificationAllowed() {
		result := AnalysisResult{
			URL:             url,
			Verdict:         Safe,
			RiskScore:       15.0,
			IsTrustedDomain: true,
			TrustInfo:       &TrustInfo{RegisteredDomain: trust.RegisteredDomain, Matched: trust.Matched, Reason: trust.Reason},
			MLBypassed:      true,
			AnalyzedAt:      now,
			Explanation: Explanation{
				Summary:           fmt.Sprintf("%s is on the trusted-domain allowlist.", trust.RegisteredDomain),
				Risk:              nil,
				AnalysisComplete:  true,
				AllowlistOverride: true,
			},
		}
		p.reportInvariant(result)
		p.cache.Put(url, result)
		return result
	}

	// Step 5: blocklist (C3).
	if bl := p.blocklist.Check(url); bl.IsBlocked {
		risk := 85.0
		if bl.Confidence > 0.9 {
			risk = 95.0
		}
		result := AnalysisResult{
			URL:        url,
			Verdict:    Phishing,
			RiskScore:  risk,
			MLBypassed: true,
			AnalyzedAt: now,
			Explanation: Explanation{
				Summary:          fmt.Sprintf("URL matched blocklist source %q.", bl.Source),
				Risk:             []string{fmt.Sprintf("listed by %s", bl.Source)},
				AnalysisComplete: true,
				BlocklistMatch:   true,
			},
		}
		p.cache.Put(url, result)
		return result
	}

	// Step 6: feature extraction (C4).
	extractor, err := features.Extract(url, p.extractOpts...)
	if err != nil {
		result := AnalysisResult{
			URL:        url,
			Verdict:    Suspicious,
			RiskScore:  50,
			AnalyzedAt: now,
			Explanation: Explanation{
				Summary:          fmt.Sprintf("URL could not be analyzed: %v", err),
				Inconclusive:     []string{err.Error()},
				AnalysisComplete: false,
			},
		}
		// Not cached at full TTL (spec.md §4.6 step 6) — an incomplete
		// analysis should be re-attempted soon, not frozen in for an hour.
		return result
	}

	// Step 7: model inference (C5).
	vector := extractor.FeatureVector33()
	pPhishing, _ := p.model.PredictProba(vector)

	// Step 8: threshold mapping.
	verdict := p.mapThreshold(pPhishing)
	riskScore := pPhishing * 100

	// Step 9: drift-aware penalty.
	failure := extractor.FailureFlags()
	penalty := 0.0
	if failure.HTTPFailed {
		penalty += p.cfg.HTTPFailurePenalty
	}
	if failure.WHOISFailed {
		penalty += p.cfg.WHOISFailurePenalty
	}
	if failure.DNSFailed {
		penalty += p.cfg.DNSFailurePenalty
	}
	var warnings []string
	restrictToSuspicious := false
	if adj, err := p.invariant.ConsultDriftPenalty(); err == nil {
		penalty += adj.Penalty
		restrictToSuspicious = adj.RestrictToSuspicious
		if adj.Warning != "" {
			warnings = append(warnings, adj.Warning)
		}
	}
	if penalty > 0 && verdict == Phishing {
		riskScore = riskScore * (1 - penalty)
		newProb := riskScore / 100
		if newProb < p.cfg.PhishingThreshold {
			verdict = Suspicious
			warnings = append(warnings, "verdict downgraded from PHISHING to SUSPICIOUS by drift-aware confidence penalty")
		}
	}
	// Calibration action-gating (spec.md §4.11): under DEGRADED or UNKNOWN
	// calibration health, PHISHING is restricted to SUSPICIOUS outright,
	// independent of whether the recomputed probability crossed the
	// threshold. The penalty can never upgrade a verdict, so this only
	// ever downgrades.
	if restrictToSuspicious && verdict == Phishing {
		verdict = Suspicious
		warnings = append(warnings, "verdict restricted from PHISHING to SUSPICIOUS: calibration health is not HEALTHY")
	}

	// Step 10: explanation build.
	explanation := buildExplanation(extractor.Explanations(), failure, verdict)

	result := AnalysisResult{
		URL:                   url,
		Verdict:               verdict,
		RiskScore:             riskScore,
		CalibratedProbability: pPhishing,
		Features:              ptrVector(extractor.Features()),
		FailureFlags:          ptrFlags(failure),
		Explanation:           explanation,
		Warnings:              warnings,
		AnalyzedAt:            now,
	}

	// Step 11: invariant report (defence in depth). trust.IsTrusted can
	// only be true here when the reclassification flag let step 4's
	// short-circuit be skipped; any verdict other than SAFE on a domain
	// the gate had already marked trusted is the contradiction the
	// invariant reporter exists to catch.
	if trust.IsTrusted {
		_ = p.invariant.ReportTrustedDomainVerdict(trust.RegisteredDomain, string(result.Verdict))
	}

	// Step 12: cache insert, after the result is fully formed.
	p.cache.Put(url, result)
	return result
}

func (p *Pipeline) mapThreshold(pPhishing float64) Verdict {
	switch {
	case pPhishing >= p.cfg.PhishingThreshold:
		return Phishing
	case pPhishing >= p.cfg.SuspiciousThreshold:
		return Suspicious
	default:
		return Safe
	}
}

func (p *Pipeline) reportInvariant(result AnalysisResult) {
	if result.TrustInfo == nil {
		return
	}
	_ = p.invariant.ReportTrustedDomainVerdict(result.TrustInfo.RegisteredDomain, string(result.Verdict))
}

// reclassificationAllowed consults the optional settingsstore-backed
// ALLOW_TRUSTED_DOMAIN_RECLASSIFICATION flag (spec.md §6); defaults to
// false (fail closed) when no store was wired.
func (p *Pipeline) reclassificationAllowed() bool {
	if p.settings == nil {
		return false
	}
	return p.settings.AllowTrustedDomainReclassification(context.Background())
}

func (p *Pipeline) record(result AnalysisResult) {
	if p.telemetry != nil {
		p.telemetry.Record(telemetry.Event{
			Verdict:             string(result.Verdict),
			DriftStatus:         driftStatusOf(result),
			AnalysisComplete:    result.Explanation.AnalysisComplete,
			AllowlistOverridden: result.Explanation.AllowlistOverride,
			SignalTypes:         topSignalTypes(result.Explanation, 3),
		})
	}
	if p.xaiAudit != nil {
		p.xaiAudit.Enqueue(audit.XAIRecord{
			Timestamp:   result.AnalyzedAt,
			URL:         result.URL,
			Verdict:     string(result.Verdict),
			RiskScore:   result.RiskScore,
			TopFeatures: topSignalTypes(result.Explanation, 3),
		})
	}
}

func driftStatusOf(result AnalysisResult) string {
	if len(result.Warnings) > 0 {
		return "adjusted"
	}
	return "nominal"
}

func topSignalTypes(e Explanation, n int) []string {
	var out []string
	for _, s := range e.Risk {
		if len(out) >= n {
			return out
		}
		out = append(out, s)
	}
	for _, s := range e.Positive {
		if len(out) >= n {
			return out
		}
		out = append(out, s)
	}
	return out
}

func buildExplanation(e features.Explanation, failure features.FailureFlags, verdict Verdict) Explanation {
	out := Explanation{
		AnalysisComplete: !failure.AnyFailed(),
	}
	for i, s := range e.PhishingSignals {
		if i >= maxExplanationEntries {
			break
		}
		out.Risk = append(out.Risk, s.Description)
	}
	for i, s := range e.SafeSignals {
		if i >= maxExplanationEntries {
			break
		}
		out.Positive = append(out.Positive, s.Description)
	}
	for _, s := range e.FailedFeatures {
		out.Inconclusive = append(out.Inconclusive, s.Description)
	}
	out.Summary = summaryFor(verdict, len(out.Risk))
	return out
}

func summaryFor(verdict Verdict, riskCount int) string {
	switch verdict {
	case Phishing:
		return fmt.Sprintf("Classified PHISHING based on %d risk signal(s).", riskCount)
	case Suspicious:
		return "Classified SUSPICIOUS; some signals warrant caution."
	default:
		return "Classified SAFE; no significant risk signals detected."
	}
}

func ptrVector(v features.Vector) *features.Vector            { return &v }
func ptrFlags(f features.FailureFlags) *features.FailureFlags { return &f }

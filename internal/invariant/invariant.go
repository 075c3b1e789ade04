// Package invariant is the thin bridge between the Decision Pipeline
// (C6) and the Governance Controller (C7), per spec.md §4.12: the
// pipeline never talks to governance directly, it talks to this
// package's named operations, so that every governance-consulting
// pipeline step reads as a single vocabulary (report a verdict, consume
// an override, assert an action is calibration-allowed, assert the
// system is operational, consult the drift penalty) rather than reaching into the Controller's
// much larger surface.
package invariant

import "github.com/phishguard/phishguard/internal/governance"

// Reporter is C12. It wraps a *governance.Controller and exposes only
// the four checks named in spec.md §4.12 plus ConsultDriftPenalty for
// step 9.
type Reporter struct {
	governance *governance.Controller
}

// New constructs a Reporter around an already-configured Controller.
func New(g *governance.Controller) *Reporter {
	return &Reporter{governance: g}
}

// ReportTrustedDomainVerdict enforces the TrustSupremacy invariant: a
// SUSPICIOUS or PHISHING verdict against a domain the Trusted-Domain
// Gate (C2) passed is a contradiction the system cannot silently serve.
// Delegates to the Controller, which freezes and audits before
// returning an InvariantViolationError.
func (r *Reporter) ReportTrustedDomainVerdict(domain, verdict string) error {
	return r.governance.ReportTrustedDomainVerdict(domain, verdict)
}

// ConsumeOverride charges one unit of the allowlist-modification safety
// budget on behalf of actor, freezing the system if the hourly override
// ceiling is exceeded (spec.md §4.8/§4.9).
func (r *Reporter) ConsumeOverride(actor, reason, domain string) error {
	return r.governance.ConsumeAllowlistModificationBudget(actor, reason, domain)
}

// AssertCalibrationAllows returns a CalibrationViolationError if action
// is on the critical-action list and the Calibration Monitor's latest
// status is not HEALTHY (spec.md §4.11).
func (r *Reporter) AssertCalibrationAllows(action string) error {
	return r.governance.AssertCalibrationAllows(action)
}

// AssertSystemOperational is the pipeline's freeze gate (spec.md §4.6
// step 1): returns a SystemFrozenError if the system is currently
// frozen.
func (r *Reporter) AssertSystemOperational() error {
	return r.governance.AssertOperational()
}

// ConsultDriftPenalty returns the calibration-derived policy adjustment
// the pipeline's step 9 adds to its accumulated per-failure penalty
// (spec.md §4.11, §4.6 step 9).
func (r *Reporter) ConsultDriftPenalty() (governance.PolicyAdjustment, error) {
	return r.governance.ConsultPolicyAdjustment()
}

// Package governance implements the Governance Controller (spec.md §4.7–
// §4.11): the freeze protocol, safety budgets, override authority, canary
// promotion, and calibration coupling that together keep the decision
// pipeline's non-negotiable safety invariants enforced across requests.
//
// Invariants (named from original_source/Backend/src/governance's
// docstrings; the freeze reason recorded for a PHISHING verdict on a
// trusted domain names TrustSupremacy, while budget-exhaustion freezes
// name the exhausted budget):
//
//	TrustSupremacy     — a trusted domain is never classified PHISHING.
//	PolicyOverML       — the model never overrides a policy gate.
//	MissingDataNeutral — a failed feature extraction never increases risk.
//	DriftReducesOnly   — calibration drift only ever reduces confidence,
//	                     never raises it.
//	FailFastOnRegress  — a manifest/snapshot mismatch or an uncalibrated
//	                     model blocks startup rather than degrading silently.
package governance

import "time"

// OverrideType is the kind of governance override that can be granted.
type OverrideType string

const (
	OverridePermanent OverrideType = "PERMANENT"
	OverrideEmergency OverrideType = "EMERGENCY"
	OverrideTesting   OverrideType = "TESTING"
)

// Authority is who is allowed to request a given OverrideType.
type Authority string

const (
	AuthoritySecurityTeam Authority = "SECURITY_TEAM"
	AuthorityOnCall       Authority = "ON_CALL"
	AuthorityCISystem     Authority = "CI_SYSTEM"
)

// Override is a time-boxed (or permanent) exception granted against the
// governance invariants, e.g. to allow a known-safe domain through while
// its allowlist manifest entry is pending review.
type Override struct {
	ID              string       `json:"id"`
	Type            OverrideType `json:"type"`
	Authority       Authority    `json:"authority"`
	CreatedAt       time.Time    `json:"created_at"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
	AffectedDomains []string     `json:"affected_domains"`
	Reason          string       `json:"reason"`
	ApprovedBy      string       `json:"approved_by"`
	ReviewTicket    string       `json:"review_ticket,omitempty"`
	IsActive        bool         `json:"is_active"`
}

// expired reports whether the override's window has passed. Permanent
// overrides (ExpiresAt == nil) never expire.
func (o Override) expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// CanarySignal tracks a probationary allowlist candidate's continuous
// evaluation history.
type CanarySignal struct {
	Domain             string    `json:"domain"`
	TestRuns           int       `json:"test_runs"`
	Passes             int       `json:"passes"`
	Failures           int       `json:"failures"`
	SampleSize         int       `json:"sample_size"`
	ConsecutivePasses  int       `json:"consecutive_passes"`
	LastRun            time.Time `json:"last_run"`
	LastVerdict        string    `json:"last_verdict"`
}

func (c CanarySignal) passRate() float64 {
	if c.TestRuns == 0 {
		return 0
	}
	return float64(c.Passes) / float64(c.TestRuns)
}

// SafetyBudgetState holds the monotonic counters that, once exceeded,
// trigger a freeze. It persists across restarts; only an explicit
// administrative reset zeroes it.
type SafetyBudgetState struct {
	WindowStart            time.Time `json:"window_start"`
	OverrideCountHourly     int       `json:"override_count_hourly"`
	SuspiciousTrustedCount  int       `json:"suspicious_trusted_count"`
	PhishingTrustedCount    int       `json:"phishing_trusted_count"`
	CanaryFailures          int       `json:"canary_failures"`
	IsFrozen                bool      `json:"is_frozen"`
	FreezeReason            string    `json:"freeze_reason,omitempty"`
}

// FreezeState is persisted separately in spirit from the budget (both
// live in the combined governance_state.json — see state.go — but are
// modelled as distinct structs per spec.md §3).
type FreezeState struct {
	IsFrozen            bool       `json:"is_frozen"`
	FrozenAt            *time.Time `json:"frozen_at,omitempty"`
	FrozenBy            string     `json:"frozen_by,omitempty"`
	FreezeReason        string     `json:"freeze_reason,omitempty"`
	IncidentID          string     `json:"incident_id,omitempty"`
	ResumedAt           *time.Time `json:"resumed_at,omitempty"`
	ResumedBy           string     `json:"resumed_by,omitempty"`
	ResumeIncidentID    string     `json:"resume_incident_id,omitempty"`
	ResumeJustification string     `json:"resume_justification,omitempty"`
}

// TrustLevel is a DomainTrustRecord's probationary state.
type TrustLevel string

const (
	TrustFull      TrustLevel = "full"
	TrustProbation TrustLevel = "probation"
)

// DomainTrustRecord tracks when a trust decision was made and when it
// must next be revalidated. The Governance Controller exclusively owns
// these records (spec.md §3 ownership summary), even though it is the
// Trust Gate (C2) that consults the allowlist itself.
type DomainTrustRecord struct {
	Domain                 string     `json:"domain"`
	AddedDate               time.Time  `json:"added_date"`
	LastReviewedDate        time.Time  `json:"last_reviewed_date"`
	ReviewedBy               string     `json:"reviewed_by"`
	TrustLevel               TrustLevel `json:"trust_level"`
	RevalidationRequiredBy  time.Time  `json:"revalidation_required_by"`
}

// CalibrationStatus is the three-state health the Calibration Monitor
// reports (spec.md §4.11).
type CalibrationStatus string

const (
	CalibrationHealthy  CalibrationStatus = "HEALTHY"
	CalibrationDegraded CalibrationStatus = "DEGRADED"
	CalibrationUnknown  CalibrationStatus = "UNKNOWN"
)

// Eligibility is the result of CheckPromotionEligibility.
type Eligibility struct {
	Domain            string   `json:"domain"`
	Eligible          bool     `json:"eligible"`
	Reasons           []string `json:"reasons,omitempty"`
	RequiresApproval  bool     `json:"requires_approval"`
	RequiredMetadata  []string `json:"required_metadata,omitempty"`
}

// SafetyStatus is the read-only snapshot served at
// GET /api/governance/status.
type SafetyStatus struct {
	Freeze FreezeState       `json:"freeze"`
	Budget SafetyBudgetState `json:"budget"`
}

package governance

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phishguard/phishguard/internal/audit"
	"github.com/phishguard/phishguard/internal/pherrors"
	"github.com/phishguard/phishguard/internal/telemetry"
)

// CalibrationSource is the minimal view of the Calibration Monitor (C11)
// the Controller needs for policy adjustment and action gating (§4.11).
// Defined here rather than imported from internal/calibration to keep the
// dependency direction calibration → governance, not the reverse.
type CalibrationSource interface {
	Status() (CalibrationStatus, error)
}

// Budgets holds the configured limits the Controller enforces. Populated
// from internal/config.PhishguardConfig at construction.
type Budgets struct {
	MaxOverridesPerHour int
	MaxOverridesPerDay  int
	MaxCanaryFailures   int

	CanaryMinTestRuns        int
	CanaryMinSampleSize      int
	CanaryMinConsecutivePass int
	CanaryRequiredPassRate   float64

	TrustRevalidationWindow time.Duration
}

// Controller is the Governance Controller (C7). It owns FreezeState,
// SafetyBudgetState, Overrides, CanarySignals, and DomainTrustRecords,
// all persisted under a single governance state directory (spec.md §3
// ownership summary).
type Controller struct {
	statePath           string
	trustTimestampsPath string

	lockTimeout       time.Duration
	retryCeiling      int
	sharedReadTimeout time.Duration
	cacheTTL          time.Duration

	cacheMu  sync.RWMutex
	cached   *stateDoc
	cachedAt time.Time

	budgets     Budgets
	auditor     *audit.SyncWriter
	calibration CalibrationSource
	env         audit.Environment
	metrics     *telemetry.Metrics

	newID func() string
}

// Option configures a Controller at construction.
type Option func(*Controller)

// WithCalibrationSource wires the Calibration Monitor consulted by policy
// adjustment and action gating.
func WithCalibrationSource(c CalibrationSource) Option {
	return func(ctl *Controller) { ctl.calibration = c }
}

// WithIDGenerator overrides the override/incident ID generator (tests use
// this for determinism); production wires github.com/google/uuid.
func WithIDGenerator(f func() string) Option {
	return func(ctl *Controller) { ctl.newID = f }
}

// WithMetrics wires the Prometheus instruments the Controller increments
// on freeze transitions, granted overrides, and invariant violations.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(ctl *Controller) { ctl.metrics = m }
}

// NewController constructs a Controller. statePath is the combined
// governance_state.json; trustTimestampsPath is the separate
// domain_trust_timestamps.json (spec.md §6 lists both as distinct files).
func NewController(statePath, trustTimestampsPath string, lockTimeoutSec, retryCeiling, sharedReadTimeoutSec, cacheTTLSec int, budgets Budgets, auditor *audit.SyncWriter, env audit.Environment, opts ...Option) *Controller {
	ctl := &Controller{
		statePath:           statePath,
		trustTimestampsPath: trustTimestampsPath,
		lockTimeout:         time.Duration(lockTimeoutSec) * time.Second,
		retryCeiling:        retryCeiling,
		sharedReadTimeout:   time.Duration(sharedReadTimeoutSec) * time.Second,
		cacheTTL:            time.Duration(cacheTTLSec) * time.Second,
		budgets:             budgets,
		auditor:             auditor,
		env:                 env,
		newID:               defaultIDGenerator,
	}
	for _, opt := range opts {
		opt(ctl)
	}
	return ctl
}

func (c *Controller) cachedIfFresh() *stateDoc {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	if c.cached == nil || time.Since(c.cachedAt) > c.cacheTTL {
		return nil
	}
	return c.cached
}

func (c *Controller) setCache(doc *stateDoc) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cached = doc
	c.cachedAt = time.Now()
}

// IsFrozen reports the current freeze state, served from the 5s cache
// when fresh.
func (c *Controller) IsFrozen() (bool, error) {
	doc, err := c.view()
	if err != nil {
		return true, err // fail closed: an unreadable state reads as frozen
	}
	return doc.Freeze.IsFrozen, nil
}

// AssertOperational is the Pipeline's freeze gate (spec.md §4.6 step 1):
// it returns a SystemFrozenError if the system is frozen, nil otherwise.
func (c *Controller) AssertOperational() error {
	frozen, err := c.IsFrozen()
	if err != nil {
		return &pherrors.SystemFrozenError{Reason: fmt.Sprintf("governance state unreadable: %v", err)}
	}
	if frozen {
		doc, _ := c.view()
		reason := "unspecified"
		if doc != nil {
			reason = doc.Freeze.FreezeReason
		}
		return &pherrors.SystemFrozenError{Reason: reason}
	}
	return nil
}

// GetSafetyStatus returns the read-only freeze+budget snapshot served at
// GET /api/governance/status.
func (c *Controller) GetSafetyStatus() (SafetyStatus, error) {
	doc, err := c.view()
	if err != nil {
		return SafetyStatus{}, err
	}
	return SafetyStatus{Freeze: doc.Freeze, Budget: doc.Budget}, nil
}

func defaultIDGenerator() string {
	return "gov-" + uuid.NewString()
}

func (c *Controller) auditEntry(eventType, reason string, domains []string, additional map[string]string) {
	if c.auditor == nil {
		return
	}
	entry := audit.Entry{
		Timestamp:         time.Now().UTC(),
		Environment:       c.env,
		EventType:         eventType,
		AffectedDomains:   domains,
		TriggeringContext: "governance",
		Reason:            reason,
		AdditionalData:    additional,
	}
	if err := c.auditor.Append(entry); err != nil {
		// Sync audit failures are raised to governance callers, never
		// swallowed (spec.md §7) — but auditEntry is used from paths
		// that have already committed state; logging is the remaining
		// option. Callers that must fail on audit failure call
		// c.auditor.Append directly instead (see RequestOverride).
		slog.Warn("governance: audit append failed", "error", err, "event_type", eventType)
	}
}

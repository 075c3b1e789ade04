package governance

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/phishguard/phishguard/internal/audit"
	"github.com/phishguard/phishguard/internal/pherrors"
)

// maxDuration for each OverrideType per the authority matrix (spec.md
// §4.8). A zero duration means "never expires".
var maxDuration = map[OverrideType]time.Duration{
	OverridePermanent: 0,
	OverrideEmergency: 24 * time.Hour,
	OverrideTesting:   1 * time.Hour,
}

// allowedAuthorities per OverrideType.
var allowedAuthorities = map[OverrideType]map[Authority]bool{
	OverridePermanent: {AuthoritySecurityTeam: true},
	OverrideEmergency: {AuthoritySecurityTeam: true, AuthorityOnCall: true},
	OverrideTesting:   {AuthorityCISystem: true},
}

// RequestOverride grants a new Override per the authority matrix in
// spec.md §4.8. Each granted override atomically: appends to the
// override list, increments the hourly override counter, persists
// state, and emits an audit entry. If the hourly counter exceeds the
// configured limit after the increment, a freeze is triggered.
func (c *Controller) RequestOverride(typ OverrideType, auth Authority, affectedDomains []string, reason, approvedBy, reviewTicket string, duration time.Duration) (Override, error) {
	if frozen, err := c.IsFrozen(); err != nil {
		return Override{}, err
	} else if frozen {
		return Override{}, &pherrors.SystemFrozenError{Reason: "governance is frozen"}
	}

	allowed, ok := allowedAuthorities[typ]
	if !ok || !allowed[auth] {
		return Override{}, fmt.Errorf("governance: authority %s may not request %s override", auth, typ)
	}
	if typ == OverridePermanent && reviewTicket == "" {
		return Override{}, fmt.Errorf("governance: PERMANENT override requires a non-empty review ticket")
	}

	max := maxDuration[typ]
	var expiresAt *time.Time
	if typ != OverridePermanent {
		d := duration
		if d <= 0 || d > max {
			d = max
		}
		exp := time.Now().UTC().Add(d)
		expiresAt = &exp
	}

	ov := Override{
		ID:              c.newID(),
		Type:            typ,
		Authority:       auth,
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       expiresAt,
		AffectedDomains: affectedDomains,
		Reason:          reason,
		ApprovedBy:      approvedBy,
		ReviewTicket:    reviewTicket,
		IsActive:        true,
	}

	var budgetExceeded, froze bool
	err := c.mutate(func(doc *stateDoc) (*stateDoc, error) {
		recomputeHourlyWindow(doc, time.Now().UTC())
		doc.Overrides = append(doc.Overrides, ov)
		doc.Budget.OverrideCountHourly++
		if doc.Budget.OverrideCountHourly > c.budgets.MaxOverridesPerHour {
			budgetExceeded = true
			froze = triggerFreezeLocked(doc, "Override budget exceeded", "auto-"+ov.ID, "governance")
		}
		return doc, nil
	})
	if err != nil {
		return Override{}, fmt.Errorf("governance: request override: %w", err)
	}

	if c.metrics != nil {
		c.metrics.OverrideEvents.WithLabelValues(string(typ)).Inc()
		if froze {
			c.metrics.FreezeEvents.Inc()
		}
	}

	if c.auditor != nil {
		entry := audit.Entry{
			Timestamp: time.Now().UTC(), Environment: c.env, EventType: "OVERRIDE_GRANTED",
			AffectedDomains: affectedDomains, TriggeringContext: "governance", Reason: reason,
			AdditionalData: map[string]string{"override_id": ov.ID, "type": string(typ), "authority": string(auth)},
		}
		if err := c.auditor.Append(entry); err != nil {
			return Override{}, fmt.Errorf("governance: audit override grant: %w", err)
		}
	}
	// Console visibility requirement (original_source/.../policy_audit.py):
	// every granted override additionally gets a warning log, not just the
	// audit-file append.
	slog.Warn("governance: override granted", "id", ov.ID, "type", typ, "authority", auth, "reason", reason)

	if budgetExceeded {
		return ov, &pherrors.BudgetExhaustedError{Budget: "override_count_hourly", Limit: c.budgets.MaxOverridesPerHour}
	}
	return ov, nil
}

func recomputeHourlyWindow(doc *stateDoc, now time.Time) {
	if doc.Budget.WindowStart.IsZero() {
		doc.Budget.WindowStart = now
		return
	}
	if now.Sub(doc.Budget.WindowStart) > time.Hour {
		doc.Budget.WindowStart = now
		doc.Budget.OverrideCountHourly = 0
	}
}

// GetActiveOverrides filters expired entries and marks them inactive as
// a side effect (lazy GC). Idempotent: calling it twice yields the same
// active set (spec.md §8 round-trip law).
func (c *Controller) GetActiveOverrides() ([]Override, error) {
	var active []Override
	err := c.mutate(func(doc *stateDoc) (*stateDoc, error) {
		now := time.Now().UTC()
		active = active[:0]
		for i := range doc.Overrides {
			if doc.Overrides[i].IsActive && doc.Overrides[i].expired(now) {
				doc.Overrides[i].IsActive = false
			}
			if doc.Overrides[i].IsActive {
				active = append(active, doc.Overrides[i])
			}
		}
		return doc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("governance: get active overrides: %w", err)
	}
	return active, nil
}

// RevokeOverride flips an override's is_active flag to false.
func (c *Controller) RevokeOverride(id, by, reason string) error {
	var found bool
	err := c.mutate(func(doc *stateDoc) (*stateDoc, error) {
		for i := range doc.Overrides {
			if doc.Overrides[i].ID == id {
				doc.Overrides[i].IsActive = false
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("governance: override %s not found", id)
		}
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("governance: revoke override: %w", err)
	}
	c.auditEntry("OVERRIDE_REVOKED", reason, nil, map[string]string{
		"override_id": id,
		"revoked_by":  by,
	})
	return nil
}

// ConsumeAllowlistModificationBudget is called by the Trust Gate (C2) on
// every add/remove mutation: each one consumes one override-budget unit
// and triggers the same hourly-exhaustion freeze RequestOverride does.
func (c *Controller) ConsumeAllowlistModificationBudget(actor, reason, domain string) error {
	if frozen, err := c.IsFrozen(); err != nil {
		return err
	} else if frozen {
		return &pherrors.SystemFrozenError{Reason: "governance is frozen"}
	}

	var budgetExceeded, froze bool
	err := c.mutate(func(doc *stateDoc) (*stateDoc, error) {
		recomputeHourlyWindow(doc, time.Now().UTC())
		doc.Budget.OverrideCountHourly++
		if doc.Budget.OverrideCountHourly > c.budgets.MaxOverridesPerHour {
			budgetExceeded = true
			froze = triggerFreezeLocked(doc, "Override budget exceeded", "auto-allowlist-"+domain, "governance")
		}
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("governance: consume allowlist modification budget: %w", err)
	}
	if froze && c.metrics != nil {
		c.metrics.FreezeEvents.Inc()
	}
	c.auditEntry("ALLOWLIST_MODIFICATION", reason, []string{domain}, map[string]string{"actor": actor})
	if budgetExceeded {
		return &pherrors.BudgetExhaustedError{Budget: "override_count_hourly", Limit: c.budgets.MaxOverridesPerHour}
	}
	return nil
}

// ResetBudget is the only path that may zero the safety budget counters.
// Persistence is otherwise monotonic across restarts (spec.md §4.9).
func (c *Controller) ResetBudget(by, justification, incidentID string) error {
	if len(justification) < 20 {
		return fmt.Errorf("governance: reset justification must be at least 20 characters, got %d", len(justification))
	}
	err := c.mutate(func(doc *stateDoc) (*stateDoc, error) {
		doc.Budget = SafetyBudgetState{WindowStart: time.Now().UTC()}
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("governance: reset budget: %w", err)
	}
	c.auditEntry("BUDGET_RESET", justification, nil, map[string]string{
		"by":          by,
		"incident_id": incidentID,
	})
	return nil
}

package governance

import (
	"fmt"
	"time"
)

// TriggerFreeze transitions UNFROZEN → FROZEN (spec.md §4.7). It is
// idempotent: a freeze already in effect keeps its original frozen_at
// (first writer wins), matching testable property 5.
func (c *Controller) TriggerFreeze(reason, incidentID, frozenBy string) error {
	now := time.Now().UTC()
	var triggered bool
	err := c.mutate(func(doc *stateDoc) (*stateDoc, error) {
		if doc.Freeze.IsFrozen {
			return doc, nil // idempotent: first writer wins
		}
		triggered = true
		doc.Freeze = FreezeState{
			IsFrozen:     true,
			FrozenAt:     &now,
			FrozenBy:     frozenBy,
			FreezeReason: reason,
			IncidentID:   incidentID,
		}
		doc.Budget.IsFrozen = true
		doc.Budget.FreezeReason = reason
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("governance: trigger freeze: %w", err)
	}
	if triggered && c.metrics != nil {
		c.metrics.FreezeEvents.Inc()
	}
	c.auditEntry("FREEZE_TRIGGERED", reason, nil, map[string]string{
		"incident_id": incidentID,
		"frozen_by":   frozenBy,
	})
	return nil
}

// ResumeFromFreeze transitions FROZEN → UNFROZEN (spec.md §4.7).
// Preconditions: the system is actually frozen; incidentID is non-empty;
// justification is at least 20 characters. Any failure leaves the state
// unchanged.
func (c *Controller) ResumeFromFreeze(resumedBy, incidentID, justification string) error {
	if incidentID == "" {
		return fmt.Errorf("governance: resume requires a non-empty incident id")
	}
	if len(justification) < 20 {
		return fmt.Errorf("governance: resume justification must be at least 20 characters, got %d", len(justification))
	}

	now := time.Now().UTC()
	err := c.mutate(func(doc *stateDoc) (*stateDoc, error) {
		if !doc.Freeze.IsFrozen {
			return nil, fmt.Errorf("governance: system is not frozen")
		}
		doc.Freeze.IsFrozen = false
		doc.Freeze.ResumedAt = &now
		doc.Freeze.ResumedBy = resumedBy
		doc.Freeze.ResumeIncidentID = incidentID
		doc.Freeze.ResumeJustification = justification
		doc.Budget.IsFrozen = false
		doc.Budget.FreezeReason = ""
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("governance: resume from freeze: %w", err)
	}
	c.auditEntry("FREEZE_RESUMED", justification, nil, map[string]string{
		"incident_id": incidentID,
		"resumed_by":  resumedBy,
	})
	return nil
}

// triggerFreezeLocked is used by callers that are already inside a
// mutate() closure (budget exhaustion, invariant violations) and must
// not re-enter the exclusive lock. Returns true if it actually performed
// the UNFROZEN → FROZEN transition, false if the system was already
// frozen (idempotent no-op), so callers can report freeze metrics only
// on real transitions.
func triggerFreezeLocked(doc *stateDoc, reason, incidentID, frozenBy string) bool {
	if doc.Freeze.IsFrozen {
		return false
	}
	now := time.Now().UTC()
	doc.Freeze = FreezeState{
		IsFrozen:     true,
		FrozenAt:     &now,
		FrozenBy:     frozenBy,
		FreezeReason: reason,
		IncidentID:   incidentID,
	}
	doc.Budget.IsFrozen = true
	doc.Budget.FreezeReason = reason
	return true
}

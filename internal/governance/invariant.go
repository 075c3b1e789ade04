package governance

import (
	"fmt"

	"github.com/phishguard/phishguard/internal/pherrors"
)

// ReportTrustedDomainVerdict implements the TrustSupremacy zero-tolerance
// check (spec.md §4.9's suspicious_trusted counter and §4.6 step 11): a
// trusted domain must never be classified PHISHING, and not even
// SUSPICIOUS. The Trust Gate's short-circuit (§4.6 step 4) already
// prevents this in the ordinary path; this is the defence-in-depth
// report for the case where the pipeline reaches the end of its flow
// on a domain the gate had marked trusted.
//
// verdict == PHISHING: immediate freeze (TRUSTED_DOMAIN_PHISHING),
// returns InvariantViolationError.
// verdict == SUSPICIOUS: increments the zero-tolerance suspicious_trusted
// counter, which freezes on any non-zero value; returns
// InvariantViolationError as well, since a trusted domain's own contract
// is violated the same way SUSPICIOUS or PHISHING.
// verdict == SAFE: no-op.
func (c *Controller) ReportTrustedDomainVerdict(domain, verdict string) error {
	switch verdict {
	case "PHISHING":
		var froze bool
		err := c.mutate(func(doc *stateDoc) (*stateDoc, error) {
			doc.Budget.SuspiciousTrustedCount++
			doc.Budget.PhishingTrustedCount++
			froze = triggerFreezeLocked(doc, "TrustSupremacy invariant violated: PHISHING verdict on trusted domain "+domain, "auto-invariant-"+domain, "governance")
			return doc, nil
		})
		if err != nil {
			return fmt.Errorf("governance: report trusted domain verdict: %w", err)
		}
		if c.metrics != nil {
			c.metrics.InvariantEvents.WithLabelValues(verdict).Inc()
			if froze {
				c.metrics.FreezeEvents.Inc()
			}
		}
		c.auditEntry("INVARIANT_VIOLATION", "PHISHING verdict on trusted domain", []string{domain}, map[string]string{
			"invariant": "TrustSupremacy",
			"verdict":   verdict,
		})
		return &pherrors.InvariantViolationError{Invariant: "TrustSupremacy", Detail: fmt.Sprintf("domain %s classified PHISHING despite trusted status", domain)}

	case "SUSPICIOUS":
		var froze bool
		err := c.mutate(func(doc *stateDoc) (*stateDoc, error) {
			doc.Budget.SuspiciousTrustedCount++
			froze = triggerFreezeLocked(doc, "suspicious_trusted zero-tolerance budget exceeded: SUSPICIOUS verdict on trusted domain "+domain, "auto-invariant-"+domain, "governance")
			return doc, nil
		})
		if err != nil {
			return fmt.Errorf("governance: report trusted domain verdict: %w", err)
		}
		if c.metrics != nil {
			c.metrics.InvariantEvents.WithLabelValues(verdict).Inc()
			if froze {
				c.metrics.FreezeEvents.Inc()
			}
		}
		c.auditEntry("INVARIANT_VIOLATION", "SUSPICIOUS verdict on trusted domain", []string{domain}, map[string]string{
			"invariant": "TrustSupremacy",
			"verdict":   verdict,
		})
		return &pherrors.InvariantViolationError{Invariant: "TrustSupremacy", Detail: fmt.Sprintf("domain %s classified SUSPICIOUS despite trusted status", domain)}

	default:
		return nil
	}
}

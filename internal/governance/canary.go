package governance

import (
	"fmt"
	"time"

	"github.com/phishguard/phishguard/internal/pherrors"
)

// RecordCanaryResult updates the per-domain CanarySignal (spec.md §4.10).
// A PHISHING verdict counts as a failure, resets consecutive_passes, and
// charges one canary_failures budget unit; SAFE/SUSPICIOUS count as a
// pass. Reaching the canary_failures budget triggers a freeze.
func (c *Controller) RecordCanaryResult(domain, verdict string, sampleSize int) error {
	var budgetExceeded, froze bool
	err := c.mutate(func(doc *stateDoc) (*stateDoc, error) {
		sig, ok := doc.Canaries[domain]
		if !ok {
			sig = &CanarySignal{Domain: domain}
			doc.Canaries[domain] = sig
		}
		sig.TestRuns++
		sig.SampleSize += sampleSize
		sig.LastRun = time.Now().UTC()
		sig.LastVerdict = verdict

		if verdict == "PHISHING" {
			sig.Failures++
			sig.ConsecutivePasses = 0
			doc.Budget.CanaryFailures++
			if doc.Budget.CanaryFailures >= c.budgets.MaxCanaryFailures {
				budgetExceeded = true
				froze = triggerFreezeLocked(doc, "Canary failure budget exceeded", "auto-canary-"+domain, "governance")
			}
		} else {
			sig.Passes++
			sig.ConsecutivePasses++
		}
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("governance: record canary result: %w", err)
	}
	if froze && c.metrics != nil {
		c.metrics.FreezeEvents.Inc()
	}
	if budgetExceeded {
		return &pherrors.BudgetExhaustedError{Budget: "canary_failures", Limit: c.budgets.MaxCanaryFailures}
	}
	return nil
}

// CheckPromotionEligibility evaluates whether a canary domain qualifies
// for promotion to the full trust allowlist (spec.md §4.10). All of
// test_runs, sample_size, consecutive_passes, and a perfect pass rate
// must hold.
func (c *Controller) CheckPromotionEligibility(domain string) (Eligibility, error) {
	doc, err := c.view()
	if err != nil {
		return Eligibility{}, err
	}
	sig, ok := doc.Canaries[domain]
	if !ok {
		return Eligibility{Domain: domain, Eligible: false, Reasons: []string{"no canary signal recorded"}}, nil
	}

	elig := Eligibility{
		Domain:           domain,
		RequiresApproval: true,
		RequiredMetadata: []string{"approved_by", "approval_date", "review_ticket"},
	}
	if sig.TestRuns < c.budgets.CanaryMinTestRuns {
		elig.Reasons = append(elig.Reasons, fmt.Sprintf("test_runs %d < %d", sig.TestRuns, c.budgets.CanaryMinTestRuns))
	}
	if sig.SampleSize < c.budgets.CanaryMinSampleSize {
		elig.Reasons = append(elig.Reasons, fmt.Sprintf("sample_size %d < %d", sig.SampleSize, c.budgets.CanaryMinSampleSize))
	}
	if sig.ConsecutivePasses < c.budgets.CanaryMinConsecutivePass {
		elig.Reasons = append(elig.Reasons, fmt.Sprintf("consecutive_passes %d < %d", sig.ConsecutivePasses, c.budgets.CanaryMinConsecutivePass))
	}
	if sig.passRate() < c.budgets.CanaryRequiredPassRate {
		elig.Reasons = append(elig.Reasons, fmt.Sprintf("pass_rate %.4f < %.4f", sig.passRate(), c.budgets.CanaryRequiredPassRate))
	}
	elig.Eligible = len(elig.Reasons) == 0
	return elig, nil
}

// PromoteCanary re-checks eligibility and records the promotion event.
// The actual allowlist manifest addition is the caller's responsibility
// via the Trust Gate (C2) — the Controller only blesses the promotion.
func (c *Controller) PromoteCanary(domain, approvedBy, reviewTicket string) error {
	status, err := c.consultCalibrationStatus()
	if err != nil {
		return err
	}
	if status != CalibrationHealthy {
		return &pherrors.CalibrationViolationError{Action: "canary_promotion", Status: string(status)}
	}

	elig, err := c.CheckPromotionEligibility(domain)
	if err != nil {
		return err
	}
	if !elig.Eligible {
		return fmt.Errorf("governance: domain %s not eligible for promotion: %v", domain, elig.Reasons)
	}
	if approvedBy == "" || reviewTicket == "" {
		return fmt.Errorf("governance: promotion requires approved_by and review_ticket")
	}

	c.auditEntry("CANARY_PROMOTED", "promotion approved", []string{domain}, map[string]string{
		"approved_by":   approvedBy,
		"review_ticket": reviewTicket,
	})
	return nil
}

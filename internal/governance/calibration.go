package governance

import (
	"fmt"

	"github.com/phishguard/phishguard/internal/pherrors"
)

// PolicyAdjustment is step 9's drift-aware penalty contribution from
// calibration health (spec.md §4.11). Decision on the Open Question in
// spec.md §9 ("does calibration supersede or add to the per-failure
// penalty?"): here it ADDS — the Pipeline accumulates per-failure
// weights and then adds whatever PolicyAdjustment returns, matching the
// spec's literal wording ("plus any calibration penalty from C11").
type PolicyAdjustment struct {
	Status               CalibrationStatus
	Penalty               float64
	RestrictToSuspicious  bool
	Warning               string
}

// criticalActions are the governance actions calibration
// action-gating restricts whenever status != HEALTHY (spec.md §4.11).
var criticalActions = map[string]bool{
	"canary_promotion":   true,
	"allowlist_expansion": true,
	"permanent_override":  true,
}

func (c *Controller) consultCalibrationStatus() (CalibrationStatus, error) {
	if c.calibration == nil {
		return CalibrationUnknown, nil
	}
	status, err := c.calibration.Status()
	if err != nil {
		return CalibrationUnknown, fmt.Errorf("governance: consult calibration: %w", err)
	}
	return status, nil
}

// ConsultPolicyAdjustment is consulted by the Pipeline's step 9.
func (c *Controller) ConsultPolicyAdjustment() (PolicyAdjustment, error) {
	status, err := c.consultCalibrationStatus()
	if err != nil {
		return PolicyAdjustment{}, err
	}
	switch status {
	case CalibrationHealthy:
		return PolicyAdjustment{Status: status}, nil
	case CalibrationDegraded:
		return PolicyAdjustment{Status: status, Penalty: 0.20, RestrictToSuspicious: true}, nil
	case CalibrationUnknown:
		return PolicyAdjustment{
			Status:               status,
			Penalty:              0.10,
			RestrictToSuspicious: true,
			Warning:              "calibration status unknown; confidence penalty applied",
		}, nil
	default:
		return PolicyAdjustment{Status: status}, nil
	}
}

// AssertCalibrationAllows implements calibration action gating (spec.md
// §4.11): when status != HEALTHY, {canary_promotion, allowlist_expansion,
// permanent_override} are forbidden. UNKNOWN forbids them outright;
// DEGRADED allows non-critical operations to proceed with a logged
// warning (the caller is responsible for logging; this only gates the
// critical set).
func (c *Controller) AssertCalibrationAllows(action string) error {
	status, err := c.consultCalibrationStatus()
	if err != nil {
		return err
	}
	if status == CalibrationHealthy {
		return nil
	}
	if criticalActions[action] {
		return &pherrors.CalibrationViolationError{Action: action, Status: string(status)}
	}
	return nil
}

// Package pherrors defines the typed error kinds spec.md §7 enumerates.
// They are shared across the pipeline, governance, feature, and model
// packages so the HTTP layer can map any of them to the right status code
// with a single type switch, regardless of which package raised it.
package pherrors

import "fmt"

// InvalidURLError is raised by the feature extractor's constructor (incl.
// SSRF rejection). The pipeline converts it to a SUSPICIOUS verdict rather
// than propagating it to the HTTP layer as a failure.
type InvalidURLError struct {
	URL    string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.URL, e.Reason)
}

// ModelNotCalibratedError is raised at load time when a model's metadata
// lacks is_calibrated=true or names an unrecognised calibration method.
// It is never recoverable: the process must not serve.
type ModelNotCalibratedError struct {
	ModelVersion string
	Reason       string
}

func (e *ModelNotCalibratedError) Error() string {
	return fmt.Sprintf("model %q not calibrated: %s", e.ModelVersion, e.Reason)
}

// SystemFrozenError is raised by the governance freeze gate. The HTTP
// layer maps it to 503.
type SystemFrozenError struct {
	Reason string
}

func (e *SystemFrozenError) Error() string {
	return fmt.Sprintf("system frozen: %s", e.Reason)
}

// BudgetExhaustedError is raised when a safety budget counter is consumed
// past its limit. It always triggers a freeze as a side effect.
type BudgetExhaustedError struct {
	Budget string
	Limit  int
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("safety budget %q exhausted (limit %d)", e.Budget, e.Limit)
}

// InvariantViolationError is raised by the invariant reporter when a
// state the spec guarantees can never occur is observed (trusted domain
// classified PHISHING). It always triggers a freeze.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violated (%s): %s", e.Invariant, e.Detail)
}

// CalibrationViolationError is raised when a governance action is
// attempted while calibration health forbids it.
type CalibrationViolationError struct {
	Action string
	Status string
}

func (e *CalibrationViolationError) Error() string {
	return fmt.Sprintf("action %q forbidden under calibration status %s", e.Action, e.Status)
}

// LockTimeoutError is raised when an exclusive or shared file lock cannot
// be acquired within its configured timeout. The caller always aborts the
// write; it never proceeds on a guess.
type LockTimeoutError struct {
	Path string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock timeout acquiring %s", e.Path)
}

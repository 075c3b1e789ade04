// Package calibration implements the Calibration Monitor (C11, spec.md
// §4.11): an offline-computed, lazily-read health snapshot over the
// model's recent predictions. It computes a Brier score, a mean
// calibration error over equal-width reliability bins, and flags
// probability collapse (near-zero variance) and overconfidence drift
// (predictions clustering at the extremes) — then maps those into the
// three-state HEALTHY/DEGRADED/UNKNOWN status the Governance Controller
// consults for both the pipeline's drift-aware penalty and its action
// gating.
//
// The monitor never computes reliability metrics at request time: the
// metric computation pipeline is an external collaborator (spec.md §1
// Non-goals) that writes calibration_metrics.json; this package only
// reads that snapshot (caching it in memory) and exposes Compute and
// Save for offline tooling that wants to produce one locally.
package calibration

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/phishguard/phishguard/internal/governance"
)

// Thresholds holds the Brier-score and calibration-error cutoffs spec.md
// §4.11 names: Brier <= healthy is HEALTHY, <= degraded is DEGRADED,
// otherwise DEGRADED (there is no third "bad" tier — unhealthy still
// reads as DEGRADED, never auto-escalated to UNKNOWN, since UNKNOWN
// means "no snapshot available", not "snapshot looks bad").
type Thresholds struct {
	BrierHealthyMax    float64
	BrierDegradedMax   float64
	CalErrorHealthyMax float64
	CalErrorDegradedMax float64
	ReliabilityBins    int
}

// DefaultThresholds matches spec.md §4.11's literal cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BrierHealthyMax:     0.25,
		BrierDegradedMax:    0.35,
		CalErrorHealthyMax:  0.10,
		CalErrorDegradedMax: 0.20,
		ReliabilityBins:     10,
	}
}

// ReliabilityCurve is the observed-vs-expected curve over equal-width
// probability bins, persisted for operator/debug visibility.
type ReliabilityCurve struct {
	Bins            []float64 `json:"bins"`
	Observed        []float64 `json:"observed"`
	Expected        []float64 `json:"expected"`
	SamplesPerBin   []int     `json:"samples_per_bin"`
}

// Snapshot is the persisted calibration_metrics.json layout (spec.md §6).
type Snapshot struct {
	CalibrationStatus governance.CalibrationStatus `json:"calibration_status"`
	BrierScore        float64                      `json:"brier_score"`
	CalibrationError  float64                      `json:"calibration_error"`
	Reliability       ReliabilityCurve             `json:"reliability_curve"`
	Timestamp         time.Time                    `json:"timestamp"`
	ModelVersion      string                       `json:"model_version"`
	SampleCount       int                          `json:"sample_count"`
	Thresholds        Thresholds                   `json:"thresholds"`
	Warnings          []string                     `json:"warnings,omitempty"`
}

// Monitor reads (and can write) the calibration snapshot. It implements
// governance.CalibrationSource.
type Monitor struct {
	path       string
	thresholds Thresholds
	cacheTTL   time.Duration

	mu       sync.RWMutex
	cached   *Snapshot
	cachedAt time.Time
}

// NewMonitor constructs a Monitor reading/writing path, caching the
// parsed snapshot in memory for cacheTTL (mirroring the 5s read-through
// cache pattern spec.md §9 prescribes for governance state, applied here
// to the calibration snapshot since both are read-mostly, rarely-changing
// files on the request hot path).
func NewMonitor(path string, thresholds Thresholds, cacheTTL time.Duration) *Monitor {
	return &Monitor{path: path, thresholds: thresholds, cacheTTL: cacheTTL}
}

// Status reads the cached (or freshly loaded) snapshot and returns its
// CalibrationStatus. A missing or unreadable snapshot file is reported
// as UNKNOWN, not an error — spec.md §4.11 treats "no data available"
// as its own status, distinct from "data looks bad" (DEGRADED).
func (m *Monitor) Status() (governance.CalibrationStatus, error) {
	snap, err := m.load()
	if err != nil {
		return governance.CalibrationUnknown, nil
	}
	return snap.CalibrationStatus, nil
}

// Snapshot returns the full cached snapshot, used by phishguard-ctl's
// --check-regressions check.
func (m *Monitor) Snapshot() (Snapshot, error) {
	snap, err := m.load()
	if err != nil {
		return Snapshot{CalibrationStatus: governance.CalibrationUnknown}, err
	}
	return *snap, nil
}

func (m *Monitor) load() (*Snapshot, error) {
	m.mu.RLock()
	if m.cached != nil && time.Since(m.cachedAt) < m.cacheTTL {
		snap := m.cached
		m.mu.RUnlock()
		return snap, nil
	}
	m.mu.RUnlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("calibration: read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("calibration: parse snapshot: %w", err)
	}

	m.mu.Lock()
	m.cached = &snap
	m.cachedAt = time.Now()
	m.mu.Unlock()
	return &snap, nil
}

// Prediction is one (predicted probability, realised outcome) pair fed
// into Compute.
type Prediction struct {
	Probability float64
	Phishing    bool
}

// Compute derives a fresh Snapshot from a batch of predictions: Brier
// score, mean absolute calibration error over equal-width reliability
// bins, and the collapse/overconfidence-drift detectors spec.md §4.11
// names. This is the offline metric-computation logic; production runs
// it out of band and writes the result via Save. It is exported so
// offline tooling can call it directly without going through the
// filesystem.
func Compute(preds []Prediction, thresholds Thresholds, modelVersion string) Snapshot {
	snap := Snapshot{
		Timestamp:    time.Now().UTC(),
		ModelVersion: modelVersion,
		SampleCount:  len(preds),
		Thresholds:   thresholds,
	}
	if len(preds) == 0 {
		snap.CalibrationStatus = governance.CalibrationUnknown
		snap.Warnings = append(snap.Warnings, "no predictions available")
		return snap
	}

	snap.BrierScore = brierScore(preds)
	snap.Reliability = reliabilityCurve(preds, thresholds.ReliabilityBins)
	snap.CalibrationError = meanAbsoluteCalibrationError(snap.Reliability)

	if collapsed, variance := probabilityCollapse(preds); collapsed {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("probability collapse detected: variance %.4f < 0.01", variance))
	}
	if drifted, fraction := overconfidenceDrift(preds); drifted {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("overconfidence drift detected: %.1f%% of predictions at the extremes", fraction*100))
	}

	snap.CalibrationStatus = classify(snap.BrierScore, snap.CalibrationError, thresholds)
	return snap
}

func classify(brier, calError float64, t Thresholds) governance.CalibrationStatus {
	if brier <= t.BrierHealthyMax && calError <= t.CalErrorHealthyMax {
		return governance.CalibrationHealthy
	}
	return governance.CalibrationDegraded
}

func brierScore(preds []Prediction) float64 {
	var sum float64
	for _, p := range preds {
		outcome := 0.0
		if p.Phishing {
			outcome = 1.0
		}
		diff := p.Probability - outcome
		sum += diff * diff
	}
	return sum / float64(len(preds))
}

func reliabilityCurve(preds []Prediction, bins int) ReliabilityCurve {
	if bins <= 0 {
		bins = 10
	}
	width := 1.0 / float64(bins)

	curve := ReliabilityCurve{
		Bins:          make([]float64, bins),
		Observed:      make([]float64, bins),
		Expected:      make([]float64, bins),
		SamplesPerBin: make([]int, bins),
	}
	sums := make([]float64, bins)
	counts := make([]int, bins)
	positives := make([]int, bins)

	for i := 0; i < bins; i++ {
		curve.Bins[i] = (float64(i) + 0.5) * width
	}

	for _, p := range preds {
		idx := int(p.Probability / width)
		if idx >= bins {
			idx = bins - 1
		}
		if idx < 0 {
			idx = 0
		}
		sums[idx] += p.Probability
		counts[idx]++
		if p.Phishing {
			positives[idx]++
		}
	}

	for i := 0; i < bins; i++ {
		curve.SamplesPerBin[i] = counts[i]
		if counts[i] == 0 {
			curve.Expected[i] = curve.Bins[i]
			continue
		}
		curve.Expected[i] = sums[i] / float64(counts[i])
		curve.Observed[i] = float64(positives[i]) / float64(counts[i])
	}
	return curve
}

func meanAbsoluteCalibrationError(curve ReliabilityCurve) float64 {
	var total float64
	var weighted int
	for i, n := range curve.SamplesPerBin {
		if n == 0 {
			continue
		}
		total += math.Abs(curve.Observed[i]-curve.Expected[i]) * float64(n)
		weighted += n
	}
	if weighted == 0 {
		return 0
	}
	return total / float64(weighted)
}

// probabilityCollapse reports whether the predicted-probability variance
// has fallen below 0.01 — a model outputting near-constant scores,
// regardless of input, per spec.md §4.11.
func probabilityCollapse(preds []Prediction) (bool, float64) {
	var mean float64
	for _, p := range preds {
		mean += p.Probability
	}
	mean /= float64(len(preds))

	var variance float64
	for _, p := range preds {
		d := p.Probability - mean
		variance += d * d
	}
	variance /= float64(len(preds))
	return variance < 0.01, variance
}

// overconfidenceDrift reports whether more than 80% of predictions sit
// at the extremes (<=0.05 or >=0.95), per spec.md §4.11.
func overconfidenceDrift(preds []Prediction) (bool, float64) {
	var extreme int
	for _, p := range preds {
		if p.Probability <= 0.05 || p.Probability >= 0.95 {
			extreme++
		}
	}
	fraction := float64(extreme) / float64(len(preds))
	return fraction > 0.80, fraction
}

// Save persists snap to path as calibration_metrics.json, used by the
// offline metric pipeline (or tests) to seed a fresh snapshot.
func Save(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("calibration: marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("calibration: write snapshot: %w", err)
	}
	return nil
}

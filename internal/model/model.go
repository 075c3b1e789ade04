// Package model implements the Calibrated Model interface (C5, spec.md
// §4.5): an opaque probabilistic classifier mapping a 33-wide feature
// vector (30 heuristic features plus the 3 failure indicators) to a
// calibrated phishing probability.
//
// The pipeline never loads a model whose metadata does not declare
// is_calibrated=true with a recognised calibration method — that check
// happens once at load time and is never re-run per request (spec.md
// §4.5: "a load-time invariant, not a runtime check").
//
// This package ships a reference logistic-regression implementation —
// weighted features run through a sigmoid, the same "weighted features,
// normalised, summed" shape used elsewhere in the examples pack for a
// drift score (services/qinfra-ai/models/drift_predictor.go in the
// QuantumLayer example repo) — not a claim about the real production
// model's architecture, which is explicitly out of scope (spec.md §1
// Non-goals).
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/phishguard/phishguard/internal/pherrors"
)

// recognisedCalibrationMethods is the set of calibration methods the
// loader accepts. Anything else fails startup (spec.md §4.5, §7
// ModelNotCalibrated).
var recognisedCalibrationMethods = map[string]bool{
	"platt":    true,
	"isotonic": true,
	"sigmoid":  true,
}

// Metadata is the on-disk sidecar describing a model artifact's
// calibration provenance. The loader refuses to serve any model file
// without an accompanying, matching metadata file.
type Metadata struct {
	Version           string  `json:"version"`
	IsCalibrated      bool    `json:"is_calibrated"`
	CalibrationMethod string  `json:"calibration_method"`
	TrainedAt         string  `json:"trained_at,omitempty"`
	FeatureCount      int     `json:"feature_count"`
	Bias              float64 `json:"bias"`
}

// Model is the Calibrated Model contract the pipeline depends on
// (spec.md §4.5): predict_proba(33-vector) -> (p_phishing, p_legit),
// p_phishing + p_legit == 1.
type Model interface {
	PredictProba(features [33]float64) (pPhishing, pLegit float64)
	Version() string
}

// LogisticModel is the reference calibrated model: a weighted sum of the
// 33 input features run through a sigmoid, with weights and a bias
// loaded from disk. It is deliberately simple — the spec treats the
// model as an opaque collaborator (spec.md §1) and forbids prescribing
// the real algorithm family.
type LogisticModel struct {
	version string
	weights [33]float64
	bias    float64
}

// weightsFile is the on-disk artifact LogisticModel loads: one weight per
// feature slot, index-aligned with features.Vector plus the 3 failure
// indicators.
type weightsFile struct {
	Weights [33]float64 `json:"weights"`
}

// Load reads modelPath (the weights artifact) and metadataPath (the
// calibration sidecar), enforcing the load-time calibration invariant.
// A missing or malformed metadata file, or one lacking is_calibrated
// with a recognised method, returns pherrors.ModelNotCalibratedError —
// the caller (cmd/phishguard-server's main) must treat this as fatal
// and not start serving.
func Load(modelPath, metadataPath string) (*LogisticModel, error) {
	metaBytes, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, &pherrors.ModelNotCalibratedError{ModelVersion: metadataPath, Reason: fmt.Sprintf("read metadata: %v", err)}
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, &pherrors.ModelNotCalibratedError{ModelVersion: metadataPath, Reason: fmt.Sprintf("parse metadata: %v", err)}
	}
	if !meta.IsCalibrated {
		return nil, &pherrors.ModelNotCalibratedError{ModelVersion: meta.Version, Reason: "metadata does not declare is_calibrated=true"}
	}
	if !recognisedCalibrationMethods[meta.CalibrationMethod] {
		return nil, &pherrors.ModelNotCalibratedError{ModelVersion: meta.Version, Reason: fmt.Sprintf("unrecognised calibration method %q", meta.CalibrationMethod)}
	}

	weightBytes, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, &pherrors.ModelNotCalibratedError{ModelVersion: meta.Version, Reason: fmt.Sprintf("read weights: %v", err)}
	}
	var wf weightsFile
	if err := json.Unmarshal(weightBytes, &wf); err != nil {
		return nil, &pherrors.ModelNotCalibratedError{ModelVersion: meta.Version, Reason: fmt.Sprintf("parse weights: %v", err)}
	}

	return &LogisticModel{version: meta.Version, weights: wf.Weights, bias: meta.Bias}, nil
}

// NewWithWeights constructs a LogisticModel directly from in-memory
// weights, bypassing the on-disk calibration check — used by tests and
// by DefaultWeights below, never by production load paths.
func NewWithWeights(version string, weights [33]float64, bias float64) *LogisticModel {
	return &LogisticModel{version: version, weights: weights, bias: bias}
}

// PredictProba implements Model. p_phishing is sigmoid(w·x + b);
// p_legit is its complement, so the pair always sums to 1 as spec.md
// §4.5 requires.
func (m *LogisticModel) PredictProba(features [33]float64) (pPhishing, pLegit float64) {
	var z float64
	for i, w := range m.weights {
		z += w * features[i]
	}
	z += m.bias
	p := 1.0 / (1.0 + math.Exp(-z))
	return p, 1 - p
}

// Version reports the loaded model's version string, surfaced in
// explanations and telemetry.
func (m *LogisticModel) Version() string { return m.version }

// DefaultWeights returns a reference weight vector: phishing-indicator
// feature slots (-1 values) get positive weight, safe-indicator slots
// get negative weight, failure-indicator slots (30-32) get a small
// positive weight of their own reflecting that missing data alone is a
// mild uncertainty signal — the neutral-feature-value-0 contract
// (spec.md §3) already keeps a failure from contributing through its
// gated feature.
func DefaultWeights() [33]float64 {
	var w [33]float64
	for i := range w {
		w[i] = 0.12
	}
	// using_ip_address, is_shortener, has_at_symbol carry heavier weight;
	// these are the reference extractor's higher-severity signals
	// (features.Explanations' "high" severity set).
	w[0] = 0.35
	w[2] = 0.30
	w[3] = 0.20
	w[30], w[31], w[32] = 0.05, 0.05, 0.05
	return w
}

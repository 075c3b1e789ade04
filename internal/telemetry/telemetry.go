// Package telemetry implements the Telemetry Aggregator (C9, spec.md
// §4.14): thread-safe anonymous counters over verdict, drift status,
// analysis completeness, and allowlist-override flag, plus a
// frequency-trimmed top-10 signal-type bucket, persisted to a JSON
// snapshot every N recorded events or on shutdown. Every operation is
// fail-safe — a panic or I/O error during recording or persistence is
// caught and logged, never propagated into the pipeline's hot path,
// since telemetry must never be the reason a scan fails (spec.md §4.14:
// "counters may be approximate under contention but never corrupt").
//
// A Prometheus side channel (Metrics) runs alongside the counters for
// the /metrics HTTP surface, following the teacher's promauto
// registration pattern.
package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments telemetry exposes at
// /metrics, grounded on the teacher's escrow.Metrics registration shape.
type Metrics struct {
	ScansTotal      *prometheus.CounterVec
	ScanDuration    *prometheus.HistogramVec
	FreezeEvents    prometheus.Counter
	OverrideEvents  *prometheus.CounterVec
	InvariantEvents *prometheus.CounterVec
}

// NewMetrics registers and returns the Prometheus instruments.
func NewMetrics() *Metrics {
	return &Metrics{
		ScansTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phishguard_scans_total",
				Help: "Total number of URL scans processed, by verdict.",
			},
			[]string{"verdict"},
		),
		ScanDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "phishguard_scan_duration_seconds",
				Help:    "Decision pipeline latency per scan.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"verdict"},
		),
		FreezeEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "phishguard_freeze_events_total",
				Help: "Total number of governance freeze transitions.",
			},
		),
		OverrideEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phishguard_override_events_total",
				Help: "Total number of governance overrides granted, by type.",
			},
			[]string{"override_type"},
		),
		InvariantEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phishguard_invariant_violations_total",
				Help: "Total number of safety invariant violations, by verdict.",
			},
			[]string{"verdict"},
		),
	}
}

const maxSignalBuckets = 10

// Snapshot is the persisted explanation_metrics.json layout.
type Snapshot struct {
	TotalEvents          int64            `json:"total_events"`
	ByVerdict            map[string]int64 `json:"by_verdict"`
	ByDriftStatus        map[string]int64 `json:"by_drift_status"`
	ByAnalysisComplete   map[string]int64 `json:"by_analysis_completeness"`
	ByAllowlistOverride  map[string]int64 `json:"by_allowlist_override_flag"`
	TopSignals           map[string]int64 `json:"top_signal_types"`
	LastUpdated          time.Time        `json:"last_updated"`
}

// Event is one recorded scan outcome, the unit Record consumes.
type Event struct {
	Verdict             string
	DriftStatus         string
	AnalysisComplete    bool
	AllowlistOverridden bool
	SignalTypes         []string
}

// Aggregator is C9. One mutex guards all counters, released around any
// I/O (spec.md §5); a snapshot is flushed to disk every snapshotEvery
// recorded events.
type Aggregator struct {
	mu sync.Mutex

	byVerdict     map[string]int64
	byDrift       map[string]int64
	byComplete    map[string]int64
	byOverride    map[string]int64
	signalCounts  map[string]int64
	total         int64

	snapshotPath  string
	snapshotEvery int64
	metrics       *Metrics

	archival *sql.DB
	pubsub   *pubsub.Topic
}

// NewAggregator constructs an Aggregator persisting to snapshotPath
// every snapshotEvery events (spec.md §4.14's N=100 default).
func NewAggregator(snapshotPath string, snapshotEvery int64, metrics *Metrics, opts ...Option) *Aggregator {
	if snapshotEvery <= 0 {
		snapshotEvery = 100
	}
	a := &Aggregator{
		byVerdict:     make(map[string]int64),
		byDrift:       make(map[string]int64),
		byComplete:    make(map[string]int64),
		byOverride:    make(map[string]int64),
		signalCounts:  make(map[string]int64),
		snapshotPath:  snapshotPath,
		snapshotEvery: snapshotEvery,
		metrics:       metrics,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Option configures optional archival/fan-out sinks at construction.
type Option func(*Aggregator)

// WithPostgresArchival wires an optional Postgres history table
// recording each flushed snapshot, via the same lib/pq driver the
// teacher uses for its own Postgres access.
func WithPostgresArchival(db *sql.DB) Option {
	return func(a *Aggregator) { a.archival = db }
}

// WithPubSubFanout wires an optional Pub/Sub publish of each flushed
// snapshot for downstream SOC tooling. Publish is fire-and-forget —
// telemetry must never block the request path on a network publish.
func WithPubSubFanout(topic *pubsub.Topic) Option {
	return func(a *Aggregator) { a.pubsub = topic }
}

// Record folds one Event into the counters. Never returns an error and
// never panics out to the caller: any failure recovering or persisting
// is caught and logged (spec.md §4.14 "fail-safe").
func (a *Aggregator) Record(e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("telemetry: recovered from panic recording event", "panic", r)
		}
	}()

	a.mu.Lock()
	a.byVerdict[e.Verdict]++
	a.byDrift[e.DriftStatus]++
	completeKey := "incomplete"
	if e.AnalysisComplete {
		completeKey = "complete"
	}
	a.byComplete[completeKey]++
	overrideKey := "false"
	if e.AllowlistOverridden {
		overrideKey = "true"
	}
	a.byOverride[overrideKey]++
	for _, sig := range e.SignalTypes {
		a.signalCounts[sig]++
	}
	a.trimSignalsLocked()
	a.total++
	due := a.total%a.snapshotEvery == 0
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.ScansTotal.WithLabelValues(e.Verdict).Inc()
	}

	if due {
		if err := a.Flush(); err != nil {
			slog.Warn("telemetry: periodic snapshot flush failed", "error", err)
		}
	}
}

// trimSignalsLocked keeps only the maxSignalBuckets most frequent signal
// types, called with a.mu held. This bounds unbounded signal-name
// growth (spec.md §4.14 "top 10 kept by frequency with a trimming
// policy").
func (a *Aggregator) trimSignalsLocked() {
	if len(a.signalCounts) <= maxSignalBuckets {
		return
	}
	type kv struct {
		k string
		v int64
	}
	pairs := make([]kv, 0, len(a.signalCounts))
	for k, v := range a.signalCounts {
		pairs = append(pairs, kv{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].v > pairs[j].v })
	kept := make(map[string]int64, maxSignalBuckets)
	for i := 0; i < maxSignalBuckets && i < len(pairs); i++ {
		kept[pairs[i].k] = pairs[i].v
	}
	a.signalCounts = kept
}

// Snapshot returns a copy of the current counters, safe for JSON
// encoding or HTTP exposition.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		TotalEvents:         a.total,
		ByVerdict:           copyMap(a.byVerdict),
		ByDriftStatus:       copyMap(a.byDrift),
		ByAnalysisComplete:  copyMap(a.byComplete),
		ByAllowlistOverride: copyMap(a.byOverride),
		TopSignals:          copyMap(a.signalCounts),
		LastUpdated:         time.Now().UTC(),
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Flush writes the current snapshot to disk, then fans it out to the
// optional Postgres archival sink and Pub/Sub topic if configured.
// Sink failures are logged, never returned — the on-disk snapshot is
// the authoritative record (spec.md §4.14).
func (a *Aggregator) Flush() error {
	snap := a.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(a.snapshotPath, data, 0o644); err != nil {
		return err
	}

	a.archiveSnapshot(snap)
	a.publishSnapshot(data)
	return nil
}

func (a *Aggregator) archiveSnapshot(snap Snapshot) {
	if a.archival == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		slog.Warn("telemetry: marshal snapshot for archival failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = a.archival.ExecContext(ctx,
		`INSERT INTO telemetry_snapshots (recorded_at, total_events, payload) VALUES ($1, $2, $3)`,
		snap.LastUpdated, snap.TotalEvents, data)
	if err != nil {
		slog.Warn("telemetry: postgres archival insert failed", "error", err)
	}
}

func (a *Aggregator) publishSnapshot(data []byte) {
	if a.pubsub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := a.pubsub.Publish(ctx, &pubsub.Message{Data: data})
	go func() {
		if _, err := result.Get(ctx); err != nil {
			slog.Warn("telemetry: pubsub publish failed", "error", err)
		}
	}()
}

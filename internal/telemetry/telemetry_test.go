package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRecord_AccumulatesCounters(t *testing.T) {
	dir := t.TempDir()
	a := NewAggregator(filepath.Join(dir, "explanation_metrics.json"), 100, nil)

	a.Record(Event{Verdict: "PHISHING", DriftStatus: "nominal", AnalysisComplete: true, SignalTypes: []string{"suspicious_tld"}})
	a.Record(Event{Verdict: "SAFE", DriftStatus: "nominal", AnalysisComplete: true})

	snap := a.Snapshot()
	if snap.TotalEvents != 2 {
		t.Fatalf("expected 2 total events, got %d", snap.TotalEvents)
	}
	if snap.ByVerdict["PHISHING"] != 1 || snap.ByVerdict["SAFE"] != 1 {
		t.Fatalf("unexpected verdict counts: %+v", snap.ByVerdict)
	}
	if snap.TopSignals["suspicious_tld"] != 1 {
		t.Fatalf("expected suspicious_tld signal counted, got %+v", snap.TopSignals)
	}
}

func TestRecord_FlushesEveryNEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "explanation_metrics.json")
	a := NewAggregator(path, 3, nil)

	for i := 0; i < 3; i++ {
		a.Record(Event{Verdict: "SAFE"})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected snapshot file written after 3rd event: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.TotalEvents != 3 {
		t.Fatalf("expected persisted snapshot to report 3 events, got %d", snap.TotalEvents)
	}
}

func TestTrimSignals_KeepsTopTenByFrequency(t *testing.T) {
	dir := t.TempDir()
	a := NewAggregator(filepath.Join(dir, "snap.json"), 1000, nil)

	for i := 0; i < 15; i++ {
		sig := "signal_" + string(rune('a'+i))
		weight := 15 - i
		for j := 0; j < weight; j++ {
			a.Record(Event{Verdict: "SAFE", SignalTypes: []string{sig}})
		}
	}

	snap := a.Snapshot()
	if len(snap.TopSignals) > maxSignalBuckets {
		t.Fatalf("expected at most %d signal buckets, got %d", maxSignalBuckets, len(snap.TopSignals))
	}
	if _, ok := snap.TopSignals["signal_a"]; !ok {
		t.Fatalf("expected the highest-frequency signal to survive trimming, got %+v", snap.TopSignals)
	}
}

func TestRecord_RecoversFromPanicInCaller(t *testing.T) {
	// A zero-value Aggregator has nil counter maps, so Record panics on
	// its first map write and has to recover from it internally.
	a := &Aggregator{snapshotEvery: 100}

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Record leaked a panic: %v", r)
		}
	}()
	a.Record(Event{Verdict: "SAFE"})
}

func TestFlush_NoopSinksDoNotError(t *testing.T) {
	dir := t.TempDir()
	a := NewAggregator(filepath.Join(dir, "snap.json"), 100, nil)
	a.Record(Event{Verdict: "SAFE"})
	if err := a.Flush(); err != nil {
		t.Fatalf("Flush with no archival/pubsub sinks configured should not error: %v", err)
	}
}

package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSyncWriter_AppendsSummaryAndJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy_override.log")

	w, err := NewSyncWriter(path)
	if err != nil {
		t.Fatalf("NewSyncWriter: %v", err)
	}

	entry := Entry{
		Timestamp:   time.Now(),
		Environment: EnvLocal,
		EventType:   "ALLOWLIST_MODIFICATION",
		Reason:      "test addition",
	}
	if err := w.Append(entry); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[1], "JSON: ") {
		t.Fatalf("expected JSON-prefixed line, got %q", lines[1])
	}
}

func TestAsyncWriter_EnqueueNeverBlocksAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xai_telemetry.jsonl")

	w, err := NewAsyncWriter(path, 10*1024*1024, 5)
	if err != nil {
		t.Fatalf("NewAsyncWriter: %v", err)
	}

	w.Enqueue(XAIRecord{Timestamp: time.Now(), URL: "https://example.com", Verdict: "SAFE"})
	w.Stop()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "example.com") {
		t.Fatalf("expected persisted record, got %q", data)
	}
}

func TestAsyncWriter_RotatesOnSizeCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xai_telemetry.jsonl")

	w, err := NewAsyncWriter(path, 64, 2)
	if err != nil {
		t.Fatalf("NewAsyncWriter: %v", err)
	}
	for i := 0; i < 10; i++ {
		w.Enqueue(XAIRecord{Timestamp: time.Now(), URL: "https://example.com/long-path-to-pad-bytes", Verdict: "SAFE"})
	}
	w.Stop()

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotated file %s.1 to exist: %v", path, err)
	}
}

// Package audit implements the two audit writers spec.md §4.13 requires:
// a synchronous, fsync'd append log for governance-critical events, and an
// asynchronous single-consumer queue for high-volume per-request XAI
// records. The two never share a file or a lock.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Environment tags an audit entry with where it was produced.
type Environment string

const (
	EnvCI    Environment = "CI"
	EnvLocal Environment = "LOCAL"
	EnvProd  Environment = "PROD"
)

// Entry is the structured record spec.md §3 defines for governance-critical
// events (overrides, manifest changes, invariant violations, allowlist
// mutations, policy-flag reads).
type Entry struct {
	Timestamp         time.Time         `json:"timestamp"`
	Environment       Environment       `json:"environment"`
	EventType         string            `json:"event_type"`
	OverrideFlagValue *bool             `json:"override_flag_value,omitempty"`
	AffectedDomains   []string          `json:"affected_domains,omitempty"`
	TriggeringContext string            `json:"triggering_context,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	AdditionalData    map[string]string `json:"additional_data,omitempty"`
}

// Summary renders the one-line human-readable form that precedes the JSON
// payload line in the sync log.
func (e Entry) Summary() string {
	return fmt.Sprintf("[%s] %s env=%s reason=%q",
		e.Timestamp.Format(time.RFC3339), e.EventType, e.Environment, e.Reason)
}

// SyncWriter appends governance-critical entries under an exclusive
// cross-process advisory lock, fsyncing before release. A failed write is
// returned to the caller — callers on the governance path do not proceed
// past a failed audit write (spec.md §7).
type SyncWriter struct {
	path string
	mu   sync.Mutex // serialises writers within this process; the flock
	// handles cross-process exclusion.
}

// NewSyncWriter opens (creating if necessary) the append-only log at path.
func NewSyncWriter(path string) (*SyncWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir for %s: %w", path, err)
	}
	return &SyncWriter{path: path}, nil
}

// Append writes the human summary line followed by a "JSON: {...}" line,
// under an exclusive file lock, and fsyncs before releasing it.
func (w *SyncWriter) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", w.path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("audit: lock %s: %w", w.path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%s\nJSON: %s\n", e.Summary(), payload); err != nil {
		return fmt.Errorf("audit: write %s: %w", w.path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("audit: fsync %s: %w", w.path, err)
	}
	return nil
}

// XAIRecord is one line of the per-request explainability audit: the top
// features that drove a verdict, kept separate from governance-critical
// entries because its volume is orders of magnitude higher.
type XAIRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	URL         string    `json:"url"`
	Verdict     string    `json:"verdict"`
	RiskScore   float64   `json:"risk_score"`
	TopFeatures []string  `json:"top_features"`
}

// AsyncWriter is the single-consumer writer for XAI records, fed by a
// bounded queue of 4096 records (Enqueue drops a record when that queue
// is full). Enqueue never blocks the request path; a full failure to
// persist is swallowed and logged, per spec.md §7's "telemetry must never
// block or crash the request path".
type AsyncWriter struct {
	path       string
	maxBytes   int64
	keep       int
	queue      chan XAIRecord
	done       chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex // guards the open file handle across rotations
	file       *os.File
	curBytes   int64
}

// NewAsyncWriter creates the writer and starts its consumer goroutine.
// maxBytes/keep implement size-capped rotation (default 10 MiB x 5 per
// spec.md §4.13).
func NewAsyncWriter(path string, maxBytes int64, keep int) (*AsyncWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir for %s: %w", path, err)
	}
	w := &AsyncWriter{
		path:     path,
		maxBytes: maxBytes,
		keep:     keep,
		queue:    make(chan XAIRecord, 4096),
		done:     make(chan struct{}),
	}
	if err := w.openCurrent(); err != nil {
		return nil, err
	}
	w.wg.Add(1)
	go w.consume()
	return w, nil
}

func (w *AsyncWriter) openCurrent() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err == nil {
		w.curBytes = info.Size()
	}
	w.file = f
	return nil
}

// Enqueue submits a record for asynchronous persistence. It never blocks:
// if the queue is somehow full (producers badly outrunning the consumer)
// the record is dropped and the drop is logged, not propagated.
func (w *AsyncWriter) Enqueue(r XAIRecord) {
	select {
	case w.queue <- r:
	default:
		slog.Warn("audit: xai queue full, dropping record", "url", r.URL)
	}
}

func (w *AsyncWriter) consume() {
	defer w.wg.Done()
	for {
		select {
		case r, ok := <-w.queue:
			if !ok {
				return
			}
			w.persist(r)
		case <-w.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case r := <-w.queue:
					w.persist(r)
				default:
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) persist(r XAIRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	line, err := json.Marshal(r)
	if err != nil {
		slog.Warn("audit: marshal xai record failed", "error", err)
		return
	}
	line = append(line, '\n')

	if w.curBytes+int64(len(line)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			slog.Warn("audit: rotate xai log failed", "error", err)
		}
	}

	n, err := w.file.Write(line)
	if err != nil {
		slog.Warn("audit: write xai record failed", "error", err)
		return
	}
	w.curBytes += int64(n)
}

func (w *AsyncWriter) rotate() error {
	w.file.Close()
	for i := w.keep; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", w.path, i)
		if i == w.keep {
			os.Remove(src)
			continue
		}
		dst := fmt.Sprintf("%s.%d", w.path, i+1)
		os.Rename(src, dst)
	}
	os.Rename(w.path, w.path+".1")
	w.curBytes = 0
	return w.openCurrent()
}

// Stop drains the queue and stops the consumer. Call once at shutdown.
func (w *AsyncWriter) Stop() {
	close(w.done)
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Close()
	}
}

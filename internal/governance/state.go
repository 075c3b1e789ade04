package governance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/phishguard/phishguard/internal/pherrors"
)

// stateDoc is the combined governance_state.json layout (Open Question in
// spec.md §9: "the rewrite should pick one layout; the combined file
// simplifies transactional atomicity and is recommended" — adopted here).
type stateDoc struct {
	Freeze      FreezeState              `json:"freeze"`
	Budget      SafetyBudgetState        `json:"budget"`
	Overrides   []Override               `json:"overrides"`
	Canaries    map[string]*CanarySignal `json:"canaries"`
	LastUpdated time.Time                `json:"last_updated"`
}

func emptyStateDoc() *stateDoc {
	return &stateDoc{
		Budget:   SafetyBudgetState{WindowStart: time.Now().UTC()},
		Canaries: make(map[string]*CanarySignal),
	}
}

// withExclusiveLock opens path for read-write (creating if absent), takes
// an exclusive advisory lock with the given timeout/retry ceiling, and
// runs fn with the open file positioned at offset 0. fn is responsible
// for truncating and rewriting the file's contents. The file is fsynced
// only when fn succeeds; the lock is released once fn returns, whether
// or not it errored.
func withExclusiveLock(path string, timeout time.Duration, retries int, fn func(f *os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("governance: create dir for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("governance: open %s: %w", path, err)
	}
	defer f.Close()

	if err := flockWithRetry(f, unix.LOCK_EX, timeout, retries); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if err := fn(f); err != nil {
		return err
	}
	return f.Sync()
}

// withSharedLock is the read-mostly counterpart of withExclusiveLock.
func withSharedLock(path string, timeout time.Duration, retries int, fn func(f *os.File) error) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return fn(nil)
	}
	if err != nil {
		return fmt.Errorf("governance: open %s: %w", path, err)
	}
	defer f.Close()

	if err := flockWithRetry(f, unix.LOCK_SH, timeout, retries); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn(f)
}

func flockWithRetry(f *os.File, how int, timeout time.Duration, retries int) error {
	deadline := time.Now().Add(timeout)
	interval := timeout / time.Duration(retries+1)
	if interval <= 0 {
		interval = time.Millisecond
	}
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return &pherrors.LockTimeoutError{Path: f.Name()}
		}
		time.Sleep(interval)
	}
}

// readStateDoc parses the JSON contents of an already-locked file. A nil
// or empty file yields an empty document rather than an error, so a
// fresh deployment starts clean.
func readStateDoc(f *os.File) (*stateDoc, error) {
	if f == nil {
		return emptyStateDoc(), nil
	}
	data, err := readAll(f)
	if err != nil {
		return nil, fmt.Errorf("governance: read state: %w", err)
	}
	if len(data) == 0 {
		return emptyStateDoc(), nil
	}
	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		// State-file corruption: best-effort empty state, frozen on
		// unreadable (spec.md §7).
		doc = *emptyStateDoc()
		doc.Freeze.IsFrozen = true
		doc.Freeze.FreezeReason = "governance state file unreadable: " + err.Error()
		doc.Budget.IsFrozen = true
		doc.Budget.FreezeReason = doc.Freeze.FreezeReason
		return &doc, nil
	}
	if doc.Canaries == nil {
		doc.Canaries = make(map[string]*CanarySignal)
	}
	return &doc, nil
}

func writeStateDoc(f *os.File, doc *stateDoc) error {
	doc.LastUpdated = time.Now().UTC()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("governance: marshal state: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("governance: truncate state file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("governance: seek state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("governance: write state file: %w", err)
	}
	return nil
}

func readAll(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	if _, err := f.ReadAt(buf, 0); err != nil && len(buf) > 0 {
		return nil, err
	}
	return buf, nil
}

// mutate is the functional "update_state(mutator)" pattern spec.md §9
// prescribes end-to-end in place of the source's overwrite-prone path:
// fn receives the current document and returns the new one (or an
// error, in which case nothing is written). The whole cycle runs under
// the exclusive lock.
func (c *Controller) mutate(fn func(*stateDoc) (*stateDoc, error)) error {
	return withExclusiveLock(c.statePath, c.lockTimeout, c.retryCeiling, func(f *os.File) error {
		doc, err := readStateDoc(f)
		if err != nil {
			return err
		}
		next, err := fn(doc)
		if err != nil {
			return err
		}
		if err := writeStateDoc(f, next); err != nil {
			return err
		}
		c.setCache(next)
		return nil
	})
}

// view returns a read-mostly snapshot of governance state, served from
// the in-memory cache when fresh (5s TTL), otherwise reloaded under a
// shared lock with its own (shorter) timeout.
func (c *Controller) view() (*stateDoc, error) {
	if doc := c.cachedIfFresh(); doc != nil {
		return doc, nil
	}

	var doc *stateDoc
	err := withSharedLock(c.statePath, c.sharedReadTimeout, c.retryCeiling, func(f *os.File) error {
		d, err := readStateDoc(f)
		if err != nil {
			return err
		}
		doc = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.setCache(doc)
	return doc, nil
}

// Package trustgate implements the trusted-domain allowlist gate (C2):
// the pipeline's fast-path for registered domains that have been
// reviewed and explicitly trusted, plus the bare-public-suffix form
// that realises "all .gov".
//
// State is process-wide: a static seed set merged with a manifest file
// on disk, refreshed under a RWMutex the way the teacher's tool
// catalog guards its in-memory registry.
package trustgate

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/phishguard/phishguard/internal/domainparse"
	"github.com/phishguard/phishguard/internal/governance"
)

// TrustCheck is the result of Gate.Check.
type TrustCheck struct {
	IsTrusted      bool
	RegisteredDomain string
	Matched        string
	Reason         string
}

// Entry is one allowlist record as carried in the manifest file.
type Entry struct {
	Domain    string    `json:"domain"`
	AddedBy   string    `json:"added_by"`
	AddedDate time.Time `json:"added_date"`
	Reason    string    `json:"reason"`
}

// Manifest is the on-disk trusted_domains_manifest.json layout (spec.md
// §6).
type Manifest struct {
	Version        int     `json:"version"`
	ChangeReason   string  `json:"change_reason"`
	LastModifiedBy string  `json:"last_modified_by"`
	Domains        []Entry `json:"domains"`
}

// snapshotStub mirrors the subset of tests/fixtures/trusted_domains_snapshot.json
// this package checks at startup: just the manifest version it was
// regression-tested against.
type snapshotStub struct {
	ManifestVersion int `json:"_manifest_version"`
}

// seedDomains ship with the binary regardless of the manifest file's
// contents; they are always present in the allowlist set.
var seedDomains = []string{
	"google.com",
	"microsoft.com",
	"apple.com",
	"amazon.com",
	"github.com",
	"gov",
}

// Gate is the C2 trusted-domain allowlist. Safe for concurrent use.
type Gate struct {
	mu       sync.RWMutex
	set      map[string]Entry
	manifest Manifest

	manifestPath string
	governance   *governance.Controller
	logger       *log.Logger
}

// Option configures a Gate at construction time.
type Option func(*Gate)

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// NewGate loads the manifest at manifestPath (starting from an empty
// version-1 manifest in memory if the file is absent; the file is first
// written by Add or Remove), merges it with the seed set, and cross-checks its version
// against snapshotPath's `_manifest_version`. A mismatch is a startup
// failure per spec.md §7.
func NewGate(manifestPath, snapshotPath string, gov *governance.Controller, opts ...Option) (*Gate, error) {
	g := &Gate{
		set:          make(map[string]Entry),
		manifestPath: manifestPath,
		governance:   gov,
		logger:       log.New(log.Writer(), "[TRUSTGATE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(g)
	}

	manifest, err := loadManifest(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("trustgate: load manifest: %w", err)
	}
	g.manifest = manifest

	if snapshotPath != "" {
		if err := verifyManifestVersion(snapshotPath, manifest.Version); err != nil {
			return nil, err
		}
	}

	for _, d := range seedDomains {
		g.set[d] = Entry{Domain: d, AddedBy: "seed", Reason: "shipped default"}
	}
	for _, e := range manifest.Domains {
		g.set[e.Domain] = e
	}

	g.logger.Printf("loaded %d trusted domains (manifest v%d)", len(g.set), manifest.Version)
	return g, nil
}

func loadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Manifest{Version: 1, ChangeReason: "initial", Domains: nil}, nil
	}
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

func verifyManifestVersion(snapshotPath string, manifestVersion int) error {
	data, err := os.ReadFile(snapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("trustgate: read regression snapshot: %w", err)
	}
	var snap snapshotStub
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("trustgate: parse regression snapshot: %w", err)
	}
	if snap.ManifestVersion != manifestVersion {
		return fmt.Errorf("trustgate: manifest version %d does not match regression snapshot version %d", manifestVersion, snap.ManifestVersion)
	}
	return nil
}

func (g *Gate) saveManifest() error {
	data, err := json.MarshalIndent(g.manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(g.manifestPath, data, 0o644)
}

// Check implements C2's check(url) operation. Trusted if the registered
// domain itself is allowlisted, or its bare public suffix is (the "all
// .gov" case).
func (g *Gate) Check(urlOrHost string) TrustCheck {
	rd := domainparse.Extract(urlOrHost)
	if !rd.Valid() {
		return TrustCheck{IsTrusted: false, Reason: "unparseable host"}
	}
	full := rd.String()

	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.set[full]; ok {
		return TrustCheck{IsTrusted: true, RegisteredDomain: full, Matched: full, Reason: "registered domain on allowlist"}
	}
	if _, ok := g.set[rd.Suffix]; ok {
		return TrustCheck{IsTrusted: true, RegisteredDomain: full, Matched: rd.Suffix, Reason: "public suffix on allowlist"}
	}
	return TrustCheck{IsTrusted: false, RegisteredDomain: full, Reason: "not on allowlist"}
}

// Add registers domain on the allowlist. Gated on governance: the
// controller must not be frozen and the allowlist-modification budget
// must not be exhausted; the mutation itself consumes one budget unit
// and is recorded as an ALLOWLIST_MODIFICATION audit entry.
func (g *Gate) Add(domain, actor, reason string) error {
	if err := g.governance.AssertOperational(); err != nil {
		return err
	}
	if err := g.governance.ConsumeAllowlistModificationBudget(actor, reason, domain); err != nil {
		return err
	}

	entry := Entry{Domain: domain, AddedBy: actor, AddedDate: time.Now().UTC(), Reason: reason}

	g.mu.Lock()
	g.set[domain] = entry
	g.manifest.Version++
	g.manifest.ChangeReason = reason
	g.manifest.LastModifiedBy = actor
	g.manifest.Domains = append(g.manifest.Domains, entry)
	err := g.saveManifest()
	g.mu.Unlock()
	if err != nil {
		return fmt.Errorf("trustgate: persist manifest: %w", err)
	}

	if _, err := g.governance.RecordDomainTrust(domain, actor, governance.TrustFull); err != nil {
		g.logger.Printf("record domain trust for %s failed: %v", domain, err)
	}
	g.logger.Printf("added %s to allowlist by %s: %s", domain, actor, reason)
	return nil
}

// Remove deletes domain from the allowlist under the same governance
// preconditions as Add.
func (g *Gate) Remove(domain, actor, reason string) error {
	if err := g.governance.AssertOperational(); err != nil {
		return err
	}
	if err := g.governance.ConsumeAllowlistModificationBudget(actor, reason, domain); err != nil {
		return err
	}

	g.mu.Lock()
	delete(g.set, domain)
	g.manifest.Version++
	g.manifest.ChangeReason = reason
	g.manifest.LastModifiedBy = actor
	kept := g.manifest.Domains[:0]
	for _, e := range g.manifest.Domains {
		if e.Domain != domain {
			kept = append(kept, e)
		}
	}
	g.manifest.Domains = kept
	err := g.saveManifest()
	g.mu.Unlock()
	if err != nil {
		return fmt.Errorf("trustgate: persist manifest: %w", err)
	}

	if err := g.governance.RemoveDomainTrust(domain); err != nil {
		g.logger.Printf("remove domain trust for %s failed: %v", domain, err)
	}
	g.logger.Printf("removed %s from allowlist by %s: %s", domain, actor, reason)
	return nil
}

// Size returns the current allowlist size, mostly useful for health
// endpoints and tests.
func (g *Gate) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.set)
}

// Sample returns up to limit allowlisted domains, for the
// GET /api/trusted-domains surface (spec.md §6: "sample list + total
// count" — the full set is never dumped over HTTP).
func (g *Gate) Sample(limit int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, limit)
	for domain := range g.set {
		if len(out) >= limit {
			break
		}
		out = append(out, domain)
	}
	return out
}

// Package blocklist implements the Blocklist Cache (C3): two in-memory
// sets of exact URLs and registered domains sourced from a fixed table
// of external feeds, refreshed periodically behind a circuit breaker
// per source, with an optional Redis-shared snapshot layer so multiple
// process replicas converge on the same blocklist.
package blocklist

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phishguard/phishguard/internal/circuitbreaker"
	"github.com/phishguard/phishguard/internal/domainparse"
	"github.com/phishguard/phishguard/internal/infra"
)

// Format identifies how a source's response body is parsed.
type Format string

const (
	FormatLineList  Format = "line-list"
	FormatCSVColumn Format = "csv-column"
	FormatJSONArray Format = "json-array"
)

// Source is one entry of the fixed {name → fetch-url, format,
// refresh-interval} table spec.md §4.3 describes.
type Source struct {
	Name     string
	FetchURL string
	Format   Format
	// Column is the zero-based CSV column holding the URL, only used
	// when Format == FormatCSVColumn.
	Column int
}

// SeedSources is the three sources phishguard ships with (spec.md §6):
// OpenPhish (line-list), URLhaus (csv+column), PhishTank (json-array).
func SeedSources() []Source {
	return []Source{
		{Name: "openphish", FetchURL: "https://openphish.com/feed.txt", Format: FormatLineList},
		{Name: "urlhaus", FetchURL: "https://urlhaus.abuse.ch/downloads/csv_recent/", Format: FormatCSVColumn, Column: 2},
		{Name: "phishtank", FetchURL: "https://data.phishtank.com/data/online-valid.json", Format: FormatJSONArray},
	}
}

// Result is C3's check(url) return value.
type Result struct {
	IsBlocked     bool
	Source        string
	MatchedURL    string
	MatchedDomain string
	Confidence    float64
}

// snapshot is the atomically-swapped immutable view of the blocklist.
type snapshot struct {
	urls    map[string]string // normalised url -> source name
	domains map[string]string // registered domain -> source name
	builtAt time.Time
}

func emptySnapshot() *snapshot {
	return &snapshot{urls: make(map[string]string), domains: make(map[string]string)}
}

// Cache is the C3 Blocklist Cache. Safe for concurrent use; reads take
// the shared lock just long enough to load the snapshot pointer, writes
// (refreshes) take the exclusive lock for the duration of the pointer
// swap only.
type Cache struct {
	mu      sync.RWMutex
	current *snapshot

	sources         []Source
	refreshInterval time.Duration
	fetchTimeout    time.Duration

	breakers   *circuitbreaker.PipelineBreakers
	httpClient *http.Client
	redis      *infra.GoRedisAdapter
	logger     *log.Logger

	refreshing atomic.Bool
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithRedis wires a shared-snapshot layer: every successful refresh is
// published to Redis, and a fresh process can seed its initial snapshot
// from whatever the last writer left behind.
func WithRedis(r *infra.GoRedisAdapter) Option {
	return func(c *Cache) { c.redis = r }
}

// WithHTTPClient overrides the default fetch client (tests use this to
// point at an httptest.Server).
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) { c.httpClient = client }
}

const redisSnapshotKey = "phishguard:blocklist:snapshot"

// NewCache builds a Cache and performs the mandatory startup refresh
// (spec.md §4.3: "on startup ... fetch every source"). A fetch timeout
// applies per source; a source that fails drops out of the built
// snapshot without failing the others.
//
// When a Redis adapter is wired, the cache first seeds its snapshot from
// whatever the last writer published there: a cold process is
// immediately useful off the shared snapshot instead of serving empty
// results for the duration of its own first fetch cycle, and the
// mandatory startup refresh still runs, just off the critical path. If
// there is nothing to seed from (unconfigured Redis, cache miss, or a
// malformed payload), the startup refresh runs synchronously as before.
func NewCache(sources []Source, breakers *circuitbreaker.PipelineBreakers, refreshInterval, fetchTimeout time.Duration, opts ...Option) *Cache {
	c := &Cache{
		current:         emptySnapshot(),
		sources:         sources,
		refreshInterval: refreshInterval,
		fetchTimeout:    fetchTimeout,
		breakers:        breakers,
		httpClient:      &http.Client{Timeout: fetchTimeout},
		logger:          log.New(log.Writer(), "[BLOCKLIST] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	ctx := context.Background()
	if c.seedFromRedis(ctx) {
		go c.Refresh(ctx)
	} else {
		c.Refresh(ctx)
	}
	return c
}

func (c *Cache) breakerFor(name string) *circuitbreaker.CircuitBreaker {
	switch name {
	case "openphish":
		return c.breakers.OpenPhish
	case "urlhaus":
		return c.breakers.URLhaus
	case "phishtank":
		return c.breakers.PhishTank
	default:
		return nil
	}
}

// Refresh fetches every source and atomically swaps the live snapshot.
// Building the new snapshot happens entirely off the lock; only the
// pointer swap itself is guarded, so concurrent reads never block
// longer than that assignment.
func (c *Cache) Refresh(ctx context.Context) {
	if !c.refreshing.CompareAndSwap(false, true) {
		return // a refresh is already in flight
	}
	defer c.refreshing.Store(false)

	next := emptySnapshot()
	next.builtAt = time.Now().UTC()

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, src := range c.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			urls, domains, err := c.fetchOne(ctx, src)
			if err != nil {
				c.logger.Printf("source %s fetch failed, dropping its contribution: %v", src.Name, err)
				return
			}
			mu.Lock()
			for u := range urls {
				next.urls[u] = src.Name
			}
			for d := range domains {
				next.domains[d] = src.Name
			}
			mu.Unlock()
		}(src)
	}
	wg.Wait()

	if c.redis != nil {
		if data, err := json.Marshal(toWire(next)); err == nil {
			if err := c.redis.Set(ctx, redisSnapshotKey, data, 2*c.refreshInterval); err != nil {
				c.logger.Printf("redis snapshot publish failed: %v", err)
			}
		}
	}

	c.mu.Lock()
	c.current = next
	c.mu.Unlock()

	c.logger.Printf("refreshed blocklist: %d urls, %d domains across %d sources", len(next.urls), len(next.domains), len(c.sources))
}

func (c *Cache) fetchOne(ctx context.Context, src Source) (map[string]struct{}, map[string]struct{}, error) {
	breaker := c.breakerFor(src.Name)
	run := func() (*fetchedLists, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, src.FetchURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("source %s returned status %d", src.Name, resp.StatusCode)
		}
		return parseBody(src, resp.Body)
	}

	var lists *fetchedLists
	var err error
	if breaker != nil {
		lists, err = circuitbreaker.ExecuteWithFallback(breaker,
			func() (*fetchedLists, error) { return run() },
			func(e error) (*fetchedLists, error) { return nil, e },
		)
	} else {
		lists, err = run()
	}
	if err != nil {
		return nil, nil, err
	}

	urls := make(map[string]struct{}, len(lists.urls))
	domains := make(map[string]struct{}, len(lists.urls))
	for _, u := range lists.urls {
		norm := normalizeURL(u)
		if norm == "" {
			continue
		}
		urls[norm] = struct{}{}
		if rd := domainparse.Extract(norm); rd.Valid() {
			domains[rd.String()] = struct{}{}
		}
	}
	return urls, domains, nil
}

type fetchedLists struct {
	urls []string
}

func parseBody(src Source, body io.Reader) (*fetchedLists, error) {
	switch src.Format {
	case FormatLineList:
		return parseLineList(body)
	case FormatCSVColumn:
		return parseCSVColumn(body, src.Column)
	case FormatJSONArray:
		return parseJSONArray(body)
	default:
		return nil, fmt.Errorf("unknown source format %q", src.Format)
	}
}

func parseLineList(body io.Reader) (*fetchedLists, error) {
	var out fetchedLists
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out.urls = append(out.urls, line)
	}
	return &out, scanner.Err()
}

func parseCSVColumn(body io.Reader, column int) (*fetchedLists, error) {
	var out fetchedLists
	r := csv.NewReader(body)
	r.Comment = '#'
	r.FieldsPerRecord = -1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // malformed row; skip rather than aborting the whole source
		}
		if column >= len(record) {
			continue
		}
		u := strings.Trim(strings.TrimSpace(record[column]), `"`)
		if u != "" {
			out.urls = append(out.urls, u)
		}
	}
	return &out, nil
}

func parseJSONArray(body io.Reader) (*fetchedLists, error) {
	var rows []struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(body).Decode(&rows); err != nil {
		return nil, err
	}
	var out fetchedLists
	for _, r := range rows {
		if r.URL != "" {
			out.urls = append(out.urls, r.URL)
		}
	}
	return &out, nil
}

func normalizeURL(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}

// Check implements C3's check(url) operation. If the live snapshot is
// older than refreshInterval, a background refresh is kicked off
// without blocking this read.
func (c *Cache) Check(url string) Result {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()

	if time.Since(cur.builtAt) > c.refreshInterval {
		go c.Refresh(context.Background())
	}

	norm := normalizeURL(url)
	if src, ok := cur.urls[norm]; ok {
		return Result{IsBlocked: true, Source: src, MatchedURL: norm, Confidence: 0.99}
	}
	if rd := domainparse.Extract(norm); rd.Valid() {
		if src, ok := cur.domains[rd.String()]; ok {
			return Result{IsBlocked: true, Source: src, MatchedDomain: rd.String(), Confidence: 0.85}
		}
	}
	return Result{IsBlocked: false}
}

// Stats returns the current snapshot's sizes, used by health endpoints.
func (c *Cache) Stats() (urlCount, domainCount int, builtAt time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.current.urls), len(c.current.domains), c.current.builtAt
}

type wireSnapshot struct {
	URLs    []string  `json:"urls"`
	Domains []string  `json:"domains"`
	BuiltAt time.Time `json:"built_at"`
}

func toWire(s *snapshot) wireSnapshot {
	w := wireSnapshot{BuiltAt: s.builtAt}
	for u := range s.urls {
		w.URLs = append(w.URLs, u)
	}
	for d := range s.domains {
		w.Domains = append(w.Domains, d)
	}
	return w
}

func fromWire(w wireSnapshot) *snapshot {
	s := emptySnapshot()
	s.builtAt = w.BuiltAt
	for _, u := range w.URLs {
		s.urls[u] = "redis-seed"
	}
	for _, d := range w.Domains {
		s.domains[d] = "redis-seed"
	}
	return s
}

// seedFromRedis loads whatever the last writer published so a cold
// process serves a non-empty blocklist immediately rather than an
// empty one for the duration of its first fetch cycle. Returns true if
// it actually seeded a non-empty snapshot.
func (c *Cache) seedFromRedis(ctx context.Context) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, redisSnapshotKey)
	if err != nil {
		return false
	}
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		c.logger.Printf("redis snapshot seed: malformed payload: %v", err)
		return false
	}
	if len(w.URLs) == 0 && len(w.Domains) == 0 {
		return false
	}
	c.mu.Lock()
	c.current = fromWire(w)
	c.mu.Unlock()
	c.logger.Printf("seeded blocklist from redis snapshot: %d urls, %d domains, built at %s", len(w.URLs), len(w.Domains), w.BuiltAt)
	return true
}

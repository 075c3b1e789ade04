package features

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/phishguard/phishguard/internal/circuitbreaker"
	"github.com/phishguard/phishguard/internal/domainparse"
	"github.com/phishguard/phishguard/internal/pherrors"
)

// Extractor is one request's worth of extracted signal. It is built once
// by Extract and is immutable thereafter; every accessor is a pure read of
// already-computed state, so an Extractor is safe to share across
// goroutines once constructed.
type Extractor struct {
	rawURL           string
	normalizedURL    string
	host             string
	registeredDomain domainparse.RegisteredDomain

	failure FailureFlags
	vector  Vector
	data    netData

	certAge time.Duration
	hasCert bool
}

// Option configures extraction at construction time.
type Option func(*extractConfig)

type extractConfig struct {
	breakers     *circuitbreaker.PipelineBreakers
	probeTimeout time.Duration
	resolver     func(hostname string) ([]net.IP, error)
	probeCert    bool
}

// WithBreakers wires the feature extractor's HTTP/WHOIS/DNS probes through
// the shared circuit breaker manager (spec.md §5's "sustained outage of a
// single upstream" case).
func WithBreakers(b *circuitbreaker.PipelineBreakers) Option {
	return func(c *extractConfig) { c.breakers = b }
}

// WithProbeTimeout overrides the default 3-second per-probe timeout
// (spec.md §5).
func WithProbeTimeout(d time.Duration) Option {
	return func(c *extractConfig) { c.probeTimeout = d }
}

// WithResolver overrides the SSRF-protection hostname resolver; tests use
// this to avoid a real DNS dependency.
func WithResolver(fn func(hostname string) ([]net.IP, error)) Option {
	return func(c *extractConfig) { c.resolver = fn }
}

// WithCertificateProbe enables or disables the certificate_age feature's
// live TLS dial (feature 28). Disabled by default in test construction to
// avoid a network dependency; the production pipeline enables it.
func WithCertificateProbe(enabled bool) Option {
	return func(c *extractConfig) { c.probeCert = enabled }
}

// Extract builds a Extractor for rawURL: it validates the URL (scheme,
// hostname, SSRF protection), then runs the three network probes in
// parallel, then computes the full 30-feature vector. A validation
// failure returns pherrors.InvalidURLError and performs no network I/O.
func Extract(rawURL string, opts ...Option) (*Extractor, error) {
	cfg := extractConfig{
		probeTimeout: 3 * time.Second,
		resolver:     net.LookupIP,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	normalized := sanitizeURL(rawURL)
	parsed, err := url.Parse(normalized)
	if err != nil {
		return nil, &pherrors.InvalidURLError{URL: rawURL, Reason: "unparseable URL: " + err.Error()}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &pherrors.InvalidURLError{URL: rawURL, Reason: fmt.Sprintf("unsupported scheme %q", parsed.Scheme)}
	}
	host := hostnameOf(parsed)
	if host == "" {
		return nil, &pherrors.InvalidURLError{URL: rawURL, Reason: "missing hostname"}
	}

	if err := assertNotSSRFTarget(host, cfg.resolver); err != nil {
		return nil, err
	}

	rd := domainparse.Extract(normalized)

	data, failure := fetchNetworkData(normalized, host, cfg.breakers, cfg.probeTimeout)

	e := &Extractor{
		rawURL:           rawURL,
		normalizedURL:    normalized,
		host:             host,
		registeredDomain: rd,
		failure:          failure,
		data:             data,
	}

	if cfg.probeCert {
		if notBefore, ok := certNotBefore(host, cfg.probeTimeout); ok {
			e.certAge = time.Since(notBefore)
			e.hasCert = true
		}
	}

	e.vector = e.computeAll()
	return e, nil
}

// assertNotSSRFTarget resolves host and rejects it if any resolved address
// falls inside a private/loopback/link-local range. Per the reference
// implementation's semantics, a DNS resolution failure is NOT a rejection
// — an unresolvable hostname might still be a legitimately-unreachable
// public domain under test, so it is left to the HTTP probe to fail later.
func assertNotSSRFTarget(host string, resolver func(string) ([]net.IP, error)) error {
	if ip := net.ParseIP(host); ip != nil {
		if ipBlocked(ip) {
			return &pherrors.InvalidURLError{URL: host, Reason: "SSRF protection: blocked local/private IP address"}
		}
		return nil
	}

	ips, err := resolver(host)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if ipBlocked(ip) {
			return &pherrors.InvalidURLError{URL: host, Reason: "SSRF protection: blocked local/private IP address"}
		}
	}
	return nil
}

// Features returns the 30-element heuristic vector.
func (e *Extractor) Features() Vector { return e.vector }

// FailureFlags returns which of the three network probes failed.
func (e *Extractor) FailureFlags() FailureFlags { return e.failure }

// FeatureVector33 returns the model's full 33-wide input: the 30 features
// followed by the 3 failure indicators (spec.md §4.6 step 7).
func (e *Extractor) FeatureVector33() [33]float64 {
	var out [33]float64
	for i, v := range e.vector {
		out[i] = float64(v)
	}
	ind := e.failure.Indicators()
	out[30] = float64(ind[0])
	out[31] = float64(ind[1])
	out[32] = float64(ind[2])
	return out
}

// RegisteredDomain exposes the parsed eTLD+1, used by the pipeline for
// logging and by the invariant reporter's defence-in-depth check.
func (e *Extractor) RegisteredDomain() domainparse.RegisteredDomain { return e.registeredDomain }

// Explanations builds C4's human-readable explanation buckets (spec.md
// §4.4): every feature is classified as a phishing signal, a safe signal,
// or (if it depends on a failed probe) a failed feature — never counted
// twice.
func (e *Extractor) Explanations() Explanation {
	var out Explanation
	for i, name := range featureNames {
		if e.dependsOnFailedProbe(name) {
			out.FailedFeatures = append(out.FailedFeatures, Signal{
				Name:        name,
				Description: featureDescriptions[name],
			})
			continue
		}
		switch e.vector[i] {
		case -1:
			severity := "medium"
			if name == "using_ip_address" || name == "is_shortener" {
				severity = "high"
			}
			out.PhishingSignals = append(out.PhishingSignals, Signal{
				Name:        name,
				Description: featureDescriptions[name],
				Severity:    severity,
			})
		case 1:
			out.SafeSignals = append(out.SafeSignals, Signal{
				Name:        name,
				Description: featureDescriptions[name],
			})
		}
	}
	return out
}

func (e *Extractor) dependsOnFailedProbe(name string) bool {
	if featureDependsOnHTTP[name] && e.failure.HTTPFailed {
		return true
	}
	if featureDependsOnWHOIS[name] && e.failure.WHOISFailed {
		return true
	}
	if featureDependsOnDNS[name] && e.failure.DNSFailed {
		return true
	}
	return false
}

// computeAll runs every feature method in the canonical order. Each
// method independently enforces the "0 on failed-probe dependency"
// invariant; computeAll does not second-guess them, but the contract test
// in extractor_test.go cross-checks every dependent feature against
// FailureFlags to make sure no implementation drifts.
func (e *Extractor) computeAll() Vector {
	return Vector{
		e.usingIPAddress(),
		e.urlLength(),
		e.isShortener(),
		e.hasAtSymbol(),
		e.hasDoubleSlashRedirect(),
		e.hasDashInDomain(),
		e.subdomainCount(),
		e.hasHTTPS(),
		e.domainRegistrationLength(),
		e.externalFavicon(),
		e.nonStandardPort(),
		e.httpsInDomainName(),
		e.externalResourcesRatio(),
		e.unsafeAnchorsRatio(),
		e.externalScriptsRatio(),
		e.suspiciousFormHandler(),
		e.hasMailtoLinks(),
		e.abnormalURLWhois(),
		e.redirectCount(),
		e.statusBarManipulation(),
		e.rightClickDisabled(),
		e.popupWindows(),
		e.iframePresent(),
		e.domainAge(),
		e.hasDNSRecord(),
		e.urlEntropy(),
		e.homoglyphDetected(),
		e.certificateAge(),
		e.externalLinksCount(),
		e.statisticalReportMatch(),
	}
}

func (e *Extractor) externalSrc(src string) bool {
	return src != "" && strings.HasPrefix(src, "http") && !strings.Contains(src, e.host)
}

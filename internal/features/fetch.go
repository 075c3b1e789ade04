package features

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/domainr/whois"
	"github.com/miekg/dns"

	"github.com/phishguard/phishguard/internal/circuitbreaker"
)

// netData is everything the three parallel probes populate. It is written
// once by fetchNetworkData and read-only thereafter, so the feature
// methods need no further synchronisation.
type netData struct {
	// HTTP
	finalURL     string
	statusCode   int
	redirectHops int
	body         string
	doc          *goquery.Document

	// WHOIS
	whoisText         string
	whoisCreationDate time.Time
	whoisHasCreation  bool

	// DNS
	dnsIPs []string
}

// httpUserAgent mirrors a realistic browser string; some phishing sites
// serve different content (or nothing) to bots.
const httpUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) PhishguardFeatureProbe/1.0"

// fetchNetworkData runs the HTTP, WHOIS, and DNS probes concurrently, each
// guarded by its own circuit breaker, each bounded by probeTimeout. Any
// probe's failure only sets the corresponding FailureFlags bit; it never
// aborts the other two.
func fetchNetworkData(rawURL, host string, breakers *circuitbreaker.PipelineBreakers, probeTimeout time.Duration) (netData, FailureFlags) {
	var (
		data netData
		fail FailureFlags
		wg   sync.WaitGroup
		mu   sync.Mutex
	)

	wg.Add(3)

	go func() {
		defer wg.Done()
		d, err := fetchHTTP(rawURL, breakers, probeTimeout)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			fail.HTTPFailed = true
			fail.HTTPError = err.Error()
			return
		}
		data.finalURL = d.finalURL
		data.statusCode = d.statusCode
		data.redirectHops = d.redirectHops
		data.body = d.body
		data.doc = d.doc
	}()

	go func() {
		defer wg.Done()
		text, err := fetchWHOIS(host, breakers, probeTimeout)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			fail.WHOISFailed = true
			fail.WHOISError = err.Error()
			return
		}
		data.whoisText = text
		if created, ok := parseWHOISCreationDate(text); ok {
			data.whoisCreationDate = created
			data.whoisHasCreation = true
		}
	}()

	go func() {
		defer wg.Done()
		ips, err := fetchDNS(host, breakers, probeTimeout)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			fail.DNSFailed = true
			fail.DNSError = err.Error()
			return
		}
		data.dnsIPs = ips
	}()

	wg.Wait()
	return data, fail
}

func fetchHTTP(rawURL string, breakers *circuitbreaker.PipelineBreakers, timeout time.Duration) (netData, error) {
	run := func() (netData, error) {
		var hops int
		client := &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				hops = len(via)
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		}
		req, err := http.NewRequest(http.MethodGet, rawURL, nil)
		if err != nil {
			return netData{}, err
		}
		req.Header.Set("User-Agent", httpUserAgent)

		resp, err := client.Do(req)
		if err != nil {
			return netData{}, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
		if err != nil {
			return netData{}, err
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
		if err != nil {
			doc = nil
		}
		return netData{
			finalURL:     resp.Request.URL.String(),
			statusCode:   resp.StatusCode,
			redirectHops: hops,
			body:         string(body),
			doc:          doc,
		}, nil
	}

	if breakers == nil {
		return run()
	}
	return circuitbreaker.ExecuteWithFallback(breakers.HTTP, run, func(err error) (netData, error) {
		return netData{}, err
	})
}

func fetchWHOIS(host string, breakers *circuitbreaker.PipelineBreakers, timeout time.Duration) (string, error) {
	run := func() (string, error) {
		req, err := whois.NewRequest(host)
		if err != nil {
			return "", fmt.Errorf("whois request: %w", err)
		}
		res, err := whois.NewClient(timeout).Fetch(req)
		if err != nil {
			return "", fmt.Errorf("whois fetch: %w", err)
		}
		return string(res.Body), nil
	}

	if breakers == nil {
		return run()
	}
	return circuitbreaker.ExecuteWithFallback(breakers.WHOIS, run, func(err error) (string, error) {
		return "", err
	})
}

func fetchDNS(host string, breakers *circuitbreaker.PipelineBreakers, timeout time.Duration) ([]string, error) {
	run := func() ([]string, error) {
		c := &dns.Client{Timeout: timeout}
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), dns.TypeA)

		r, _, err := c.Exchange(m, resolverAddr())
		if err != nil {
			return nil, fmt.Errorf("dns exchange: %w", err)
		}
		if r.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("dns rcode %s", dns.RcodeToString[r.Rcode])
		}
		var ips []string
		for _, ans := range r.Answer {
			if a, ok := ans.(*dns.A); ok {
				ips = append(ips, a.A.String())
			}
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no A records for %s", host)
		}
		return ips, nil
	}

	if breakers == nil {
		return run()
	}
	return circuitbreaker.ExecuteWithFallback(breakers.DNS, run, func(err error) ([]string, error) {
		return nil, err
	})
}

// resolverAddr is the recursive resolver used for the DNS probe. A fixed
// well-known resolver keeps the probe independent of the host's local
// /etc/resolv.conf, which may itself be unavailable in minimal containers.
func resolverAddr() string {
	return "1.1.1.1:53"
}

// parseWHOISCreationDate does a best-effort scrape of a raw WHOIS text
// blob for a creation date line. WHOIS has no universal schema; this
// covers the common "Creation Date:" / "created:" conventions used by the
// gTLD and most ccTLD registries.
func parseWHOISCreationDate(text string) (time.Time, bool) {
	lowered := strings.ToLower(text)
	for _, label := range []string{"creation date:", "created:", "created on:", "registered on:"} {
		idx := strings.Index(lowered, label)
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(text[idx+len(label):])
		line := rest
		if nl := strings.IndexAny(rest, "\r\n"); nl >= 0 {
			line = rest[:nl]
		}
		line = strings.TrimSpace(line)
		for _, layout := range []string{
			time.RFC3339,
			"2006-01-02T15:04:05Z",
			"2006-01-02 15:04:05",
			"2006-01-02",
			"02-Jan-2006",
			"2006.01.02",
		} {
			if t, err := time.Parse(layout, line); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// certNotBefore opens a TLS connection to host:443 and returns the leaf
// certificate's NotBefore timestamp, used by the certificate_age feature.
// Hostname verification is intentionally skipped (ssl.CERT_OPTIONAL in the
// reference implementation): a self-signed or mismatched cert should not
// crash the probe, only make the age look suspicious via the other
// features.
func certNotBefore(host string, timeout time.Duration) (time.Time, bool) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", host+":443", &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		return time.Time{}, false
	}
	defer conn.Close()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return time.Time{}, false
	}
	return certs[0].NotBefore, true
}

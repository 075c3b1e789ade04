// Package domainparse extracts the registered domain (eTLD+1) from a URL or
// bare host string. It is the security-critical leaf the rest of the trust
// and governance stack builds on: every other component's "which domain is
// this request about" question routes through Extract.
package domainparse

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// RegisteredDomain is the (label, public-suffix) pair spec.md §3 defines.
// The zero value is invalid and by construction can never equal a real
// allowlist entry, which is how unparseable input fails closed.
type RegisteredDomain struct {
	Label  string
	Suffix string
}

// Valid reports whether both parts are non-empty.
func (r RegisteredDomain) Valid() bool {
	return r.Label != "" && r.Suffix != ""
}

// String renders the canonical "label.suffix" form used for equality and
// set membership. The zero value renders as "".
func (r RegisteredDomain) String() string {
	if !r.Valid() {
		return ""
	}
	return r.Label + "." + r.Suffix
}

// Extract parses a URL or bare host string and returns its RegisteredDomain.
//
// Adversarial contract (spec.md §4.1): "trusted.tld.attacker.tld" must parse
// to "attacker.tld", never "trusted.tld" — the public suffix list always
// anchors from the right, so a prefix that merely contains a trusted label
// has no special status. Hyphenated lookalikes ("google-login.com") parse
// to themselves; homoglyph normalisation is deliberately not performed here.
//
// On unparseable input, Extract returns a zero RegisteredDomain. It never
// returns an error for malformed strings — the empty result is itself the
// failure signal, since it can never match an allowlist entry.
func Extract(urlOrHost string) RegisteredDomain {
	host := hostOf(urlOrHost)
	if host == "" {
		return RegisteredDomain{}
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Not valid IDNA (e.g. contains illegal label characters); fall
		// back to the lowercased raw host rather than failing closed on
		// every exotic but harmless input.
		ascii = strings.ToLower(host)
	}

	if ip := net.ParseIP(ascii); ip != nil {
		// Bare IP literals have no registered domain.
		return RegisteredDomain{}
	}

	suffix, icann := publicsuffix.PublicSuffix(ascii)
	if suffix == "" {
		return RegisteredDomain{}
	}
	if !icann && !publicsuffix.IsPublicSuffix(suffix) {
		return RegisteredDomain{}
	}

	etld1, err := publicsuffix.EffectiveTLDPlusOne(ascii)
	if err != nil {
		// ascii *is* a bare public suffix (e.g. "gov", "co.uk") with no
		// label in front of it. The result carries only the suffix and is
		// not Valid(), so the trust gate treats such a host as
		// unparseable; allowlisted bare suffixes match through the Suffix
		// of a full registered domain instead.
		if ascii == suffix {
			return RegisteredDomain{Label: "", Suffix: suffix}
		}
		return RegisteredDomain{}
	}

	label := strings.TrimSuffix(etld1, "."+suffix)
	if label == "" || label == etld1 {
		return RegisteredDomain{}
	}
	return RegisteredDomain{Label: label, Suffix: suffix}
}

// Suffix returns just the public suffix of a URL or host string, used by
// the trust gate's "bare suffix" check (all of .gov, for instance).
func Suffix(urlOrHost string) string {
	host := hostOf(urlOrHost)
	if host == "" {
		return ""
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		ascii = strings.ToLower(host)
	}
	suffix, _ := publicsuffix.PublicSuffix(ascii)
	return suffix
}

// hostOf normalises a URL or bare host string down to its lowercase
// hostname with scheme, path, query, any port, and trailing dot
// stripped.
func hostOf(urlOrHost string) string {
	s := strings.TrimSpace(urlOrHost)
	if s == "" {
		return ""
	}

	host := s
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return ""
		}
		host = u.Host
	} else if strings.Contains(s, "/") {
		// Scheme-less "host/path" form.
		host = strings.SplitN(s, "/", 2)[0]
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" || strings.ContainsAny(host, " \t\n") {
		return ""
	}
	return host
}

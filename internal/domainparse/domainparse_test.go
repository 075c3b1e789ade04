package domainparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract_BasicURL(t *testing.T) {
	rd := Extract("https://accounts.google.com/signin")
	assert.Equal(t, "google.com", rd.String())
}

func TestExtract_BareHost(t *testing.T) {
	rd := Extract("accounts.google.com")
	assert.Equal(t, "google.com", rd.String())
}

func TestExtract_AdversarialSuffixAttack(t *testing.T) {
	// "google.com.evil.xyz" must parse to "evil.xyz", never "google.com".
	rd := Extract("https://google.com.evil.xyz/login")
	assert.Equal(t, "evil.xyz", rd.String())
}

func TestExtract_HyphenatedLookalikeIsItself(t *testing.T) {
	rd := Extract("https://google-login.com")
	assert.Equal(t, "google-login.com", rd.String())
}

func TestExtract_PortStripped(t *testing.T) {
	rd := Extract("https://example.com:8443/path")
	assert.Equal(t, "example.com", rd.String())
}

func TestExtract_CoUKSecondLevel(t *testing.T) {
	rd := Extract("https://www.bbc.co.uk")
	assert.Equal(t, "bbc.co.uk", rd.String())
}

func TestExtract_UnparseableReturnsZeroValue(t *testing.T) {
	rd := Extract("not a url at all ???")
	assert.False(t, rd.Valid())
	assert.Equal(t, "", rd.String())
}

func TestExtract_IPLiteralHasNoRegisteredDomain(t *testing.T) {
	rd := Extract("http://127.0.0.1/")
	assert.False(t, rd.Valid(), "expected invalid RegisteredDomain for IP literal, got %+v", rd)
}

func TestExtract_Idempotent(t *testing.T) {
	x := "https://accounts.google.com/path"
	first := Extract(x)
	second := Extract(first.String())
	assert.Equal(t, first, second, "extract not idempotent")
}

func TestSuffix_BareGov(t *testing.T) {
	assert.Equal(t, "gov", Suffix("whitehouse.gov"))
}

package blocklist

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phishguard/phishguard/internal/circuitbreaker"
)

func TestCheck_ExactURLMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("http://evil.example.com/login\n"))
	}))
	defer srv.Close()

	sources := []Source{{Name: "openphish", FetchURL: srv.URL, Format: FormatLineList}}
	c := NewCache(sources, circuitbreaker.NewPipelineBreakers(), time.Hour, 5*time.Second)

	res := c.Check("http://evil.example.com/login")
	if !res.IsBlocked || res.Confidence != 0.99 {
		t.Fatalf("expected exact match with confidence 0.99, got %+v", res)
	}
}

func TestCheck_RegisteredDomainMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("http://sub.evil-bank.com/anything\n"))
	}))
	defer srv.Close()

	sources := []Source{{Name: "openphish", FetchURL: srv.URL, Format: FormatLineList}}
	c := NewCache(sources, circuitbreaker.NewPipelineBreakers(), time.Hour, 5*time.Second)

	res := c.Check("http://sub.evil-bank.com/somewhere-else")
	if !res.IsBlocked || res.Confidence != 0.85 {
		t.Fatalf("expected registered-domain match with confidence 0.85, got %+v", res)
	}
}

func TestCheck_NotBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("http://evil.example.com/login\n"))
	}))
	defer srv.Close()

	sources := []Source{{Name: "openphish", FetchURL: srv.URL, Format: FormatLineList}}
	c := NewCache(sources, circuitbreaker.NewPipelineBreakers(), time.Hour, 5*time.Second)

	res := c.Check("http://totally-fine.com")
	if res.IsBlocked {
		t.Fatalf("expected no match, got %+v", res)
	}
}

func TestRefresh_FailingSourceDoesNotClearOthers(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("http://good-source-evil.com/x\n"))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	sources := []Source{
		{Name: "openphish", FetchURL: good.URL, Format: FormatLineList},
		{Name: "urlhaus", FetchURL: bad.URL, Format: FormatCSVColumn, Column: 2},
	}
	c := NewCache(sources, circuitbreaker.NewPipelineBreakers(), time.Hour, 5*time.Second)

	res := c.Check("http://good-source-evil.com/x")
	if !res.IsBlocked {
		t.Fatalf("expected the surviving source's entries to remain available, got %+v", res)
	}
}

func TestCheck_CSVColumnFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("id,date,url,status\n1,2024-01-01,http://urlhaus-evil.com/x,online\n"))
	}))
	defer srv.Close()

	sources := []Source{{Name: "urlhaus", FetchURL: srv.URL, Format: FormatCSVColumn, Column: 2}}
	c := NewCache(sources, circuitbreaker.NewPipelineBreakers(), time.Hour, 5*time.Second)

	res := c.Check("http://urlhaus-evil.com/x")
	if !res.IsBlocked {
		t.Fatalf("expected csv-column source to be parsed, got %+v", res)
	}
}

func TestCheck_JSONArrayFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"url":"http://phishtank-evil.com/x"}]`))
	}))
	defer srv.Close()

	sources := []Source{{Name: "phishtank", FetchURL: srv.URL, Format: FormatJSONArray}}
	c := NewCache(sources, circuitbreaker.NewPipelineBreakers(), time.Hour, 5*time.Second)

	res := c.Check("http://phishtank-evil.com/x")
	if !res.IsBlocked {
		t.Fatalf("expected json-array source to be parsed, got %+v", res)
	}
}

// Package api implements the external HTTP surface (spec.md §6):
// /health, /scan, /api/batch-scan, /api/governance/status,
// /api/governance/unfreeze, /api/trusted-domains, /metrics — a thin
// wrapper around the Decision Pipeline and Governance Controller,
// following the teacher's gorilla/mux router-plus-CORS server shape
// (internal/api/server.go).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phishguard/phishguard/internal/governance"
	"github.com/phishguard/phishguard/internal/invariant"
	"github.com/phishguard/phishguard/internal/middleware"
	"github.com/phishguard/phishguard/internal/pherrors"
	"github.com/phishguard/phishguard/internal/pipeline"
	"github.com/phishguard/phishguard/internal/telemetry"
	"github.com/phishguard/phishguard/internal/trustgate"
)

const maxBatchSize = 50

// Server is the external collaborator HTTP surface. It holds no
// business logic of its own; every handler delegates to its
// collaborators and marshals the result.
type Server struct {
	pipeline   *pipeline.Pipeline
	governance *governance.Controller
	invariant  *invariant.Reporter
	trust      *trustgate.Gate
	adminKey   string
	metrics    *telemetry.Metrics
}

// NewServer constructs a Server wiring the external HTTP interface.
func NewServer(p *pipeline.Pipeline, g *governance.Controller, inv *invariant.Reporter, trust *trustgate.Gate, adminKey string, metrics *telemetry.Metrics) *Server {
	return &Server{pipeline: p, governance: g, invariant: inv, trust: trust, adminKey: adminKey, metrics: metrics}
}

// Router builds the gorilla/mux router with every route and the CORS
// middleware installed, grounded on the teacher's internal/api/server.go
// NewAPIServer/Start pattern.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.CORS)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/scan", middleware.FreezeGate(s.invariant, http.HandlerFunc(s.handleScan))).Methods(http.MethodPost)
	r.Handle("/api/batch-scan", middleware.FreezeGate(s.invariant, http.HandlerFunc(s.handleBatchScan))).Methods(http.MethodPost)
	r.HandleFunc("/api/governance/status", s.handleGovernanceStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/governance/unfreeze", middleware.RequireAdminKey(s.adminKey, s.handleUnfreeze)).Methods(http.MethodPost)
	r.HandleFunc("/api/trusted-domains", s.handleTrustedDomains).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// ListenAndServe starts the HTTP server on port, logging the way the
// teacher's Start method does (emoji-prefixed startup line).
func (s *Server) ListenAndServe(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("🚀 phishguard API listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	frozen, err := s.governance.IsFrozen()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"pipeline_ready":       true,
		"governance_available": err == nil,
		"frozen":               frozen,
	})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "malformed JSON body"})
		return
	}

	start := time.Now()
	result, err := s.pipeline.Analyze(req.URL)
	elapsed := time.Since(start)
	latencyMs := elapsed.Milliseconds()
	if err != nil {
		writeScanError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.ScanDuration.WithLabelValues(string(result.Verdict)).Observe(elapsed.Seconds())
	}

	resp := map[string]any{
		"success":    true,
		"result":     result,
		"risk_level": riskLevel(result.Verdict),
		"latency_ms": latencyMs,
	}
	if result.FailureFlags != nil && result.FailureFlags.AnyFailed() {
		resp["network_issues"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatchScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.URLs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "malformed request body"})
		return
	}
	if len(req.URLs) > maxBatchSize {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": fmt.Sprintf("batch exceeds maximum of %d urls", maxBatchSize)})
		return
	}

	results := make([]any, 0, len(req.URLs))
	var phishingCount, safeCount, suspiciousCount int
	for _, u := range req.URLs {
		result, err := s.pipeline.Analyze(u)
		if err != nil {
			results = append(results, map[string]any{"url": u, "error": err.Error()})
			continue
		}
		results = append(results, result)
		switch result.Verdict {
		case pipeline.Phishing:
			phishingCount++
		case pipeline.Safe:
			safeCount++
		case pipeline.Suspicious:
			suspiciousCount++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"results":          results,
		"total":            len(req.URLs),
		"phishing_count":   phishingCount,
		"safe_count":       safeCount,
		"suspicious_count": suspiciousCount,
	})
}

func (s *Server) handleGovernanceStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.governance.GetSafetyStatus()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": status})
}

func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force  bool   `json:"force"`
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Force {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "request body must set force=true"})
		return
	}
	incidentID := req.Ticket
	if incidentID == "" {
		if status, err := s.governance.GetSafetyStatus(); err == nil {
			incidentID = status.Freeze.IncidentID
		}
	}
	justification := fmt.Sprintf("manual unfreeze via admin API, ticket=%q", req.Ticket)
	if err := s.governance.ResumeFromFreeze("admin-api", incidentID, justification); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "system resumed from freeze"})
}

func (s *Server) handleTrustedDomains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"sample":  s.trust.Sample(50),
		"total":   s.trust.Size(),
	})
}

func writeScanError(w http.ResponseWriter, err error) {
	var invalidURL *pherrors.InvalidURLError
	var frozen *pherrors.SystemFrozenError
	switch {
	case errors.As(err, &invalidURL):
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
	case errors.As(err, &frozen):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
	}
}

func riskLevel(v pipeline.Verdict) string {
	switch v {
	case pipeline.Phishing:
		return "high"
	case pipeline.Suspicious:
		return "medium"
	default:
		return "low"
	}
}

// Package middleware holds the HTTP-layer guards that sit in front of
// the Decision Pipeline and the governance administrative endpoints:
// the freeze-gate (mapping a frozen system to 503 before a handler ever
// runs the pipeline) and the admin-key check guarding
// POST /api/governance/unfreeze.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/phishguard/phishguard/internal/invariant"
	"github.com/phishguard/phishguard/internal/pherrors"
)

// CORS mirrors the teacher's permissive-CORS middleware
// (internal/api/server.go), reused as-is since the external interface
// has the same "React-style frontend, JSON API" shape.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Admin-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FreezeGate refuses every request with 503 while the system is frozen,
// before any handler touches the pipeline (spec.md §4.6 step 1, §4.7
// "the Pipeline's freeze gate short-circuits all analysis with 503").
// Read-only governance endpoints are expected to register outside this
// gate's route group.
func FreezeGate(reporter *invariant.Reporter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := reporter.AssertSystemOperational(); err != nil {
			var frozenErr *pherrors.SystemFrozenError
			if errors.As(err, &frozenErr) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]any{
					"success": false,
					"error":   "system frozen",
					"reason":  frozenErr.Reason,
				})
				return
			}
			log.Printf("freeze gate: unexpected error asserting operational state: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdminKey guards the unfreeze endpoint: the caller must present
// X-Admin-Key matching the configured admin key, compared in constant
// time to avoid a timing side channel on the comparison itself.
func RequireAdminKey(adminKey string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		supplied := r.Header.Get("X-Admin-Key")
		if adminKey == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(adminKey)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "invalid or missing X-Admin-Key"})
			return
		}
		next(w, r)
	}
}

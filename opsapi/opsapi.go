// Package opsapi is the operator control-plane HTTP surface: pause/resume
// ingestion, stats viewing, forced sync tick, bearer-token gated. Grounded
// on the teacher's status_server_admin_auth.go/status_server_admin_handlers.go
// shape, swapped from a cookie session table to a stateless JWT bearer
// token since this core has no browser login flow.
package opsapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Controls is the slice of orchestrator control the ops API exposes.
type Controls interface {
	PauseIngestion()
	ResumeIngestion()
	IsPaused() bool
	ForceSyncTick()
	StatsSnapshot() any
}

// Server is the operator HTTP API.
type Server struct {
	controls   Controls
	signingKey []byte
	mux        *http.ServeMux
}

func New(controls Controls, signingKey string) *Server {
	s := &Server{controls: controls, signingKey: []byte(signingKey), mux: http.NewServeMux()}
	s.mux.HandleFunc("/ops/pause", s.withAuth(s.handlePause))
	s.mux.HandleFunc("/ops/resume", s.withAuth(s.handleResume))
	s.mux.HandleFunc("/ops/sync", s.withAuth(s.handleSync))
	s.mux.HandleFunc("/ops/stats", s.withAuth(s.handleStats))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// IssueToken mints an operator bearer token valid for ttl, signed with the
// server's configured secret.
func (s *Server) IssueToken(operator string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": operator,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.signingKey)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		tokenStr := strings.TrimPrefix(auth, prefix)
		_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			return s.signingKey, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.controls.PauseIngestion()
	writeJSON(w, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.controls.ResumeIngestion()
	writeJSON(w, map[string]any{"paused": false})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.controls.ForceSyncTick()
	writeJSON(w, map[string]any{"sync_triggered": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.controls.StatsSnapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// PausedFlag is a standalone atomic pause switch (Pause/Resume/IsPaused).
// The orchestrator does not use it; it keeps its own atomic.Bool behind
// Controls.IsPaused/PauseIngestion/ResumeIngestion.
type PausedFlag struct {
	paused atomic.Bool
}

func (f *PausedFlag) Pause()        { f.paused.Store(true) }
func (f *PausedFlag) Resume()       { f.paused.Store(false) }
func (f *PausedFlag) IsPaused() bool { return f.paused.Load() }

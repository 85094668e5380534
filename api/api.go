// Package api is the farmer-facing HTTP surface: partial submission, pool
// info, and stats. Grounded on the teacher's status_server_http.go request
// routing and status_server_cache.go's cached-JSON-response pattern, with
// the sonic/stdlib jsonx split kept exactly as jsonx_sonic.go/jsonx_std.go
// does it.
package api

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"

	"pospacepool/validator"
)

// Submitter accepts a decoded partial and returns its validation outcome.
// Implemented by the orchestrator, which enqueues the partial onto its
// bounded worker queue and waits for a worker to produce a result (or for
// ctx to expire). Submit returns ErrQueueFull when backpressure applies.
type Submitter interface {
	Submit(ctx context.Context, p validator.Partial) (validator.Outcome, error)
}

// ErrQueueFull is returned by Submitter.Submit when the partial queue has
// no room, so the HTTP layer can answer with a 503-equivalent.
var ErrQueueFull = errQueueFull{}

type errQueueFull struct{}

func (errQueueFull) Error() string { return "partial queue is full" }

// PoolInfoProvider supplies the slow-changing pool-identity fields for
// GET /pool_info.
type PoolInfoProvider interface {
	PoolInfo() PoolInfo
}

type PoolInfo struct {
	Name              string  `json:"name"`
	FeePercent        float64 `json:"fee_percent"`
	MinDifficulty     uint64  `json:"min_difficulty"`
	MaxDifficulty     uint64  `json:"max_difficulty"`
	TargetPartialsDay uint64  `json:"target_partials_per_day"`
	RelativeLockHeight uint32 `json:"relative_lock_height"`
}

// StatsProvider supplies the current operational snapshot for GET /stats.
type StatsProvider interface {
	StatsSnapshot() any
}

// AuthIssuer mints a farmer auth token bound to a BLS public key, per spec
// §4.8's join flow. Implemented by the orchestrator, which delegates to its
// session token store.
type AuthIssuer interface {
	IssueAuthToken(pubkey [48]byte) (AuthToken, error)
}

// AuthToken is the wire-facing view of session.AuthToken: the 64-byte
// payload a farmer signs with its BLS key on subsequent requests, plus its
// expiry.
type AuthToken struct {
	Payload   [64]byte
	ExpiresAt time.Time
}

type authTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type cachedResponse struct {
	payload   []byte
	updatedAt time.Time
	expiresAt time.Time
}

// Server is the farmer-facing HTTP API.
type Server struct {
	submitter Submitter
	poolInfo  PoolInfoProvider
	stats     StatsProvider
	authIssuer AuthIssuer
	cacheTTL  time.Duration

	mux *http.ServeMux

	jsonCacheMu sync.RWMutex
	jsonCache   map[string]cachedResponse
}

func New(submitter Submitter, poolInfo PoolInfoProvider, stats StatsProvider, authIssuer AuthIssuer, cacheTTL time.Duration) *Server {
	s := &Server{
		submitter:  submitter,
		poolInfo:   poolInfo,
		stats:      stats,
		authIssuer: authIssuer,
		cacheTTL:   cacheTTL,
		mux:        http.NewServeMux(),
		jsonCache:  make(map[string]cachedResponse),
	}
	s.mux.HandleFunc("/partial", s.handlePartial)
	s.mux.HandleFunc("/pool_info", s.handlePoolInfo)
	s.mux.HandleFunc("/stats", s.handleStats)
	s.mux.HandleFunc("/auth_token", s.handleAuthToken)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// partialRequest mirrors the wire shape from spec §6: hex-encoded fixed
// fields plus the scalar ones.
type partialRequest struct {
	LauncherID string `json:"launcher_id"`
	Challenge  string `json:"challenge"`
	Proof      string `json:"proof"`
	Signature  string `json:"signature"`
	Timestamp  int64  `json:"timestamp"`
	Difficulty uint64 `json:"difficulty"`
	PlotSize   uint8  `json:"plot_size"`
}

type partialResponse struct {
	Accepted bool   `json:"accepted"`
	Points   uint64 `json:"points,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handlePartial(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req partialRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, partialResponse{Accepted: false, Reason: "malformed request body"})
		return
	}

	p, err := decodePartial(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, partialResponse{Accepted: false, Reason: err.Error()})
		return
	}

	outcome, err := s.submitter.Submit(r.Context(), p)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, partialResponse{Accepted: false, Reason: "pool temporarily unavailable, retry"})
		return
	}
	if !outcome.Valid {
		writeJSON(w, http.StatusBadRequest, partialResponse{Accepted: false, Reason: outcome.Reject.String()})
		return
	}
	writeJSON(w, http.StatusOK, partialResponse{Accepted: true, Points: outcome.Points})
}

func decodePartial(req partialRequest) (validator.Partial, error) {
	var p validator.Partial
	launcherID, err := decodeHex32(req.LauncherID)
	if err != nil {
		return p, errBadField("launcher_id")
	}
	challenge, err := decodeHex32(req.Challenge)
	if err != nil {
		return p, errBadField("challenge")
	}
	proof, err := hex.DecodeString(req.Proof)
	if err != nil {
		return p, errBadField("proof")
	}
	sigBytes, err := hex.DecodeString(req.Signature)
	if err != nil || len(sigBytes) != 96 {
		return p, errBadField("signature")
	}
	var sig [96]byte
	copy(sig[:], sigBytes)

	p.LauncherID = launcherID
	p.Challenge = challenge
	p.Proof = proof
	p.Signature = sig
	p.ReceiveTimestamp = time.Unix(req.Timestamp, 0).UTC()
	p.NominalDifficulty = req.Difficulty
	p.KSize = req.PlotSize
	return p, nil
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, errFieldLen
	}
	copy(out[:], b)
	return out, nil
}

var errFieldLen = fieldLenErr{}

type fieldLenErr struct{}

func (fieldLenErr) Error() string { return "wrong field length" }

func errBadField(name string) error { return fieldErr{name: name} }

type fieldErr struct{ name string }

func (e fieldErr) Error() string { return "invalid field: " + e.name }

type authTokenRequest struct {
	PublicKey string `json:"public_key"`
}

// handleAuthToken implements spec §4.8's join flow: a farmer presents its
// BLS public key and receives a 64-byte token to sign on subsequent
// requests.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req authTokenRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	pkBytes, err := hex.DecodeString(req.PublicKey)
	if err != nil || len(pkBytes) != 48 {
		http.Error(w, "invalid field: public_key", http.StatusBadRequest)
		return
	}
	var pk [48]byte
	copy(pk[:], pkBytes)

	tok, err := s.authIssuer.IssueAuthToken(pk)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, authTokenResponse{
		Token:     hex.EncodeToString(tok.Payload[:]),
		ExpiresAt: tok.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handlePoolInfo(w http.ResponseWriter, r *http.Request) {
	s.serveCachedJSON(w, "pool_info", s.cacheTTL, func() ([]byte, error) {
		return fastJSONMarshal(s.poolInfo.PoolInfo())
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.serveCachedJSON(w, "stats", s.cacheTTL, func() ([]byte, error) {
		return fastJSONMarshal(s.stats.StatsSnapshot())
	})
}

func (s *Server) cachedJSONResponse(key string, ttl time.Duration, build func() ([]byte, error)) ([]byte, time.Time, time.Time, error) {
	now := time.Now()
	s.jsonCacheMu.RLock()
	entry, ok := s.jsonCache[key]
	if ok && now.Before(entry.expiresAt) && len(entry.payload) > 0 {
		payload := entry.payload
		s.jsonCacheMu.RUnlock()
		return payload, entry.updatedAt, entry.expiresAt, nil
	}
	s.jsonCacheMu.RUnlock()

	payload, err := build()
	if err != nil {
		return nil, time.Time{}, time.Time{}, err
	}

	updatedAt := time.Now()
	s.jsonCacheMu.Lock()
	s.jsonCache[key] = cachedResponse{payload: payload, updatedAt: updatedAt, expiresAt: updatedAt.Add(ttl)}
	s.jsonCacheMu.Unlock()
	return payload, updatedAt, updatedAt.Add(ttl), nil
}

func (s *Server) serveCachedJSON(w http.ResponseWriter, key string, ttl time.Duration, build func() ([]byte, error)) {
	payload, updatedAt, expiresAt, err := s.cachedJSONResponse(key, ttl, build)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("X-JSON-Updated-At", updatedAt.UTC().Format(time.RFC3339))
	w.Header().Set("X-JSON-Next-Update-At", expiresAt.UTC().Format(time.RFC3339))
	w.Write(payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := fastJSONMarshal(v)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

func decodeJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	return fastJSONUnmarshal(buf, v)
}

// Package session implements the farmer session table, per-farmer
// fixed-window per-minute rate limiter, and BLS-bound auth token issue/validate of
// spec §4.8. Grounded on the teacher's status_server_admin_auth.go
// (adminSessions map + mutex, generateAdminToken via crypto/rand,
// prune-expired sweep), generalized from one admin cookie table to
// per-farmer sessions plus a token store, and on its acceptRateLimiter
// token-bucket accept limiter, generalized to the per-farmer request
// counter here.
package session

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"pospacepool/cryptoverify"
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionExpired  = errors.New("session: expired")
	ErrTokenExpired    = errors.New("session: token expired")
	ErrTokenNotFound   = errors.New("session: token not found")
	ErrBadTokenSig     = errors.New("session: signature does not match token")
)

const (
	SessionIDSize   = 32
	FarmerIDSize    = 32
	AuthTokenSize   = 64
	sessionTTL      = time.Hour
	authTokenTTL    = 24 * time.Hour
)

// Session is spec §3's Session entity.
type Session struct {
	ID             [SessionIDSize]byte
	FarmerID       [FarmerIDSize]byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
	RequestCount   uint64
	Authenticated  bool
}

// Table is the farmer session store. One instance is owned exclusively by
// the orchestrator (spec §3's ownership rule); a single mutex is
// acceptable per spec §5 ("session table and rate-limit table: single
// mutex each is acceptable; sharding optional").
type Table struct {
	mu       sync.Mutex
	sessions map[[SessionIDSize]byte]*Session
	ttl      time.Duration
}

func NewTable() *Table {
	return &Table{sessions: make(map[[SessionIDSize]byte]*Session), ttl: sessionTTL}
}

// Create starts a new session for farmerID with a 1-hour expiry.
func (t *Table) Create(farmerID [FarmerIDSize]byte, now time.Time) (*Session, error) {
	var id [SessionIDSize]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, err
	}
	s := &Session{ID: id, FarmerID: farmerID, CreatedAt: now, ExpiresAt: now.Add(t.ttl), Authenticated: true}
	t.mu.Lock()
	t.sessions[id] = s
	t.mu.Unlock()
	return s, nil
}

// Validate looks up id, incrementing its request counter if still live.
func (t *Table) Validate(id [SessionIDSize]byte, now time.Time) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if now.After(s.ExpiresAt) {
		delete(t.sessions, id)
		return Session{}, ErrSessionExpired
	}
	s.RequestCount++
	return *s, nil
}

// Destroy explicitly removes a session.
func (t *Table) Destroy(id [SessionIDSize]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// Sweep removes all sessions expired as of now, for the periodic session
// sweep task.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, s := range t.sessions {
		if now.After(s.ExpiresAt) {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}

// AuthToken is spec §3's Auth Token entity: 64 random bytes bound to a
// farmer public key, 24-hour expiry.
type AuthToken struct {
	Payload   [AuthTokenSize]byte
	IssuedAt  time.Time
	ExpiresAt time.Time
	PublicKey [48]byte
}

// TokenStore issues and validates auth tokens.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[[AuthTokenSize]byte]*AuthToken
	ttl    time.Duration
}

func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[[AuthTokenSize]byte]*AuthToken), ttl: authTokenTTL}
}

// Issue mints a new 64-byte token bound to pubkey.
func (ts *TokenStore) Issue(pubkey [48]byte, now time.Time) (*AuthToken, error) {
	var payload [AuthTokenSize]byte
	if _, err := rand.Read(payload[:]); err != nil {
		return nil, err
	}
	tok := &AuthToken{Payload: payload, IssuedAt: now, ExpiresAt: now.Add(ts.ttl), PublicKey: pubkey}
	ts.mu.Lock()
	ts.tokens[payload] = tok
	ts.mu.Unlock()
	return tok, nil
}

// Validate checks that sig is a valid BLS signature over the token's
// payload bytes under the token's bound public key, and that the token has
// not expired, per spec §4.8: "validation requires a matching BLS
// signature over the token bytes."
func (ts *TokenStore) Validate(payload [AuthTokenSize]byte, sig []byte, now time.Time) (AuthToken, error) {
	ts.mu.Lock()
	tok, ok := ts.tokens[payload]
	ts.mu.Unlock()
	if !ok {
		return AuthToken{}, ErrTokenNotFound
	}
	if now.After(tok.ExpiresAt) {
		return AuthToken{}, ErrTokenExpired
	}
	if !cryptoverify.BLSVerify(tok.PublicKey[:], payload[:], sig) {
		return AuthToken{}, ErrBadTokenSig
	}
	return *tok, nil
}

// RateLimiter implements spec §4.8's per-farmer per-minute request
// counter. Documented choice: a simple fixed-window counter (not a true
// sliding window or leaky bucket). A farmer's window opens at its first
// call and its count resets on the first call 60 seconds or more after
// the window opened, not at calendar-minute boundaries — spec
// explicitly allows either, and this matches the teacher's
// acceptRateLimiter's fixed-window-counter idiom most closely.
type RateLimiter struct {
	mu        sync.Mutex
	threshold int
	windows   map[[32]byte]*windowCounter
}

type windowCounter struct {
	windowStart time.Time
	count       int
}

func NewRateLimiter(threshold int) *RateLimiter {
	return &RateLimiter{threshold: threshold, windows: make(map[[32]byte]*windowCounter)}
}

// Allow reports whether farmerID may make another call at now, per spec
// §4.8: "reject when calls in the current 60-second window exceed the
// configured threshold." The Nth call in a window is allowed; the (N+1)th
// is denied.
func (rl *RateLimiter) Allow(farmerID [32]byte, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[farmerID]
	if !ok || now.Sub(w.windowStart) >= time.Minute {
		w = &windowCounter{windowStart: now}
		rl.windows[farmerID] = w
	}
	w.count++
	return w.count <= rl.threshold
}

// Reset clears farmerID's rate-limit counter, per spec §4.8's reset(farmer_id).
func (rl *RateLimiter) Reset(farmerID [32]byte) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, farmerID)
}

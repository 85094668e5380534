package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pospacepool/validator"
)

type stubSubmitter struct {
	outcome validator.Outcome
	err     error
	got     validator.Partial
}

func (s *stubSubmitter) Submit(ctx context.Context, p validator.Partial) (validator.Outcome, error) {
	s.got = p
	return s.outcome, s.err
}

type stubPoolInfo struct{ info PoolInfo }

func (s stubPoolInfo) PoolInfo() PoolInfo { return s.info }

type stubStats struct{ v any }

func (s stubStats) StatsSnapshot() any { return s.v }

type stubAuthIssuer struct{}

func (stubAuthIssuer) IssueAuthToken(pubkey [48]byte) (AuthToken, error) {
	return AuthToken{ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

func hexOf(b []byte) string { return hex.EncodeToString(b) }

func validBody() []byte {
	launcherID := bytes.Repeat([]byte{0x01}, 32)
	challenge := bytes.Repeat([]byte{0x02}, 32)
	proof := bytes.Repeat([]byte{0x03}, 64)
	sig := bytes.Repeat([]byte{0x04}, 96)
	body := `{"launcher_id":"` + hexOf(launcherID) + `","challenge":"` + hexOf(challenge) +
		`","proof":"` + hexOf(proof) + `","signature":"` + hexOf(sig) +
		`","timestamp":` + "1700000000" + `,"difficulty":1000,"plot_size":32}`
	return []byte(body)
}

func TestHandlePartialAcceptedReturnsPoints(t *testing.T) {
	sub := &stubSubmitter{outcome: validator.Outcome{Valid: true, Points: 42}}
	s := New(sub, stubPoolInfo{}, stubStats{}, stubAuthIssuer{}, time.Second)

	req := httptest.NewRequest(http.MethodPost, "/partial", bytes.NewReader(validBody()))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if sub.got.NominalDifficulty != 1000 || sub.got.KSize != 32 {
		t.Fatalf("decoded partial mismatch: %+v", sub.got)
	}
}

func TestHandlePartialRejectedReturnsReason(t *testing.T) {
	sub := &stubSubmitter{outcome: validator.Outcome{Valid: false, Reject: validator.RejectTooLate}}
	s := New(sub, stubPoolInfo{}, stubStats{}, stubAuthIssuer{}, time.Second)

	req := httptest.NewRequest(http.MethodPost, "/partial", bytes.NewReader(validBody()))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlePartialQueueFullReturns503(t *testing.T) {
	sub := &stubSubmitter{err: ErrQueueFull}
	s := New(sub, stubPoolInfo{}, stubStats{}, stubAuthIssuer{}, time.Second)

	req := httptest.NewRequest(http.MethodPost, "/partial", bytes.NewReader(validBody()))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandlePartialMalformedHexRejected(t *testing.T) {
	sub := &stubSubmitter{}
	s := New(sub, stubPoolInfo{}, stubStats{}, stubAuthIssuer{}, time.Second)

	body := []byte(`{"launcher_id":"not-hex","challenge":"","proof":"","signature":"","timestamp":0,"difficulty":0,"plot_size":0}`)
	req := httptest.NewRequest(http.MethodPost, "/partial", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlePoolInfoCached(t *testing.T) {
	calls := 0
	info := stubPoolInfo{info: PoolInfo{Name: "test", FeePercent: 0.01}}
	s := New(&stubSubmitter{}, countingPoolInfo{info, &calls}, stubStats{}, stubAuthIssuer{}, time.Minute)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/pool_info", nil)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
	if calls != 1 {
		t.Fatalf("expected pool info builder to run once due to caching, ran %d times", calls)
	}
}

type countingPoolInfo struct {
	stubPoolInfo
	calls *int
}

func (c countingPoolInfo) PoolInfo() PoolInfo {
	*c.calls++
	return c.stubPoolInfo.info
}

func TestHandleAuthTokenIssuesToken(t *testing.T) {
	s := New(&stubSubmitter{}, stubPoolInfo{}, stubStats{}, stubAuthIssuer{}, time.Minute)
	pk := bytes.Repeat([]byte{0x05}, 48)
	body := []byte(`{"public_key":"` + hexOf(pk) + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth_token", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAuthTokenRejectsBadPublicKey(t *testing.T) {
	s := New(&stubSubmitter{}, stubPoolInfo{}, stubStats{}, stubAuthIssuer{}, time.Minute)
	body := []byte(`{"public_key":"not-hex"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth_token", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleStatsReturnsSnapshot(t *testing.T) {
	s := New(&stubSubmitter{}, stubPoolInfo{}, stubStats{v: map[string]any{"valid_partials": 7}}, stubAuthIssuer{}, time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

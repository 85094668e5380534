package blockchain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRetryDelayWithBackoffBounded(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := retryDelayWithBackoff(attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: expected positive delay, got %v", attempt, d)
		}
		if d > retryMaxDelay+retryMaxDelay/2 {
			t.Fatalf("attempt %d: delay %v exceeds expected cap", attempt, d)
		}
	}
}

func TestGetBlockchainStateHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Method != "get_blockchain_state" {
			t.Errorf("unexpected method %q", req.Method)
		}
		resultBytes, _ := json.Marshal(ChainState{TipHeight: 100, SyncedHeight: 100})
		resp := rpcResponse{ID: req.ID, Result: resultBytes}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, err := NewClient(Config{RPCBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := c.GetBlockchainState(ctx)
	if err != nil {
		t.Fatalf("GetBlockchainState: %v", err)
	}
	if state.TipHeight != 100 {
		t.Fatalf("expected tip height 100, got %d", state.TipHeight)
	}
}

func TestCallSurfacesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := rpcResponse{ID: req.ID, Error: &rpcError{Code: -1, Message: "boom"}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, _ := NewClient(Config{RPCBaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.GetBlockchainState(ctx); err == nil {
		t.Fatal("expected rpc error to surface")
	}
}

func TestChallengeWindowAdvancesOnNewChallenge(t *testing.T) {
	c := &Client{}
	p1 := SignagePoint{ChallengeHash: [32]byte{1}}
	p2 := SignagePoint{ChallengeHash: [32]byte{2}}
	c.advanceChallengeWindow(p1)
	c.advanceChallengeWindow(p2)

	window := c.CurrentChallengeWindow()
	if window.Current != p2.ChallengeHash || window.Previous != p1.ChallengeHash {
		t.Fatalf("unexpected window: %+v", window)
	}
}

// Package blockchain implements the consumed blockchain collaborator of
// spec §6: chain tip/sync state, the signage-point subscription stream,
// coin-records lookup, and push_tx, over a JSON-RPC-style client with
// retry/backoff. Grounded on the teacher's rpc.go (rpcRequest/rpcResponse
// shapes, rpcRetryDelayWithBackoff) for the request/response half, and
// job_feed.go's ZMQ subscription pattern for the push side.
package blockchain

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pebbe/zmq4"

	"pospacepool/singleton"
	"pospacepool/validator"
)

const (
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
	retryJitter    = 0.2
)

// retryDelayWithBackoff mirrors the teacher's rpcRetryDelayWithBackoff
// exactly: exponential backoff capped at retryMaxDelay, with +/-20% jitter.
func retryDelayWithBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return retryBaseDelay
	}
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			delay = retryMaxDelay
			break
		}
	}
	low := 1 - retryJitter
	high := 1 + retryJitter
	jitter := low + (high-low)*rand.Float64()
	delay = time.Duration(float64(delay) * jitter)
	if delay <= 0 {
		delay = time.Millisecond
	}
	return delay
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// ChainState is the get_blockchain_state() result shape of spec §6.
type ChainState struct {
	TipHeight    uint64
	SyncedHeight uint64
	NetworkSpace uint64
	Progress     float64
	IsSyncing    bool
}

// CoinRecord is one entry of get_coin_records_by_puzzle_hash's result.
type CoinRecord struct {
	Coin            [32]byte
	Amount          uint64
	ConfirmedHeight uint64
	Spent           bool
}

// SignagePoint is one element of the subscribe_signage_points() stream.
type SignagePoint struct {
	ChallengeHash     [32]byte
	SignagePointIndex uint8
	PeakHeight        uint64
	Timestamp         time.Time
}

// Client is the concrete blockchain collaborator implementation: a
// JSON-RPC client with retry/backoff for request/response calls plus a
// WebSocket signage-point subscription and a ZMQ push-notification
// listener. Only the JSON-RPC client presents the configured client
// certificate; the WebSocket dial uses websocket.DefaultDialer and the ZMQ
// socket has no TLS.
type Client struct {
	baseURL    string
	httpClient *http.Client
	wsURL      string
	zmqAddr    string

	idMu   sync.Mutex
	nextID int

	maxRetries int

	mu             sync.RWMutex
	currentWindow  singletonChallengeWindow
}

type singletonChallengeWindow struct {
	current  [32]byte
	previous [32]byte
	subSlotIterations uint64
}

// Config bundles the endpoint and TLS material spec §6 requires
// ("TLS with mutual auth using an operator-provided cert/key pair").
type Config struct {
	RPCBaseURL string
	WSURL      string
	ZMQAddr    string
	CertFile   string
	KeyFile    string
	MaxRetries int
}

func NewClient(cfg Config) (*Client, error) {
	tlsConfig := &tls.Config{}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("blockchain: load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Client{
		baseURL:    cfg.RPCBaseURL,
		wsURL:      cfg.WSURL,
		zmqAddr:    cfg.ZMQAddr,
		maxRetries: maxRetries,
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
	}, nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	c.idMu.Lock()
	c.nextID++
	id := c.nextID
	c.idMu.Unlock()

	req := rpcRequest{Jsonrpc: "2.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(retryDelayWithBackoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = err
			continue
		}
		if rpcResp.Error != nil {
			return rpcResp.Error
		}
		if out != nil {
			return json.Unmarshal(rpcResp.Result, out)
		}
		return nil
	}
	return fmt.Errorf("blockchain: exhausted retries: %w", lastErr)
}

// GetBlockchainState implements spec §6's get_blockchain_state.
func (c *Client) GetBlockchainState(ctx context.Context) (ChainState, error) {
	var out ChainState
	err := c.call(ctx, "get_blockchain_state", nil, &out)
	return out, err
}

// GetCoinRecordsByPuzzleHash implements spec §6's
// get_coin_records_by_puzzle_hash.
func (c *Client) GetCoinRecordsByPuzzleHash(ctx context.Context, puzzleHash [32]byte, startHeight uint64) ([]CoinRecord, error) {
	var out []CoinRecord
	err := c.call(ctx, "get_coin_records_by_puzzle_hash", map[string]any{
		"puzzle_hash":  puzzleHash,
		"start_height": startHeight,
	}, &out)
	return out, err
}

// PushTx implements spec §6's push_tx.
func (c *Client) PushTx(ctx context.Context, serializedTx []byte) (accepted bool, err error) {
	var out struct {
		Accepted bool `json:"accepted"`
	}
	err = c.call(ctx, "push_tx", map[string]any{"tx": serializedTx}, &out)
	return out.Accepted, err
}

// SyncSingleton implements singleton.ChainSyncer, refreshing one
// singleton's on-chain state from a coin-records lookup. It is reached
// through singleton.Registry.Sync, both from the orchestrator's periodic
// chain-sync task and from a validator worker's stage-3 lookup of an
// unknown launcher-id.
func (c *Client) SyncSingleton(ctx context.Context, launcherID [32]byte) (singleton.Singleton, error) {
	records, err := c.GetCoinRecordsByPuzzleHash(ctx, launcherID, 0)
	if err != nil {
		return singleton.Singleton{}, err
	}
	s := singleton.Singleton{LauncherID: launcherID, PoolMember: len(records) > 0}
	for _, r := range records {
		if !r.Spent {
			s.PendingBalance += r.Amount
		}
	}
	return s, nil
}

// CurrentChallengeWindow implements validator.ChainState, the narrow slice
// of challenge-binding state stage 6 of the validator consumes.
func (c *Client) CurrentChallengeWindow() validator.ChallengeWindow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return validator.ChallengeWindow{
		Current:           c.currentWindow.current,
		Previous:          c.currentWindow.previous,
		SubSlotIterations: c.currentWindow.subSlotIterations,
	}
}

// SubscribeSignagePoints opens a WebSocket subscription for the chain's
// signage-point stream and delivers each one to onPoint, updating the
// client's tracked challenge window as they arrive. Runs until ctx is
// canceled or the connection fails; callers are expected to reconnect.
func (c *Client) SubscribeSignagePoints(ctx context.Context, onPoint func(SignagePoint)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("blockchain: dial signage point stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var wire struct {
			ChallengeHash     [32]byte `json:"challenge_hash"`
			SignagePointIndex uint8    `json:"signage_point_index"`
			PeakHeight        uint64   `json:"peak_height"`
			Timestamp         int64    `json:"timestamp"`
		}
		if err := conn.ReadJSON(&wire); err != nil {
			return err
		}
		point := SignagePoint{
			ChallengeHash:     wire.ChallengeHash,
			SignagePointIndex: wire.SignagePointIndex,
			PeakHeight:        wire.PeakHeight,
			Timestamp:         time.Unix(wire.Timestamp, 0),
		}
		c.advanceChallengeWindow(point)
		if onPoint != nil {
			onPoint(point)
		}
	}
}

func (c *Client) advanceChallengeWindow(point SignagePoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if point.ChallengeHash == c.currentWindow.current {
		return
	}
	c.currentWindow.previous = c.currentWindow.current
	c.currentWindow.current = point.ChallengeHash
}

// SubscribeBlockNotifications listens on the chain node's ZMQ publisher
// for new-block notifications, calling onBlock for each raw notification
// payload. Grounded on the teacher's job_feed.go ZMQ hashblock/rawblock
// subscription.
func (c *Client) SubscribeBlockNotifications(ctx context.Context, onBlock func([]byte)) error {
	if c.zmqAddr == "" {
		return nil
	}
	sock, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return fmt.Errorf("blockchain: open zmq socket: %w", err)
	}
	defer sock.Close()

	if err := sock.Connect(c.zmqAddr); err != nil {
		return fmt.Errorf("blockchain: connect zmq: %w", err)
	}
	if err := sock.SetSubscribe("hashblock"); err != nil {
		return err
	}

	var stopped atomic.Bool
	go func() {
		<-ctx.Done()
		stopped.Store(true)
		sock.SetRcvtimeo(0)
	}()

	for !stopped.Load() {
		msg, err := sock.RecvMessageBytes(0)
		if err != nil {
			if stopped.Load() {
				return nil
			}
			return err
		}
		if len(msg) >= 2 && onBlock != nil {
			onBlock(msg[1])
		}
	}
	return nil
}

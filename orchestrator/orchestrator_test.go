package orchestrator

import (
	"context"
	"testing"
	"time"

	"pospacepool/accounting"
	"pospacepool/blockchain"
	"pospacepool/cache"
	"pospacepool/cryptoverify"
	"pospacepool/difficulty"
	"pospacepool/notify"
	"pospacepool/session"
	"pospacepool/singleton"
	"pospacepool/validator"
)

type stubChainState struct {
	window validator.ChallengeWindow
}

func (s stubChainState) CurrentChallengeWindow() validator.ChallengeWindow { return s.window }

type stubTicker struct{}

func (stubTicker) Enqueue([32]byte) {}

type fakeMetrics struct {
	valid        int
	rejected     int
	cacheHits    int
	cacheMisses  int
	evictions    int
	blocksFound  int
	diffTicks    int
	diffClamps   int
	queueFull    int
	farmersDelta int64
}

func (f *fakeMetrics) RecordValid()                         { f.valid++ }
func (f *fakeMetrics) RecordRejection(validator.RejectKind)  { f.rejected++ }
func (f *fakeMetrics) RecordCacheHit()                       { f.cacheHits++ }
func (f *fakeMetrics) RecordCacheMiss()                      { f.cacheMisses++ }
func (f *fakeMetrics) RecordCacheEviction()                  { f.evictions++ }
func (f *fakeMetrics) RecordBlockFound()                     { f.blocksFound++ }
func (f *fakeMetrics) RecordDifficultyTick(clamped bool) {
	f.diffTicks++
	if clamped {
		f.diffClamps++
	}
}
func (f *fakeMetrics) RecordQueueFullReject()     { f.queueFull++ }
func (f *fakeMetrics) RecordFarmerSeen(d int64)   { f.farmersDelta += d }
func (f *fakeMetrics) StatsSnapshot() any {
	return map[string]int{"valid": f.valid, "rejected": f.rejected}
}

type fakeChainPoller struct {
	state blockchain.ChainState
	err   error
	calls int
}

func (f *fakeChainPoller) GetBlockchainState(ctx context.Context) (blockchain.ChainState, error) {
	f.calls++
	return f.state, f.err
}

type fakeStore struct {
	saved map[[32]byte]singleton.Singleton
}

func newFakeStore() *fakeStore { return &fakeStore{saved: make(map[[32]byte]singleton.Singleton)} }

func (f *fakeStore) Save(sgl singleton.Singleton) error {
	f.saved[sgl.LauncherID] = sgl
	return nil
}

func (f *fakeStore) Load() ([]singleton.Singleton, error) {
	out := make([]singleton.Singleton, 0, len(f.saved))
	for _, sgl := range f.saved {
		out = append(out, sgl)
	}
	return out, nil
}

func testCache() *cache.Cache {
	b := cache.Budgets{Proof: 1 << 20, Signature: 1 << 20, SingletonState: 1 << 20, Difficulty: 1 << 20}
	return cache.New(b, 5*time.Minute)
}

func newMemberSingleton(t *testing.T, id [32]byte, diff uint64) (*singleton.Registry, []byte) {
	t.Helper()
	priv, pub, err := cryptoverify.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	r := singleton.New(nil)
	var pk [48]byte
	copy(pk[:], pub)
	r.Upsert(singleton.Singleton{LauncherID: id, PoolMember: true, CurrentDifficulty: diff, OwnerPublicKey: pk})
	return r, priv
}

func buildOrchestrator(t *testing.T, registry *singleton.Registry, challenge [32]byte, chain ChainPoller, store PersistStore, metrics Metrics) *Orchestrator {
	t.Helper()
	chainState := stubChainState{window: validator.ChallengeWindow{Current: challenge, SubSlotIterations: 1 << 25}}
	v := validator.New(testCache(), registry, chainState, stubTicker{}, metrics, 28*time.Second)
	ledger, err := accounting.NewLedger("")
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	notifier, err := notify.New("", "", "testpool")
	if err != nil {
		t.Fatalf("notify.New: %v", err)
	}
	cfg := Config{
		WorkerCount:             2,
		QueueCapacity:           4,
		PartialDeadline:         28 * time.Second,
		ChainSyncInterval:       20 * time.Millisecond,
		StatsLogInterval:        50 * time.Millisecond,
		CacheSweepInterval:      20 * time.Millisecond,
		SessionSweepInterval:    20 * time.Millisecond,
		DifficultyTickInterval:  20 * time.Millisecond,
		TargetPartialsPerDay:    300,
		MinDifficulty:           100,
		MaxDifficulty:           1_000_000,
		MaxWorkerRestartsPerMin: 3,
	}
	return New(cfg, testCache(), registry, v, difficulty.NewThrottle(10*time.Millisecond), ledger, session.NewTable(), session.NewRateLimiter(1000), session.NewTokenStore(), chain, store, notifier, metrics, nil)
}

func signedPartial(t *testing.T, id, challenge [32]byte, priv []byte, receivedAt time.Time) validator.Partial {
	t.Helper()
	proof := make([]byte, 64)
	copy(proof, []byte("orchestrator-test-proof-bytes!!"))
	p := validator.Partial{
		LauncherID:        id,
		Challenge:         challenge,
		Proof:             proof,
		ReceiveTimestamp:  receivedAt,
		NominalDifficulty: 1000,
		KSize:             32,
	}
	msg := signingMessageForTest(p)
	sig, err := cryptoverify.BLSSign(priv, msg)
	if err != nil {
		t.Fatalf("BLSSign: %v", err)
	}
	copy(p.Signature[:], sig)
	return p
}

// signingMessageForTest mirrors validator's unexported signingMessage
// layout (launcher-id || challenge || proof[:32] || timestamp) since the
// orchestrator package cannot reach into validator's internals.
func signingMessageForTest(p validator.Partial) []byte {
	msg := make([]byte, 0, 32+32+32+8)
	msg = append(msg, p.LauncherID[:]...)
	msg = append(msg, p.Challenge[:]...)
	padded := make([]byte, 32)
	copy(padded, p.Proof)
	msg = append(msg, padded...)
	ts := uint64(p.ReceiveTimestamp.Unix())
	for i := 0; i < 8; i++ {
		msg = append(msg, byte(ts>>(8*i)))
	}
	return msg
}

func TestSubmitHappyPathReturnsOutcome(t *testing.T) {
	id := [32]byte{1}
	challenge := [32]byte{9}
	registry, priv := newMemberSingleton(t, id, 1000)
	metrics := &fakeMetrics{}
	o := buildOrchestrator(t, registry, challenge, &fakeChainPoller{}, newFakeStore(), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)
	defer func() {
		cancel()
		time.Sleep(20 * time.Millisecond)
	}()
	waitForState(t, o, StateRunning)

	now := time.Now()
	p := signedPartial(t, id, challenge, priv, now)
	outcome, err := o.Submit(context.Background(), p)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !outcome.Valid {
		t.Fatalf("expected valid outcome, got %+v", outcome)
	}
}

func TestSubmitWhilePausedReturnsError(t *testing.T) {
	id := [32]byte{2}
	challenge := [32]byte{9}
	registry, priv := newMemberSingleton(t, id, 1000)
	metrics := &fakeMetrics{}
	o := buildOrchestrator(t, registry, challenge, &fakeChainPoller{}, newFakeStore(), metrics)
	o.PauseIngestion()

	p := signedPartial(t, id, challenge, priv, time.Now())
	_, err := o.Submit(context.Background(), p)
	if err == nil {
		t.Fatal("expected error while paused")
	}
	if !o.IsPaused() {
		t.Fatal("expected IsPaused true")
	}
	o.ResumeIngestion()
	if o.IsPaused() {
		t.Fatal("expected IsPaused false after resume")
	}
}

func TestSubmitQueueFullReturnsError(t *testing.T) {
	id := [32]byte{3}
	challenge := [32]byte{9}
	registry, priv := newMemberSingleton(t, id, 1000)
	metrics := &fakeMetrics{}
	o := buildOrchestrator(t, registry, challenge, &fakeChainPoller{}, newFakeStore(), metrics)
	for i := 0; i < o.cfg.QueueCapacity; i++ {
		o.queue.Push(submissionTask{})
	}

	p := signedPartial(t, id, challenge, priv, time.Now())
	_, err := o.Submit(context.Background(), p)
	if err == nil {
		t.Fatal("expected queue-full error")
	}
	if metrics.queueFull != 1 {
		t.Fatalf("expected 1 queue-full metric, got %d", metrics.queueFull)
	}
}

func TestForceSyncTickInvokesChainPoller(t *testing.T) {
	registry := singleton.New(nil)
	chain := &fakeChainPoller{}
	metrics := &fakeMetrics{}
	o := buildOrchestrator(t, registry, [32]byte{9}, chain, newFakeStore(), metrics)
	o.ForceSyncTick()
	if chain.calls != 1 {
		t.Fatalf("expected 1 chain poll, got %d", chain.calls)
	}
}

func TestRunLoadsPersistedSingletonsAndSavesOnShutdown(t *testing.T) {
	registry := singleton.New(nil)
	store := newFakeStore()
	store.saved[[32]byte{7}] = singleton.Singleton{LauncherID: [32]byte{7}, PoolMember: true, TotalPoints: 55}
	metrics := &fakeMetrics{}
	o := buildOrchestrator(t, registry, [32]byte{9}, &fakeChainPoller{}, store, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()
	waitForState(t, o, StateRunning)

	if sgl, err := registry.Lookup([32]byte{7}); err != nil || sgl.TotalPoints != 55 {
		t.Fatalf("expected preloaded singleton, got %+v err=%v", sgl, err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if o.State() != StateStopped {
		t.Fatalf("expected StateStopped, got %s", o.State())
	}
	if _, ok := store.saved[[32]byte{7}]; !ok {
		t.Fatal("expected singleton re-saved on shutdown")
	}
}

func TestDifficultyTickAdjustsMemberDifficulty(t *testing.T) {
	id := [32]byte{11}
	registry, _ := newMemberSingleton(t, id, 1000)
	sgl, _ := registry.Lookup(id)
	sgl.LastPartialTime = time.Now().Add(-time.Hour)
	registry.Upsert(sgl)

	metrics := &fakeMetrics{}
	o := buildOrchestrator(t, registry, [32]byte{9}, &fakeChainPoller{}, newFakeStore(), metrics)
	// Below TargetPartialsPerDay*1000 (300_000 in buildOrchestrator's cfg),
	// so the tick should take the decrease branch.
	o.ledger.CreditPoints(id, 150_000, time.Now())
	o.difficultyTick(context.Background())

	got, err := registry.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.CurrentDifficulty == 1000 {
		t.Fatalf("expected difficulty to move off 1000, got %d", got.CurrentDifficulty)
	}
	if metrics.diffTicks != 1 {
		t.Fatalf("expected 1 difficulty tick recorded, got %d", metrics.diffTicks)
	}
}

// TestDifficultyTickIgnoresLifetimeTotal guards against regressing to the
// singleton's monotonically-growing TotalPoints as the feedback input: a
// farmer with a huge lifetime total but a quiet last 24h must still see
// difficulty decrease, not get pinned at the high-rate branch forever.
func TestDifficultyTickIgnoresLifetimeTotal(t *testing.T) {
	id := [32]byte{13}
	registry, _ := newMemberSingleton(t, id, 1000)
	now := time.Now()
	sgl, _ := registry.Lookup(id)
	sgl.LastPartialTime = now.Add(-time.Hour)
	registry.Upsert(sgl)
	registry.CreditPoints(id, 10_000_000, now) // large lifetime total

	metrics := &fakeMetrics{}
	o := buildOrchestrator(t, registry, [32]byte{9}, &fakeChainPoller{}, newFakeStore(), metrics)
	o.ledger.CreditPoints(id, 150_000, now) // recent 24h total stays below target

	o.difficultyTick(context.Background())

	got, err := registry.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.CurrentDifficulty >= 1000 {
		t.Fatalf("expected difficulty to decrease despite large lifetime total, got %d", got.CurrentDifficulty)
	}
}

func waitForState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, have %s", want, o.State())
}

// Package orchestrator owns the Pool Orchestrator of spec §5: the
// top-level lifecycle, the bounded worker pool that drains the partial
// queue, and the independent periodic tasks (chain sync, difficulty
// retarget, stats logging, cache/session sweeps). Grounded on the
// teacher's main.go overall shape (ctx.Done()-driven goroutines, a
// WaitGroup for graceful shutdown) and submission_worker_pool.go's
// per-task recover().
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hako/durafmt"

	"pospacepool/accounting"
	"pospacepool/api"
	"pospacepool/blockchain"
	"pospacepool/cache"
	"pospacepool/difficulty"
	"pospacepool/notify"
	"pospacepool/queue"
	"pospacepool/session"
	"pospacepool/singleton"
	"pospacepool/validator"
)

// State is the orchestrator's lifecycle state, per spec §5.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateShuttingDown
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateRunning:
		return "Running"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateStopped:
		return "Stopped"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Metrics is the counters surface the orchestrator and its workers report
// to. poolStats in the entrypoint package implements it.
type Metrics interface {
	validator.Counters
	RecordCacheHit()
	RecordCacheMiss()
	RecordCacheEviction()
	RecordBlockFound()
	RecordDifficultyTick(clamped bool)
	RecordQueueFullReject()
	RecordFarmerSeen(delta int64)
	StatsSnapshot() any
}

// PersistStore is the external load/save interface spec §6 describes for
// singleton state; *store.Store implements it.
type PersistStore interface {
	Save(sgl singleton.Singleton) error
	Load() ([]singleton.Singleton, error)
}

// ChainPoller is the narrow slice of *blockchain.Client the chain-sync
// periodic task needs; kept as an interface so the task is testable
// without a live node or a running websocket/zmq subscription.
type ChainPoller interface {
	GetBlockchainState(ctx context.Context) (blockchain.ChainState, error)
}

// Config bundles the orchestrator's tunables, all sourced from the
// entrypoint's configuration.
type Config struct {
	WorkerCount             int
	QueueCapacity           int
	PartialDeadline         time.Duration
	ChainSyncInterval       time.Duration
	StatsLogInterval        time.Duration
	CacheSweepInterval      time.Duration
	SessionSweepInterval    time.Duration
	DifficultyTickInterval  time.Duration
	TargetPartialsPerDay    uint64
	MinDifficulty           uint64
	MaxDifficulty           uint64
	SubmitWaitTimeout       time.Duration
	MaxWorkerRestartsPerMin int
}

type submissionTask struct {
	partial validator.Partial
	result  chan validator.Outcome
}

// Orchestrator wires together every component package into the running
// pool core and owns the Partial Queue, Verification Cache, Session
// table, and Singleton Registry exclusively, per spec §4's ownership
// rule.
type Orchestrator struct {
	cfg Config

	cache     *cache.Cache
	registry  *singleton.Registry
	queue     *queue.Queue[submissionTask]
	validator *validator.Validator
	diffThrottle *difficulty.Throttle
	ledger    *accounting.Ledger
	sessions  *session.Table
	rateLimit *session.RateLimiter
	tokens    *session.TokenStore
	chain     ChainPoller
	store     PersistStore
	notifier  *notify.Notifier
	metrics   Metrics

	logf func(format string, args ...any)

	state   atomic.Int32
	paused  atomic.Bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	startedAt time.Time

	restartMu     sync.Mutex
	restartTimes  []time.Time

	lastCacheStats map[cache.Partition]cache.Stats

	poolInfo api.PoolInfo
}

// New constructs an Orchestrator. All collaborator handles must already be
// initialized; New performs no I/O itself.
func New(
	cfg Config,
	c *cache.Cache,
	registry *singleton.Registry,
	val *validator.Validator,
	diffThrottle *difficulty.Throttle,
	ledger *accounting.Ledger,
	sessions *session.Table,
	rateLimit *session.RateLimiter,
	tokens *session.TokenStore,
	chain ChainPoller,
	store PersistStore,
	notifier *notify.Notifier,
	metrics Metrics,
	logf func(format string, args ...any),
) *Orchestrator {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.MaxWorkerRestartsPerMin <= 0 {
		cfg.MaxWorkerRestartsPerMin = 5
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Orchestrator{
		cfg:          cfg,
		cache:        c,
		registry:     registry,
		queue:        queue.New[submissionTask](cfg.QueueCapacity),
		validator:    val,
		diffThrottle: diffThrottle,
		ledger:       ledger,
		sessions:     sessions,
		rateLimit:    rateLimit,
		tokens:       tokens,
		chain:        chain,
		store:        store,
		notifier:     notifier,
		metrics:      metrics,
		logf:         logf,
	}
}

// State reports the current lifecycle state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

func (o *Orchestrator) setState(s State) { o.state.Store(int32(s)) }

// Run brings the orchestrator to Running and blocks until ctx is canceled,
// at which point it drains in-flight work and transitions to Stopped (or
// Error, if startup failed outright).
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.State() != StateInit {
		return fmt.Errorf("orchestrator: Run called from state %s, want Init", o.State())
	}

	if o.store != nil {
		loaded, err := o.store.Load()
		if err != nil {
			o.setState(StateError)
			return fmt.Errorf("orchestrator: load persisted state: %w", err)
		}
		for _, sgl := range loaded {
			o.registry.Upsert(sgl)
		}
		o.logf("loaded %d persisted singletons", len(loaded))
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.startedAt = time.Now()
	o.setState(StateRunning)

	for i := 0; i < o.cfg.WorkerCount; i++ {
		o.wg.Add(1)
		go o.runWorkerSupervised(runCtx, i)
	}

	o.wg.Add(1)
	go o.periodicLoop(runCtx, "chain_sync", o.cfg.ChainSyncInterval, o.chainSyncTick)
	o.wg.Add(1)
	go o.periodicLoop(runCtx, "stats_log", o.cfg.StatsLogInterval, o.statsLogTick)
	o.wg.Add(1)
	go o.periodicLoop(runCtx, "cache_sweep", o.cfg.CacheSweepInterval, o.cacheSweepTick)
	o.wg.Add(1)
	go o.periodicLoop(runCtx, "session_sweep", o.cfg.SessionSweepInterval, o.sessionSweepTick)
	o.wg.Add(1)
	go o.periodicLoop(runCtx, "difficulty_tick", o.cfg.DifficultyTickInterval, o.difficultyTick)

	<-runCtx.Done()
	o.setState(StateShuttingDown)
	o.logf("shutdown requested, draining %d in-flight partials", o.queue.Len())
	o.queue.Close()
	o.wg.Wait()

	if o.store != nil {
		for _, sgl := range o.registry.Snapshot() {
			if err := o.store.Save(sgl); err != nil {
				o.logf("persist singleton %x on shutdown: %v", sgl.LauncherID, err)
			}
		}
	}

	o.setState(StateStopped)
	o.logf("orchestrator stopped after %s", durafmt.Parse(time.Since(o.startedAt)).LimitFirstN(2).String())
	return nil
}

// periodicLoop runs fn every interval until ctx is canceled. Each task runs
// on its own independent cadence per spec §5.
func (o *Orchestrator) periodicLoop(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	defer o.wg.Done()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						o.logf("periodic task %q panicked: %v", name, r)
					}
				}()
				fn(ctx)
			}()
		}
	}
}

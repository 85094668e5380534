package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	debugpkg "runtime/debug"
	"syscall"
	"time"

	"pospacepool/accounting"
	"pospacepool/api"
	"pospacepool/blockchain"
	"pospacepool/cache"
	"pospacepool/difficulty"
	"pospacepool/notify"
	"pospacepool/opsapi"
	"pospacepool/orchestrator"
	"pospacepool/session"
	"pospacepool/singleton"
	"pospacepool/store"
	"pospacepool/txbuilder"
	"pospacepool/validator"
)

var buildTime = "unknown"

func main() {
	os.Exit(run())
}

// run wires every component and blocks until shutdown, returning the
// process exit code. Kept separate from main so every defer (closing the
// singleton store, flushing the logger) runs before the process exits --
// deferred cleanup inside main itself would never fire past os.Exit.
func run() (exitCode int) {
	// Top-level panic handler: ensure any unexpected panic is captured to
	// panic.log with a stack trace so operators can inspect it.
	defer func() {
		if r := recover(); r != nil {
			path := "panic.log"
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				defer f.Close()
				ts := time.Now().UTC().Format(time.RFC3339)
				fmt.Fprintf(f, "[%s] panic: %v\nbuild_time=%s\n%s\n\n",
					ts, r, buildTime, debugpkg.Stack())
			}
			exitCode = exitCodeRuntimeError
		}
	}()

	debugpkg.SetGCPercent(200)

	configFlag := flag.String("config", "", "path to config.toml")
	secretsFlag := flag.String("secrets", "", "path to secrets.toml")
	stdoutLogFlag := flag.Bool("stdout", false, "mirror logs to stdout")
	logLevelFlag := flag.String("log-level", "", "override log level (debug/info/warn/error)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, _ := loadConfig(*configFlag, *secretsFlag)
	if err := validateConfig(cfg); err != nil {
		logger.Error("invalid configuration", "error", err)
		logger.Stop()
		return exitCodeConfigInvalid
	}

	logLevelName := cfg.LogLevel
	if *logLevelFlag != "" {
		logLevelName = *logLevelFlag
	}
	level, err := parseLogLevel(logLevelName)
	if err != nil {
		fatal("log level", err)
	}
	logger.setLevel(level)

	logDir := cfg.logDir()
	configureFileLogging(
		filepath.Join(logDir, "pool.log"),
		filepath.Join(logDir, "error.log"),
		*stdoutLogFlag,
	)
	defer logger.Stop()

	logger.Info("starting pool", "name", cfg.PoolName, "listen_addr", cfg.ListenAddr, "ops_addr", cfg.OpsAPIAddr)

	chain, err := blockchain.NewClient(blockchain.Config{
		RPCBaseURL: fmt.Sprintf("%s:%d", cfg.NodeRPCHost, cfg.NodeRPCPort),
		ZMQAddr:    cfg.NodeZMQAddr,
		CertFile:   cfg.NodeRPCCert,
		KeyFile:    cfg.NodeRPCKey,
	})
	if err != nil {
		fatal("blockchain client", err)
	}

	registry := singleton.New(chain)

	budgets := cache.Budgets{
		Proof:          cfg.CacheProofBudgetBytes,
		Signature:      cfg.CacheSignatureBudget,
		SingletonState: cfg.CacheSingletonBudget,
		Difficulty:     cfg.CacheDifficultyBudget,
	}
	verificationCache := cache.New(budgets, time.Duration(cfg.CacheTTLSeconds)*time.Second)

	stats := &poolStats{}

	partialDeadline := time.Duration(cfg.PartialDeadlineSeconds) * time.Second
	v := validator.New(verificationCache, registry, chain, noopDifficultyTicker{}, stats, partialDeadline)

	diffThrottle := difficulty.NewThrottle(defaultDifficultyAdjustInterval)

	dataDir := cfg.DataDir
	ledger, err := accounting.NewLedger(filepath.Join(dataDir, "state", "bans.json"))
	if err != nil {
		fatal("accounting ledger", err)
	}

	sessions := session.NewTable()
	tokens := session.NewTokenStore()
	rateLimit := session.NewRateLimiter(cfg.RateLimitPerMinute)

	notifier, err := notify.New(cfg.DiscordBotToken, cfg.DiscordChannelID, cfg.PoolName)
	if err != nil {
		logger.Warn("discord notifier disabled", "error", err)
		notifier, _ = notify.New("", "", cfg.PoolName)
	}

	persistStore, err := store.Open(filepath.Join(dataDir, "state", "singletons.db"))
	if err != nil {
		fatal("singleton state store", err)
	}
	defer persistStore.Close()

	pendingQueue, err := txbuilder.NewPendingQueue(filepath.Join(dataDir, "state", "pending_absorbs"))
	if err != nil {
		logger.Error("pending absorb queue", "error", err)
		return exitCodeRuntimeError
	}
	replayPendingAbsorbs(ctx, pendingQueue, chain)

	workerCount := cfg.WorkerPoolSize
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}

	orchCfg := orchestrator.Config{
		WorkerCount:             workerCount,
		QueueCapacity:           cfg.QueueCapacity,
		PartialDeadline:         partialDeadline,
		ChainSyncInterval:       defaultChainSyncInterval,
		StatsLogInterval:        defaultStatsLogInterval,
		CacheSweepInterval:      defaultCacheSweepInterval,
		SessionSweepInterval:    defaultSessionSweepInterval,
		DifficultyTickInterval:  defaultDifficultyAdjustInterval,
		TargetPartialsPerDay:    cfg.DifficultyTargetPerDay,
		MinDifficulty:           cfg.MinDifficulty,
		MaxDifficulty:           cfg.MaxDifficulty,
		MaxWorkerRestartsPerMin: 5,
	}
	orch := orchestrator.New(orchCfg, verificationCache, registry, v, diffThrottle, ledger, sessions, rateLimit, tokens, chain, persistStore, notifier, stats, logger.Info)
	orch.SetPoolInfo(api.PoolInfo{
		Name:               cfg.PoolName,
		FeePercent:         cfg.PoolFeePercent,
		MinDifficulty:      cfg.MinDifficulty,
		MaxDifficulty:      cfg.MaxDifficulty,
		TargetPartialsDay:  cfg.DifficultyTargetPerDay,
		RelativeLockHeight: 0,
	})

	farmerAPI := api.New(orch, orch, orch, orch, time.Duration(cfg.CacheTTLSeconds)*time.Second)
	opsServer := opsapi.New(orch, cfg.OpsAPISigningSecret)

	var httpServers []*http.Server
	if cfg.ListenAddr != "" {
		httpServers = append(httpServers, newHTTPServer(cfg.ListenAddr, farmerAPI))
	}
	if cfg.OpsAPIAddr != "" {
		httpServers = append(httpServers, newHTTPServer(cfg.OpsAPIAddr, opsServer))
	}
	for _, srv := range httpServers {
		srv := srv
		go func() {
			logger.Info("http listener starting", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http listener error", "addr", srv.Addr, "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range httpServers {
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http shutdown error", "addr", srv.Addr, "error", err)
			}
		}
	}()

	runErr := orch.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := notifier.Close(closeCtx); err != nil {
		logger.Warn("close notifier", "error", err)
	}

	if runErr != nil {
		logger.Error("orchestrator exited with error", "error", runErr)
		return exitCodeRuntimeError
	}
	logger.Info("shutdown complete")
	return exitCodeClean
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

// replayPendingAbsorbs best-effort pushes every absorb transaction
// persisted by a previous run that did not confirm pushed, mirroring the
// teacher's startPendingSubmissionReplayer pattern.
func replayPendingAbsorbs(ctx context.Context, q *txbuilder.PendingQueue, chain *blockchain.Client) {
	pending, err := q.LoadAll()
	if err != nil {
		logger.Warn("load pending absorbs", "error", err)
		return
	}
	for _, p := range pending {
		accepted, err := chain.PushTx(ctx, p.SignedTx)
		if err != nil || !accepted {
			logger.Warn("replay pending absorb failed, will retry next boot", "launcher_id", hex.EncodeToString(p.LauncherID[:]), "error", err)
			continue
		}
		if err := q.Remove(p.LauncherID); err != nil {
			logger.Warn("remove replayed pending absorb", "launcher_id", hex.EncodeToString(p.LauncherID[:]), "error", err)
		}
	}
}

// noopDifficultyTicker satisfies validator.DifficultyTicker. The
// difficulty periodic task already re-scans every pool member on its own
// cadence (orchestrator/periodic.go's difficultyTick), so the per-partial
// enqueue signal has nothing additional to drive.
type noopDifficultyTicker struct{}

func (noopDifficultyTicker) Enqueue([32]byte) {}

package main

import "time"

const poolSoftwareName = "pospacepool"

// Process exit codes per spec §6.
const (
	exitCodeClean        = 0
	exitCodeConfigInvalid = 1
	exitCodeRuntimeError  = 2
)

const (
	defaultDataDir              = "data"
	defaultListenAddr            = ":9000"
	defaultOpsAPIAddr            = ":9001"
	defaultPartialDeadline       = 28 * time.Second
	defaultCacheTTL              = 300 * time.Second
	defaultSessionTTL            = time.Hour
	defaultAuthTokenTTL          = 24 * time.Hour
	defaultRateLimitWindow       = 60 * time.Second
	defaultStatsLogInterval      = 30 * time.Second
	defaultChainSyncInterval     = 9 * time.Second // approx one signage-point window
	defaultDifficultyAdjustInterval = 9 * time.Second
	defaultCacheSweepInterval   = time.Minute
	defaultSessionSweepInterval = time.Minute
)

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// Config mirrors spec §6's configuration table, plus the ambient settings
// (log paths, cache budgets, worker pool sizing, Discord/operator tuning)
// that a real deployment needs. Loaded from config.toml with an optional
// secrets.toml overlay for credentials, following the teacher's
// config_load.go split between public and secret settings.
type Config struct {
	PoolName string `toml:"pool_name"`
	PoolURL  string `toml:"pool_url"`

	ListenAddr string `toml:"listen_addr"`
	OpsAPIAddr string `toml:"ops_api_addr"`

	PoolFeePercent float64 `toml:"pool_fee_percent"` // fraction in [0,1]
	MinPayoutUnits uint64  `toml:"min_payout_units"`  // base units

	PartialDeadlineSeconds int    `toml:"partial_deadline_seconds"`
	DifficultyTargetPerDay uint64 `toml:"difficulty_target_per_day"`
	MinDifficulty          uint64 `toml:"min_difficulty"`
	MaxDifficulty          uint64 `toml:"max_difficulty"`

	CacheTTLSeconds       int   `toml:"cache_ttl_seconds"`
	CacheProofBudgetBytes int64 `toml:"cache_proof_budget_bytes"`
	CacheSignatureBudget  int64 `toml:"cache_signature_budget_bytes"`
	CacheSingletonBudget  int64 `toml:"cache_singleton_budget_bytes"`
	CacheDifficultyBudget int64 `toml:"cache_difficulty_budget_bytes"`

	QueueCapacity  int `toml:"queue_capacity"`
	WorkerPoolSize int `toml:"worker_pool_size"`

	SessionTTLSeconds   int `toml:"session_ttl_seconds"`
	AuthTokenTTLSeconds int `toml:"auth_token_ttl_seconds"`
	RateLimitPerMinute  int `toml:"rate_limit_per_minute"`

	NodeRPCHost string `toml:"node_rpc_host"`
	NodeRPCPort int    `toml:"node_rpc_port"`
	NodeRPCCert string `toml:"node_rpc_cert"`
	NodeRPCKey  string `toml:"node_rpc_key"`
	NodeZMQAddr string `toml:"node_zmq_addr"`

	DiscordBotToken     string `toml:"discord_bot_token"`
	DiscordChannelID    string `toml:"discord_channel_id"`
	DiscordNotifyBlocks bool   `toml:"discord_notify_blocks"`

	OpsAPISigningSecret string `toml:"ops_api_signing_secret"`

	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	LogLevel string `toml:"log_level"`
}

func defaultConfig() Config {
	return Config{
		PoolName:               "pospacepool",
		PoolURL:                "https://pool.example",
		ListenAddr:             defaultListenAddr,
		OpsAPIAddr:             defaultOpsAPIAddr,
		PoolFeePercent:         0.01,
		MinPayoutUnits:         1_000_000_000,
		PartialDeadlineSeconds: int(defaultPartialDeadline / time.Second),
		DifficultyTargetPerDay: 300,
		MinDifficulty:          1,
		MaxDifficulty:          1 << 40,
		CacheTTLSeconds:        int(defaultCacheTTL / time.Second),
		CacheProofBudgetBytes:  64 << 20,
		CacheSignatureBudget:   32 << 20,
		CacheSingletonBudget:   16 << 20,
		CacheDifficultyBudget:  8 << 20,
		QueueCapacity:          8192,
		WorkerPoolSize:         0, // 0 => runtime.NumCPU()
		SessionTTLSeconds:      int(defaultSessionTTL / time.Second),
		AuthTokenTTLSeconds:    int(defaultAuthTokenTTL / time.Second),
		RateLimitPerMinute:     120,
		NodeRPCPort:            8444,
		DataDir:                defaultDataDir,
		LogLevel:               "info",
	}
}

func defaultConfigPath() string {
	return filepath.Join(defaultDataDir, "config", "config.toml")
}

// loadConfig loads config.toml over the defaults and overlays an optional
// secrets.toml, exactly as the teacher's loadConfig does for its own
// RPC/Discord/Backblaze credentials.
func loadConfig(configPath, secretsPath string) (Config, string) {
	cfg := defaultConfig()

	if configPath == "" {
		configPath = defaultConfigPath()
	}
	if data, err := os.ReadFile(configPath); err == nil {
		var fileCfg Config
		if err := toml.Unmarshal(data, &fileCfg); err != nil {
			fatal("parse config file", err, "path", configPath)
		}
		mergeConfig(&cfg, fileCfg)
	} else if !os.IsNotExist(err) {
		fatal("read config file", err, "path", configPath)
	}

	if secretsPath == "" {
		secretsPath = filepath.Join(cfg.DataDir, "config", "secrets.toml")
	}
	if data, err := os.ReadFile(secretsPath); err == nil {
		var secrets Config
		if err := toml.Unmarshal(data, &secrets); err != nil {
			fatal("parse secrets file", err, "path", secretsPath)
		}
		if secrets.DiscordBotToken != "" {
			cfg.DiscordBotToken = secrets.DiscordBotToken
		}
		if secrets.OpsAPISigningSecret != "" {
			cfg.OpsAPISigningSecret = secrets.OpsAPISigningSecret
		}
		if secrets.NodeRPCCert != "" {
			cfg.NodeRPCCert = secrets.NodeRPCCert
		}
		if secrets.NodeRPCKey != "" {
			cfg.NodeRPCKey = secrets.NodeRPCKey
		}
	} else if !os.IsNotExist(err) {
		fatal("read secrets file", err, "path", secretsPath)
	}

	return cfg, secretsPath
}

// mergeConfig overlays non-zero fields of override onto base. The
// credential fields (node RPC cert/key, Discord bot token, ops API signing
// secret) are not merged here; loadConfig takes them from secrets.toml
// only. Mirrors the teacher's applyBaseConfig merge-over-defaults pattern.
func mergeConfig(base *Config, override Config) {
	v := func(s string, dflt string) string {
		if s != "" {
			return s
		}
		return dflt
	}
	base.PoolName = v(override.PoolName, base.PoolName)
	base.PoolURL = v(override.PoolURL, base.PoolURL)
	base.ListenAddr = v(override.ListenAddr, base.ListenAddr)
	base.OpsAPIAddr = v(override.OpsAPIAddr, base.OpsAPIAddr)
	if override.PoolFeePercent != 0 {
		base.PoolFeePercent = override.PoolFeePercent
	}
	if override.MinPayoutUnits != 0 {
		base.MinPayoutUnits = override.MinPayoutUnits
	}
	if override.PartialDeadlineSeconds != 0 {
		base.PartialDeadlineSeconds = override.PartialDeadlineSeconds
	}
	if override.DifficultyTargetPerDay != 0 {
		base.DifficultyTargetPerDay = override.DifficultyTargetPerDay
	}
	if override.MinDifficulty != 0 {
		base.MinDifficulty = override.MinDifficulty
	}
	if override.MaxDifficulty != 0 {
		base.MaxDifficulty = override.MaxDifficulty
	}
	if override.CacheTTLSeconds != 0 {
		base.CacheTTLSeconds = override.CacheTTLSeconds
	}
	if override.CacheProofBudgetBytes != 0 {
		base.CacheProofBudgetBytes = override.CacheProofBudgetBytes
	}
	if override.CacheSignatureBudget != 0 {
		base.CacheSignatureBudget = override.CacheSignatureBudget
	}
	if override.CacheSingletonBudget != 0 {
		base.CacheSingletonBudget = override.CacheSingletonBudget
	}
	if override.CacheDifficultyBudget != 0 {
		base.CacheDifficultyBudget = override.CacheDifficultyBudget
	}
	if override.QueueCapacity != 0 {
		base.QueueCapacity = override.QueueCapacity
	}
	if override.WorkerPoolSize != 0 {
		base.WorkerPoolSize = override.WorkerPoolSize
	}
	if override.SessionTTLSeconds != 0 {
		base.SessionTTLSeconds = override.SessionTTLSeconds
	}
	if override.AuthTokenTTLSeconds != 0 {
		base.AuthTokenTTLSeconds = override.AuthTokenTTLSeconds
	}
	if override.RateLimitPerMinute != 0 {
		base.RateLimitPerMinute = override.RateLimitPerMinute
	}
	base.NodeRPCHost = v(override.NodeRPCHost, base.NodeRPCHost)
	if override.NodeRPCPort != 0 {
		base.NodeRPCPort = override.NodeRPCPort
	}
	base.NodeZMQAddr = v(override.NodeZMQAddr, base.NodeZMQAddr)
	base.DiscordChannelID = v(override.DiscordChannelID, base.DiscordChannelID)
	base.DiscordNotifyBlocks = base.DiscordNotifyBlocks || override.DiscordNotifyBlocks
	base.DataDir = v(override.DataDir, base.DataDir)
	base.LogDir = v(override.LogDir, base.LogDir)
	base.LogLevel = v(override.LogLevel, base.LogLevel)
}

// validateConfig enforces spec §6/§7: an invalid configuration is a fatal
// startup error (exit code 1), never a partial/degraded start.
func validateConfig(cfg Config) error {
	var problems []string
	if strings.TrimSpace(cfg.PoolName) == "" {
		problems = append(problems, "pool_name is required")
	}
	if cfg.PoolFeePercent < 0 || cfg.PoolFeePercent > 1 {
		problems = append(problems, "pool_fee_percent must be within [0,1]")
	}
	if cfg.PartialDeadlineSeconds <= 0 {
		problems = append(problems, "partial_deadline must be positive")
	}
	if cfg.MinDifficulty == 0 || cfg.MaxDifficulty < cfg.MinDifficulty {
		problems = append(problems, "min_difficulty/max_difficulty out of order")
	}
	if cfg.DifficultyTargetPerDay == 0 {
		problems = append(problems, "difficulty_target must be positive")
	}
	if cfg.QueueCapacity <= 0 {
		problems = append(problems, "queue_capacity must be positive")
	}
	if cfg.NodeRPCHost == "" {
		problems = append(problems, "node_rpc_host is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) logDir() string {
	if c.LogDir != "" {
		return c.LogDir
	}
	return filepath.Join(c.DataDir, "logs")
}

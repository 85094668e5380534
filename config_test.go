package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFilesFallsBackToDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	cfg, secretsPath := loadConfig(filepath.Join(tmpDir, "config.toml"), filepath.Join(tmpDir, "secrets.toml"))

	want := defaultConfig()
	if cfg.PoolName != want.PoolName || cfg.ListenAddr != want.ListenAddr {
		t.Fatalf("loadConfig() = %+v, want defaults %+v", cfg, want)
	}
	if secretsPath != filepath.Join(tmpDir, "secrets.toml") {
		t.Fatalf("secretsPath = %q", secretsPath)
	}
}

func TestLoadConfigOverlaysFileAndSecrets(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.toml")
	secretsPath := filepath.Join(tmpDir, "secrets.toml")

	if err := os.WriteFile(cfgPath, []byte(`pool_name = "custom-pool"
min_difficulty = 50
max_difficulty = 500
`), 0o644); err != nil {
		t.Fatalf("write config.toml: %v", err)
	}
	if err := os.WriteFile(secretsPath, []byte(`discord_bot_token = "shh"
ops_api_signing_secret = "topsecret"
`), 0o644); err != nil {
		t.Fatalf("write secrets.toml: %v", err)
	}

	cfg, _ := loadConfig(cfgPath, secretsPath)
	if cfg.PoolName != "custom-pool" {
		t.Fatalf("PoolName = %q, want custom-pool", cfg.PoolName)
	}
	if cfg.MinDifficulty != 50 || cfg.MaxDifficulty != 500 {
		t.Fatalf("difficulty range = [%d,%d], want [50,500]", cfg.MinDifficulty, cfg.MaxDifficulty)
	}
	if cfg.DiscordBotToken != "shh" {
		t.Fatalf("DiscordBotToken = %q, want shh", cfg.DiscordBotToken)
	}
	if cfg.OpsAPISigningSecret != "topsecret" {
		t.Fatalf("OpsAPISigningSecret = %q, want topsecret", cfg.OpsAPISigningSecret)
	}
	// Fields the file didn't set should still carry their defaults.
	if cfg.CacheTTLSeconds != defaultConfig().CacheTTLSeconds {
		t.Fatalf("CacheTTLSeconds = %d, want default preserved", cfg.CacheTTLSeconds)
	}
}

func TestMergeConfigLeavesZeroOverridesUnchanged(t *testing.T) {
	base := defaultConfig()
	base.RateLimitPerMinute = 120
	base.QueueCapacity = 8192

	mergeConfig(&base, Config{})

	if base.RateLimitPerMinute != 120 {
		t.Fatalf("RateLimitPerMinute = %d, want unchanged 120", base.RateLimitPerMinute)
	}
	if base.QueueCapacity != 8192 {
		t.Fatalf("QueueCapacity = %d, want unchanged 8192", base.QueueCapacity)
	}
}

func TestMergeConfigAppliesNonZeroOverrides(t *testing.T) {
	base := defaultConfig()
	mergeConfig(&base, Config{
		RateLimitPerMinute: 30,
		NodeRPCPort:        9999,
		DiscordChannelID:   "12345",
	})

	if base.RateLimitPerMinute != 30 {
		t.Fatalf("RateLimitPerMinute = %d, want 30", base.RateLimitPerMinute)
	}
	if base.NodeRPCPort != 9999 {
		t.Fatalf("NodeRPCPort = %d, want 9999", base.NodeRPCPort)
	}
	if base.DiscordChannelID != "12345" {
		t.Fatalf("DiscordChannelID = %q, want 12345", base.DiscordChannelID)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(c *Config) { c.NodeRPCHost = "localhost" }, wantErr: false},
		{name: "empty pool name", mutate: func(c *Config) { c.PoolName = "" }, wantErr: true},
		{name: "fee percent out of range", mutate: func(c *Config) { c.PoolFeePercent = 1.5 }, wantErr: true},
		{name: "zero partial deadline", mutate: func(c *Config) { c.PartialDeadlineSeconds = 0 }, wantErr: true},
		{name: "max below min difficulty", mutate: func(c *Config) { c.MinDifficulty = 100; c.MaxDifficulty = 10 }, wantErr: true},
		{name: "zero difficulty target", mutate: func(c *Config) { c.DifficultyTargetPerDay = 0 }, wantErr: true},
		{name: "zero queue capacity", mutate: func(c *Config) { c.QueueCapacity = 0 }, wantErr: true},
		{name: "missing node rpc host", mutate: func(c *Config) { c.NodeRPCHost = "" }, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.NodeRPCHost = "localhost"
			tt.mutate(&cfg)
			err := validateConfig(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigLogDirFallsBackToDataDir(t *testing.T) {
	cfg := Config{DataDir: "/var/lib/pospacepool"}
	if got, want := cfg.logDir(), filepath.Join("/var/lib/pospacepool", "logs"); got != want {
		t.Fatalf("logDir() = %q, want %q", got, want)
	}

	cfg.LogDir = "/custom/logs"
	if got := cfg.logDir(); got != "/custom/logs" {
		t.Fatalf("logDir() = %q, want /custom/logs", got)
	}
}

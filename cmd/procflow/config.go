package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all procflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	SweepSeconds    int    `json:"sweep_seconds"`
	SweepBatchSize  int    `json:"sweep_batch_size"`
	MaintenanceCron string `json:"maintenance_cron"`
	RetentionDays   int    `json:"retention_days"`
	IdempotencyTTL  string `json:"idempotency_ttl"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:      ":4200",
		DBPath:          filepath.Join(procflowDir(), "procflow.db"),
		LogLevel:        "info",
		SweepSeconds:    30,
		SweepBatchSize:  100,
		MaintenanceCron: "0 3 * * *",
		RetentionDays:   90,
		IdempotencyTTL:  "24h",
	}
}

func procflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".procflow"
	}
	return filepath.Join(home, ".procflow")
}

func settingsPath() string {
	return filepath.Join(procflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PROCFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PROCFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PROCFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PROCFLOW_SWEEP_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepSeconds = n
		}
	}
	if v := os.Getenv("PROCFLOW_SWEEP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepBatchSize = n
		}
	}
	if v := os.Getenv("PROCFLOW_MAINTENANCE_CRON"); v != "" {
		cfg.MaintenanceCron = v
	}
	if v := os.Getenv("PROCFLOW_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = n
		}
	}
	if v := os.Getenv("PROCFLOW_IDEMPOTENCY_TTL"); v != "" {
		cfg.IdempotencyTTL = v
	}

	return cfg
}

func (c Config) idempotencyTTL() time.Duration {
	d, err := time.ParseDuration(c.IdempotencyTTL)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

func (c Config) retention() time.Duration {
	if c.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

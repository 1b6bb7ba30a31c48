package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/policy"
)

// Config holds all nofx server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	Backend       string            `json:"backend"` // libsql | file
	DBPath        string            `json:"db_path"`
	DataDir       string            `json:"data_dir"`
	LogLevel      string            `json:"log_level"`
	PoolSize      int               `json:"pool_size"`
	StepTimeoutMs int64             `json:"step_timeout_ms"`
	ApprovalMode  string            `json:"approval_mode"`  // none | dangerous | all
	SweepSchedule string            `json:"sweep_schedule"` // 5-field cron
	CodegenRoot   string            `json:"codegen_root"`
	GateChecks    map[string]string `json:"gate_checks"`
	PolicyRules   []policy.Rule     `json:"policy_rules"`
}

func defaultConfig() Config {
	return Config{
		Backend:       "libsql",
		DBPath:        filepath.Join(nofxDir(), "nofx.db"),
		DataDir:       filepath.Join(nofxDir(), "data"),
		LogLevel:      "info",
		PoolSize:      10,
		StepTimeoutMs: 30 * 60 * 1000,
		ApprovalMode:  "dangerous",
		SweepSchedule: "* * * * *",
		CodegenRoot:   filepath.Join(nofxDir(), "artifacts"),
	}
}

func nofxDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nofx"
	}
	return filepath.Join(home, ".nofx")
}

func settingsPath() string {
	return filepath.Join(nofxDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("NOFX_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("NOFX_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("NOFX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("NOFX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NOFX_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("NOFX_STEP_TIMEOUT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.StepTimeoutMs = n
		}
	}
	if v := os.Getenv("NOFX_APPROVAL_MODE"); v != "" {
		cfg.ApprovalMode = v
	}
	if v := os.Getenv("NOFX_SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
	if v := os.Getenv("NOFX_CODEGEN_ROOT"); v != "" {
		cfg.CodegenRoot = v
	}

	return cfg
}

func (c Config) approvalMode() policy.ApprovalMode {
	switch c.ApprovalMode {
	case "none":
		return policy.ApprovalNone
	case "all":
		return policy.ApprovalAll
	default:
		return policy.ApprovalDangerous
	}
}

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/policy"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"NOFX_BACKEND", "NOFX_DB_PATH", "NOFX_DATA_DIR", "NOFX_LOG_LEVEL",
		"NOFX_POOL_SIZE", "NOFX_STEP_TIMEOUT", "NOFX_APPROVAL_MODE",
		"NOFX_SWEEP_SCHEDULE", "NOFX_CODEGEN_ROOT",
	} {
		t.Setenv(key, "")
	}
	return home
}

func TestLoadConfigDefaults(t *testing.T) {
	home := isolateHome(t)

	cfg := loadConfig()
	assert.Equal(t, "libsql", cfg.Backend)
	assert.Equal(t, filepath.Join(home, ".nofx", "nofx.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, int64(30*60*1000), cfg.StepTimeoutMs)
	assert.Equal(t, "dangerous", cfg.ApprovalMode)
	assert.Equal(t, "* * * * *", cfg.SweepSchedule)
}

func TestLoadConfigSettingsFile(t *testing.T) {
	home := isolateHome(t)

	dir := filepath.Join(home, ".nofx")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	settings := Config{
		Backend:      "file",
		LogLevel:     "debug",
		PoolSize:     3,
		ApprovalMode: "all",
		GateChecks:   map[string]string{"typecheck": "make typecheck"},
		PolicyRules: []policy.Rule{
			{Name: "no-truncate", Deny: `op == "truncate"`},
		},
	}
	data, err := json.Marshal(settings)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), data, 0o644))

	cfg := loadConfig()
	assert.Equal(t, "file", cfg.Backend)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, "all", cfg.ApprovalMode)
	assert.Equal(t, "make typecheck", cfg.GateChecks["typecheck"])
	require.Len(t, cfg.PolicyRules, 1)
	assert.Equal(t, "no-truncate", cfg.PolicyRules[0].Name)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	home := isolateHome(t)

	dir := filepath.Join(home, ".nofx")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"),
		[]byte(`{"pool_size": 3, "log_level": "debug"}`), 0o644))

	t.Setenv("NOFX_BACKEND", "file")
	t.Setenv("NOFX_DB_PATH", "/tmp/custom.db")
	t.Setenv("NOFX_POOL_SIZE", "7")
	t.Setenv("NOFX_STEP_TIMEOUT", "60000")
	t.Setenv("NOFX_APPROVAL_MODE", "none")
	t.Setenv("NOFX_SWEEP_SCHEDULE", "*/5 * * * *")

	cfg := loadConfig()
	assert.Equal(t, "file", cfg.Backend)
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, 7, cfg.PoolSize)
	assert.Equal(t, int64(60000), cfg.StepTimeoutMs)
	assert.Equal(t, "none", cfg.ApprovalMode)
	assert.Equal(t, "*/5 * * * *", cfg.SweepSchedule)
	// Settings not overridden by env still apply.
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigBadEnvNumbers(t *testing.T) {
	isolateHome(t)

	t.Setenv("NOFX_POOL_SIZE", "not-a-number")
	t.Setenv("NOFX_STEP_TIMEOUT", "soon")

	cfg := loadConfig()
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, int64(30*60*1000), cfg.StepTimeoutMs)
}

func TestApprovalModeMapping(t *testing.T) {
	assert.Equal(t, policy.ApprovalNone, Config{ApprovalMode: "none"}.approvalMode())
	assert.Equal(t, policy.ApprovalAll, Config{ApprovalMode: "all"}.approvalMode())
	assert.Equal(t, policy.ApprovalDangerous, Config{ApprovalMode: "dangerous"}.approvalMode())
	assert.Equal(t, policy.ApprovalDangerous, Config{ApprovalMode: ""}.approvalMode())
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TASKDEX_CONFIG", "PORT", "TASKDEX_ADDR", "TASKDEX_KEY",
		"TASKDEX_STATE_DIR", "TASKDEX_STORE", "TASKDEX_CODEX_BIN",
		"TASKDEX_LOG_LEVEL", "TASKDEX_PUSHOVER_TOKEN", "TASKDEX_PUSHOVER_USER",
		"TASKDEX_ALLOWED_ORIGINS", "DEBUG", "TASKDEX_EXPO_PUSH",
		"TASKDEX_NOTIFY_TURNS", "TASKDEX_REQUEST_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func ptr[T any](v T) *T { return &v }

func TestLoadRequiresKey(t *testing.T) {
	clearEnv(t)
	_, err := Load(Overrides{})
	require.ErrorContains(t, err, "TASKDEX_KEY")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKDEX_KEY", "k")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	require.Equal(t, ":8765", cfg.Addr)
	require.Equal(t, "file", cfg.Store)
	require.Equal(t, "codex", cfg.Command)
	require.Equal(t, []string{"app-server"}, cfg.Args)
	require.Equal(t, 30*time.Second, cfg.RequestTimeout)
	require.Equal(t, 10*time.Second, cfg.AuthTimeout)
	require.False(t, cfg.Pushover.Enabled())
	require.Equal(t, "info", cfg.EffectiveLogLevel())
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "taskdex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9000"
key: from-file
store: sqlite
log_level: warn
codex:
  bin: /opt/codex
  request_timeout_ms: 5000
push:
  pushover_token: tok
  pushover_user: usr
  expo: true
`), 0o600))

	t.Setenv("TASKDEX_CONFIG", path)
	t.Setenv("PORT", "9100")
	t.Setenv("TASKDEX_KEY", "from-env")

	cfg, err := Load(Overrides{StateDir: ptr(dir), Debug: ptr(true)})
	require.NoError(t, err)

	require.Equal(t, path, cfg.Path)
	require.Equal(t, ":9100", cfg.Addr)
	require.Equal(t, "from-env", cfg.SharedKey)
	require.Equal(t, "sqlite", cfg.Store)
	require.Equal(t, "/opt/codex", cfg.Command)
	require.Equal(t, 5*time.Second, cfg.RequestTimeout)
	require.Equal(t, dir, cfg.StateDir)
	require.True(t, cfg.Pushover.Enabled())
	require.True(t, cfg.ExpoPush)
	require.True(t, cfg.Debug)
	require.Equal(t, "warn", cfg.EffectiveLogLevel())
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKDEX_KEY", "k")

	_, err := Load(Overrides{Store: ptr("postgres")})
	require.ErrorContains(t, err, "unknown store")

	t.Setenv("PORT", "http")
	_, err = Load(Overrides{})
	require.ErrorContains(t, err, "PORT")
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKDEX_KEY", "k")
	_, err := Load(Overrides{Path: ptr(filepath.Join(t.TempDir(), "nope.yaml"))})
	require.Error(t, err)
}

func TestDebugRaisesDefaultLevel(t *testing.T) {
	cfg := &Config{LogLevel: "info", Debug: true}
	require.Equal(t, "debug", cfg.EffectiveLogLevel())
}

func TestWatchReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskdex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func() { calls.Add(1) }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o600))

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

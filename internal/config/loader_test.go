package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps the developer's own config file and env out of the test.
func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("EXPVISOR_CONFIG", "")
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)
		assert.True(t, cfg.Health.Enabled)
		assert.False(t, cfg.Debug.PprofEnabled)

		assert.Equal(t, "file", cfg.Store.Driver)
		assert.Equal(t, 10*time.Second, cfg.Store.LockTimeout)
		assert.Equal(t, 16*1024, cfg.Store.TailCapBytes)
		assert.Equal(t, []string{"talkingtomachines"}, cfg.Supervisor.Command)
		assert.Equal(t, time.Second, cfg.Supervisor.PollInterval)
		assert.Equal(t, 10*time.Second, cfg.Supervisor.StopGrace)
		assert.Equal(t, time.Hour, cfg.Supervisor.MaxRuntime)
		assert.True(t, cfg.Supervisor.Detached)
		assert.Equal(t, "none", cfg.Archive.Kind)
		assert.Empty(t, cfg.Access.Admins)

		require.NotEmpty(t, cfg.DataDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "experiments"), cfg.Store.Path)
		assert.Equal(t, filepath.Join(cfg.DataDir, "results"), cfg.Results.Root)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
			"store": map[string]any{
				"driver": "sqlite",
			},
			"data_dir": "/srv/expvisor",
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "/srv/expvisor/experiments.db", cfg.Store.Path)

		// Untouched values keep their defaults.
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("EXPVISOR_PORT", "3000")
		t.Setenv("EXPVISOR_LOG_LEVEL", "warn")
		t.Setenv("EXPVISOR_METRICS_ENABLED", "false")
		t.Setenv("EXPVISOR_ADMINS", "root, ops")
		t.Setenv("EXPVISOR_RUNNER", "python -m talkingtomachines")
		t.Setenv("EXPVISOR_STORE_LOCK_TIMEOUT", "3s")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, []string{"root", "ops"}, cfg.Access.Admins)
		assert.Equal(t, []string{"python", "-m", "talkingtomachines"}, cfg.Supervisor.Command)
		assert.Equal(t, 3*time.Second, cfg.Store.LockTimeout)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("EXPVISOR_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "expvisor.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
supervisor:
  poll_interval: 250ms
  max_runtime: 0s
access:
  admins: [root]
archive:
  kind: s3
  s3:
    bucket: experiments
`), 0644))
		t.Setenv("EXPVISOR_CONFIG", path)
		t.Setenv("EXPVISOR_POLL_INTERVAL", "2s")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2*time.Second, cfg.Supervisor.PollInterval, "env beats file")
		assert.Zero(t, cfg.Supervisor.MaxRuntime)
		assert.Equal(t, []string{"root"}, cfg.Access.Admins)
		assert.Equal(t, "s3", cfg.Archive.Kind)
		assert.Equal(t, "experiments", cfg.Archive.S3.Bucket)
		assert.Equal(t, "expvisor", cfg.Archive.S3.Prefix)
	})

	t.Run("UserConfigFile", func(t *testing.T) {
		isolate(t)
		dir, err := os.UserConfigDir()
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "expvisor"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "expvisor", "config.yaml"), []byte("server:\n  port: 7070\n"), 0644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
	})
}

func TestLoad_Invalid(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		overrides map[string]any
		contains  string
	}{
		{"store driver", map[string]any{"store": map[string]any{"driver": "postgres"}}, "store.driver"},
		{"archive kind", map[string]any{"archive": map[string]any{"kind": "tape"}}, "archive.kind"},
		{"s3 without bucket", map[string]any{"archive": map[string]any{"kind": "s3"}}, "archive.s3.bucket"},
		{"empty runner", map[string]any{"supervisor": map[string]any{"command": []string{}}}, "supervisor.command"},
		{"zero poll", map[string]any{"supervisor": map[string]any{"poll_interval": "0s"}}, "poll_interval"},
		{"bad duration", map[string]any{"supervisor": map[string]any{"stop_grace": "soon"}}, "decode config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(ctx, tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)

	cfg2, err := Load(context.Background(), map[string]any{"server": map[string]any{"port": cfg.Server.Port + 1000}})
	require.NoError(t, err)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

func TestEnvSpecs(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "EXPVISOR_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
	for _, want := range []string{"EXPVISOR_LOG_LEVEL", "EXPVISOR_PORT", "EXPVISOR_HOST", "EXPVISOR_METRICS_PORT", "EXPVISOR_DATA_DIR", "EXPVISOR_ADMINS"} {
		assert.True(t, names[want], "%s must be mapped", want)
	}
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("EXPVISOR_READ_TIMEOUT", "45s")
	t.Setenv("EXPVISOR_SHUTDOWN_TIMEOUT", "5m")
	t.Setenv("EXPVISOR_STOP_GRACE", "1m30s")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 90*time.Second, cfg.Supervisor.StopGrace)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
	assert.Nil(t, GetConfig())
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"a": 1,
		"b": map[string]any{"c": "x", "d": map[string]any{"e": true}},
	})
	assert.Equal(t, map[string]any{"a": 1, "b.c": "x", "b.d.e": true}, got)
}

package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
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

		assert.Equal(t, "file", cfg.Storage.Provider)
		assert.Equal(t, "data/registry.db", cfg.Registry.Path)

		assert.Equal(t, "sparv", cfg.Pipeline.Command)
		assert.Equal(t, 2, cfg.Pipeline.MaxConcurrent)
		assert.Equal(t, 15*time.Second, cfg.Pipeline.TickInterval)
		assert.Equal(t, "corpus-", cfg.ResourcePrefix)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Non-overridden values keep their defaults.
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, 2, cfg.Pipeline.MaxConcurrent)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		require.NoError(t, os.Setenv("CORPUSD_SERVER_PORT", "3000"))
		require.NoError(t, os.Setenv("CORPUSD_LOGGING_LEVEL", "warn"))
		require.NoError(t, os.Setenv("CORPUSD_PIPELINE_MAX_CONCURRENT", "5"))
		defer func() {
			_ = os.Unsetenv("CORPUSD_SERVER_PORT")
			_ = os.Unsetenv("CORPUSD_LOGGING_LEVEL")
			_ = os.Unsetenv("CORPUSD_PIPELINE_MAX_CONCURRENT")
		}()

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 5, cfg.Pipeline.MaxConcurrent)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		require.NoError(t, os.Setenv("CORPUSD_SERVER_PORT", "4000"))
		defer func() {
			_ = os.Unsetenv("CORPUSD_SERVER_PORT")
		}()

		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		// Runtime override wins over env var.
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("DurationFromEnv", func(t *testing.T) {
		require.NoError(t, os.Setenv("CORPUSD_SERVER_READ_TIMEOUT", "45s"))
		require.NoError(t, os.Setenv("CORPUSD_PIPELINE_TICK_INTERVAL", "1m"))
		defer func() {
			_ = os.Unsetenv("CORPUSD_SERVER_READ_TIMEOUT")
			_ = os.Unsetenv("CORPUSD_PIPELINE_TICK_INTERVAL")
		}()

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, time.Minute, cfg.Pipeline.TickInterval)
	})
}

func TestLoad_ConfigFile(t *testing.T) {
	ctx := context.Background()

	file, err := os.CreateTemp(t.TempDir(), "corpusd-*.yaml")
	require.NoError(t, err)
	_, err = file.WriteString("server:\n  port: 7070\npipeline:\n  command: /opt/sparv/bin/sparv\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	t.Setenv("CORPUSD_CONFIG", file.Name())

	cfg, err := Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/opt/sparv/bin/sparv", cfg.Pipeline.Command)
	// Untouched sections keep defaults.
	assert.Equal(t, "localhost", cfg.Server.Host)
}

func TestLoad_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := Load(ctx, map[string]any{
		"storage": map[string]any{"provider": "ftp"},
	})
	require.Error(t, err)

	_, err = Load(ctx, map[string]any{
		"storage": map[string]any{"provider": "s3"},
	})
	require.Error(t, err, "s3 provider without bucket must fail validation")

	_, err = Load(ctx, map[string]any{
		"pipeline": map[string]any{"max_concurrent": 0},
	})
	require.Error(t, err)
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	cfg, err := Load(ctx)
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)

	// Reload replaces the shared instance.
	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{"port": cfg.Server.Port + 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

func TestPipelineJobArgs(t *testing.T) {
	ctx := context.Background()
	cfg, err := Load(ctx)
	require.NoError(t, err)

	args := cfg.Pipeline.JobArgs()
	assert.Len(t, args, 5)
	assert.Equal(t, []string{"run", "--json-log"}, args["annotate"])
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.HTTP.Host)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "", cfg.Store.URI)
	assert.Equal(t, "food_ordering", cfg.Store.Database)
	assert.Equal(t, uint64(20), cfg.Store.MaxPoolSize)
	assert.Equal(t, 2*time.Second, cfg.Payments.SettlementDelay)
	assert.Equal(t, 0.9, cfg.Payments.CaptureRate)
	assert.Equal(t, 3*time.Second, cfg.Identity.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_HOST", "127.0.0.1")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("MONGO_MAX_POOL_SIZE", "5")
	t.Setenv("SETTLEMENT_DELAY", "500ms")
	t.Setenv("SETTLEMENT_CAPTURE_RATE", "0.75")
	t.Setenv("IDENTITY_BASE_URL", "http://identity:3000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.HTTP.Host)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Store.URI)
	assert.Equal(t, uint64(5), cfg.Store.MaxPoolSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Payments.SettlementDelay)
	assert.Equal(t, 0.75, cfg.Payments.CaptureRate)
	assert.Equal(t, "http://identity:3000", cfg.Identity.BaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
  shutdownTimeout: 30s
mongo:
  uri: mongodb://file-host:27017
  database: payments_test
payments:
  settlementDelay: 1s
  captureRate: 0.5
logging:
  level: warn
`), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "mongodb://file-host:27017", cfg.Store.URI)
	assert.Equal(t, "payments_test", cfg.Store.Database)
	assert.Equal(t, time.Second, cfg.Payments.SettlementDelay)
	assert.Equal(t, 0.5, cfg.Payments.CaptureRate)
	assert.Equal(t, "warn", cfg.Logging.Level)
	// Unspecified keys keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.HTTP.Host)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mongo:
  database: from_file
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MONGO_DATABASE", "from_env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from_env", cfg.Store.Database)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("port out of range", func(t *testing.T) {
		t.Setenv("SERVER_PORT", "70000")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("invalid duration", func(t *testing.T) {
		t.Setenv("SETTLEMENT_DELAY", "soon")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("invalid file duration", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("payments:\n  settlementDelay: later\n"), 0o600))
		t.Setenv("CONFIG_FILE", path)
		_, err := Load()
		require.Error(t, err)
	})
}

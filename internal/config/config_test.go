package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := LoadConfig("order-worker")
	require.NoError(t, err)

	assert.Equal(t, "order-worker", cfg.ServiceName)
	assert.Equal(t, 10, cfg.QueueConcurrency)
	assert.Equal(t, 100, cfg.QueueRateMax)
	assert.Equal(t, 60*time.Second, cfg.QueueRateWindow)
	assert.Equal(t, 3, cfg.QueueMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.QueueBackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.PriceMaxWait)
	assert.Equal(t, 5*time.Second, cfg.PricePollInterval)
	assert.Equal(t, ":3000", cfg.HTTPAddr())
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte(`
queue_concurrency: 4
price_poll_interval: 1s
store_driver: memory
queue_backend: memory
`), 0644)
	require.NoError(t, err)

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("QUEUE_CONCURRENCY", "7")

	cfg, err := LoadConfig("order-worker")
	require.NoError(t, err)

	// Env wins over the file, the file wins over defaults
	assert.Equal(t, 7, cfg.QueueConcurrency)
	assert.Equal(t, time.Second, cfg.PricePollInterval)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, "memory", cfg.QueueBackend)
}

func TestLoadConfig_RejectsPostgresWithoutURL(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := LoadConfig("order-worker")
	assert.Error(t, err)
}

func TestGetEnvAsDuration_IgnoresGarbage(t *testing.T) {
	t.Setenv("PRICE_MAX_WAIT", "soon")
	assert.Equal(t, time.Minute, getEnvAsDuration("PRICE_MAX_WAIT", time.Minute))
}

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
	t.Setenv("CONFIG_PATH", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, QueueBackendBatch, cfg.QueueBackend)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 200, cfg.MaxOutstandingPerRAMTier)
	assert.Equal(t, 8*time.Hour, cfg.DownloaderMaxRunTime)
	assert.Equal(t, "/home/user/data_store", cfg.LocalRootDir)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("QUEUE_BACKEND", "redis")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("MISSING_HANDLE_GRACE", "90s")
	t.Setenv("SUBMIT_RATE_REFILL", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, QueueBackendRedis, cfg.QueueBackend)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.MissingHandleGrace)
	assert.InDelta(t, 2.5, cfg.SubmitRateRefill, 0.0001)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_job_queue: refinery-prod\nmax_retries: 1\n"), 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "refinery-prod", cfg.BatchJobQueue)
	assert.Equal(t, 1, cfg.MaxRetries)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("QUEUE_BACKEND", "sqs")
	_, err := Load()
	require.Error(t, err)
}

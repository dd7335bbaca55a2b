package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.QueueBackend)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.Equal(t, "0 9 * * *", cfg.ScanCron)
	assert.Equal(t, 2*time.Minute, cfg.BackoffInitial)
	assert.True(t, cfg.ScannerEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("WORKER_CONCURRENCY", "2")
	t.Setenv("SCAN_TIMEZONE", "Europe/Berlin")
	t.Setenv("SCANNER_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.QueueBackend)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.False(t, cfg.ScannerEnabled)
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"unknown backend":  {"QUEUE_BACKEND", "kafka"},
		"bad timezone":     {"SCAN_TIMEZONE", "Mars/Olympus"},
		"zero concurrency": {"WORKER_CONCURRENCY", "0"},
		"zero history cap": {"HISTORY_COMPLETED_LIMIT", "0"},
		"bad duration":     {"BACKOFF_INITIAL", "soon"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestValidateBackoffOrder(t *testing.T) {
	t.Setenv("BACKOFF_INITIAL", "2h")
	t.Setenv("BACKOFF_MAX", "1h")
	_, err := Load()
	require.ErrorContains(t, err, "BACKOFF_INITIAL")
}

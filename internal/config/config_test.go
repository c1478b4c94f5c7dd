package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "uplinkd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("UPLINKD_UPLOAD_BASE_URL", "https://ingest.example.com")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "https://ingest.example.com", cfg.Upload.BaseURL)
	assert.Equal(t, "/upload/", cfg.Upload.PostPath)
	assert.Equal(t, "/upload/", cfg.Upload.PutPath)
	assert.Equal(t, int64(91136), cfg.Upload.ChunkSize)
	assert.Equal(t, 100, cfg.Upload.ErrorThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Upload.RetryDelay)
	assert.Equal(t, 2, cfg.Upload.HTTPRetryMax)
	assert.Zero(t, cfg.Upload.RequestTimeout)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "./uplinkd.db", cfg.Store.DSN)
	assert.Equal(t, 1000, cfg.Store.ListLimit)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.PollInterval)

	assert.Empty(t, cfg.Spool.Dir)
	assert.Equal(t, "./staging", cfg.Spool.StagingDir)
	assert.True(t, cfg.Spool.DeleteAfterUpload)

	assert.Equal(t, ":8089", cfg.Server.Addr)
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.False(t, cfg.Kafka.Enabled())
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
upload:
  base_url: https://file.example.com
  api_key: from-file
  chunk_size: 4096
  retry_delay: 90s
store:
  driver: postgres
  dsn: postgres://uplink@db/uplink
kafka:
  brokers: [k1:9092, k2:9092]
  topic: transfers
redis:
  addr: localhost:6379
  db: 2
log:
  format: console
`)
	t.Setenv("UPLINKD_UPLOAD_API_KEY", "from-env")
	t.Setenv("UPLINKD_SCHEDULER_POLL_INTERVAL", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://file.example.com", cfg.Upload.BaseURL)
	assert.Equal(t, "from-env", cfg.Upload.APIKey)
	assert.Equal(t, int64(4096), cfg.Upload.ChunkSize)
	assert.Equal(t, 90*time.Second, cfg.Upload.RetryDelay)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://uplink@db/uplink", cfg.Store.DSN)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		is   error
	}{
		{name: "missing base url", body: "upload:\n  api_key: x\n", is: ErrMissingBaseURL},
		{name: "unknown driver", body: "upload:\n  base_url: http://x\nstore:\n  driver: mongo\n"},
		{name: "zero chunk", body: "upload:\n  base_url: http://x\n  chunk_size: 0\n"},
		{name: "bad yaml", body: "upload: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

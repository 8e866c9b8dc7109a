package config_test

import (
	"PegLedger/internal/config"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PEG_SNAPSHOT_BACKEND", "")
	t.Setenv("PEG_REDIS_URL", "")

	cfg := config.Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.SnapshotBackendPostgres, cfg.SnapshotBackend)
	assert.Equal(t, int64(10_000), cfg.SnapshotInterval)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, 2*time.Second, cfg.QueryCacheTTL)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PEG_SNAPSHOT_BACKEND", "leveldb")
	t.Setenv("PEG_SNAPSHOT_INTERVAL", "250")
	t.Setenv("PEG_PERSIST_FLUSH_TIMEOUT", "25ms")
	t.Setenv("PEG_BLOCK_CHAN_SIZE", "not-a-number")

	cfg := config.Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.SnapshotBackendLevelDB, cfg.SnapshotBackend)
	assert.Equal(t, int64(250), cfg.SnapshotInterval)
	assert.Equal(t, 25*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, 64, cfg.BlockChanSize, "unparseable values fall back to the default")
}

func TestValidate_Rejects(t *testing.T) {
	base := config.Load()

	bad := base
	bad.SnapshotBackend = "s3"
	assert.Error(t, bad.Validate())

	bad = base
	bad.SnapshotInterval = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.PersistChanSize = 0
	assert.Error(t, bad.Validate())
}

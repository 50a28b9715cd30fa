package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedwright/feedwright/config"
)

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
scope:
  enabled: true
  publishers:
    - did:plc:pub
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
	assert.True(t, cfg.Scope.Enabled)
	assert.Equal(t, []string{"did:plc:pub"}, cfg.Scope.Publishers)

	// Unset sections come back defaulted.
	assert.Equal(t, "feedwright.db", cfg.Storage.Path)
	assert.Equal(t, 5, cfg.Storage.StatementTimeout)
	assert.Equal(t, 48, cfg.Aggregation.WindowHours)
	assert.Equal(t, "0 3 * * *", cfg.FollowSync.ResyncCron)
	assert.Equal(t, 500, cfg.Retention.BatchSize)
	assert.False(t, cfg.Retention.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FEEDWRIGHT_PORT", "7777")
	t.Setenv("FEEDWRIGHT_DB_PATH", "/var/lib/feedwright/data.db")
	t.Setenv("FEEDWRIGHT_PUBLISHERS", "did:plc:a, did:plc:b ,,")

	cfg := config.Default()
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "/var/lib/feedwright/data.db", cfg.Storage.Path)
	assert.Equal(t, []string{"did:plc:a", "did:plc:b"}, cfg.Scope.Publishers)
}

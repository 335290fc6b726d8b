package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultUsesResolvedTempDir(t *testing.T) {
	t.Setenv("TMPDIR", "/var/scratch")
	t.Setenv("PBS_JOBFS", "")
	cfg := Default()
	assert.Equal(t, "/var/scratch/tsp_db.sqlite3", cfg.Store.DBPath)
	assert.Equal(t, "/var/scratch/.affinity_lock_file.lock", cfg.Lock.LockPath)
}

func TestLoadAppliesTOMLThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "tsp.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(`
[store]
db_path = "/from/toml/db.sqlite3"

[jitter]
base_sleep_ms = 5000
`), 0o600))

	t.Setenv("TSP_DB_PATH", "/from/env/db.sqlite3")

	cfg, err := Load(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, "/from/env/db.sqlite3", cfg.Store.DBPath)
	assert.Equal(t, 5*time.Second, cfg.Jitter.BaseSleep)
}

func TestLoadToleratesMissingTOMLFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Store.DBPath)
}

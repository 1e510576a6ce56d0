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
	for _, key := range []string{"FERRY_CONFIG", "FERRY_PORT", "FERRY_DATABASE_URL", "FERRY_PRODUCTION_BRANCH", "FERRY_MAX_CONCURRENT", "FERRY_ROLLBACK_BUDGET"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8800", cfg.Port)
	assert.Equal(t, "main", cfg.ProductionBranch)
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, 60*time.Second, cfg.RollbackBudget)
	assert.Equal(t, 24*time.Hour, cfg.DedupTTL)
	assert.False(t, cfg.InMemory())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FERRY_CONFIG", "")
	t.Setenv("FERRY_PORT", "9999")
	t.Setenv("FERRY_DATABASE_URL", "memory")
	t.Setenv("FERRY_MAX_CONCURRENT", "8")
	t.Setenv("FERRY_ROLLBACK_BUDGET", "90s")
	t.Setenv("FERRY_NOTIFY_URLS", "http://a.example/hook, http://b.example/hook,")
	t.Setenv("FERRY_S3_USE_SSL", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Port)
	assert.True(t, cfg.InMemory())
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, 90*time.Second, cfg.RollbackBudget)
	assert.Equal(t, []string{"http://a.example/hook", "http://b.example/hook"}, cfg.NotifyURLs)
	assert.False(t, cfg.S3UseSSL)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ferry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
productionBranch: trunk
migrationsDir: /srv/migrations
maxConcurrent: 2
rollbackBudget: 45s
probeUrl: http://{label}.preview.internal/healthz
notifyUrls:
  - http://chat.example/hook
kafkaBrokers: [k1:9092, k2:9092]
`), 0o644))
	t.Setenv("FERRY_CONFIG", path)
	t.Setenv("FERRY_MAX_CONCURRENT", "6")
	t.Setenv("FERRY_PRODUCTION_BRANCH", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "trunk", cfg.ProductionBranch)
	assert.Equal(t, "/srv/migrations", cfg.MigrationsDir)
	assert.Equal(t, 6, cfg.MaxConcurrent, "environment wins over the file")
	assert.Equal(t, 45*time.Second, cfg.RollbackBudget)
	assert.Equal(t, "http://{label}.preview.internal/healthz", cfg.ProbeURL)
	assert.Equal(t, []string{"http://chat.example/hook"}, cfg.NotifyURLs)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "8800", cfg.Port, "defaults survive a partial file")
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("FERRY_CONFIG", "")
	t.Setenv("FERRY_ROLLBACK_BUDGET", "soon")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("FERRY_ROLLBACK_BUDGET", "")
	t.Setenv("FERRY_MAX_CONCURRENT", "0")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("FERRY_MAX_CONCURRENT", "")
	t.Setenv("FERRY_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	assert.Error(t, err)
}

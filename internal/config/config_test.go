package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ignatij/leadflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DB_USERNAME", "")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Engine.MaxTransitions)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, "appointment", cfg.Labels["appointment"])
	assert.Equal(t, 500, cfg.EngineConfig().MaxTransitions)
	assert.Equal(t, 30*time.Second, cfg.EngineConfig().DispatchTimeout)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leadflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  dsn: /tmp/leadflow.db
engine:
  max_node_visits: 5
  lease_wait: 750ms
  dispatch_timeout: 5s
channels:
  messaging:
    base_url: https://messaging.example.com
labels:
  appointment: site visit
`), 0o600))
	chdir(t, dir)
	t.Setenv("LEADFLOW_SERVER_PORT", "9090")
	t.Setenv("LEADFLOW_SCHEDULER_WORKERS", "8")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/leadflow.db", cfg.Database.DSN)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.SchedulerConfig().Workers)
	assert.Equal(t, 5, cfg.EngineConfig().MaxNodeVisits)
	assert.Equal(t, 750*time.Millisecond, cfg.EngineConfig().LeaseWait)
	assert.Equal(t, 5*time.Second, cfg.EngineConfig().DispatchTimeout)
	assert.Equal(t, "https://messaging.example.com", cfg.Channels.Messaging.BaseURL)
	assert.Equal(t, 10.0, cfg.Channels.Messaging.RatePerSecond)
	assert.Equal(t, "site visit", cfg.Labels["appointment"])
}

func TestLoad_DSNFromDBVariables(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DB_USERNAME", "app")
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_NAME", "leadflow")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:pw@db:5432/leadflow?sslmode=disable", cfg.Database.DSN)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

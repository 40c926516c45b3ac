package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.NoError(t, cfg.Validate())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
timezone: Asia/Seoul
dispatcher:
  workers: 8
  retry_backoff: 1s
scheduler:
  scan_cron: "*/5 * * * *"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 8, cfg.Dispatcher.Workers)
	assert.Equal(t, time.Second, cfg.Dispatcher.RetryBackoff)
	assert.Equal(t, 256, cfg.Dispatcher.QueueSize)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("TEAMCAL_DATABASE_DRIVER", "postgres")
	t.Setenv("TEAMCAL_DATABASE_DSN", "host=db user=teamcal")
	t.Setenv("TEAMCAL_REDIS_ENABLED", "true")
	t.Setenv("TEAMCAL_BASIC_AUTH_USERNAME", "admin")
	t.Setenv("TEAMCAL_BASIC_AUTH_PASSWORD", "secret")

	cfg := DefaultConfig()
	ApplyEnv(cfg)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "host=db user=teamcal", cfg.Database.DSN)
	assert.True(t, cfg.Redis.Enabled)
	require.NotNil(t, cfg.BasicAuth)
	assert.Equal(t, "admin", cfg.BasicAuth.Username)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TEAMCAL_TEST_ONLY_KEY=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TEAMCAL_TEST_ONLY_KEY") })

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "from-dotenv", os.Getenv("TEAMCAL_TEST_ONLY_KEY"))

	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Driver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Timezone = "Mars/Olympus"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Scheduler.ScanCron = "whenever"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.BasicAuth = &BasicAuthConfig{Username: "u", Password: "p"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Dispatcher, loaded.Dispatcher)
	assert.Equal(t, cfg.BasicAuth, loaded.BasicAuth)
}

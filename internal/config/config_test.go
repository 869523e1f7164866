package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
bot:
  token: "test-token"
models:
  endpoints:
    - name: "test"
      base_url: "http://localhost"
      models:
        - id: "m1"
          name: "Model One"
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 10, cfg.Chats.MaxPerUser)
	assert.Equal(t, 50, cfg.Chats.MaxNameLength)
	assert.Equal(t, 30, cfg.Chats.RetentionDays)
	assert.Equal(t, 90, cfg.Feedback.RetentionDays)
	assert.Equal(t, 3, cfg.Generation.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Generation.RetryBaseDelay)
	assert.Equal(t, 24*time.Hour, cfg.Sweep.Interval)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Equal(t, 8, cfg.Dispatch.QueueSize)
	assert.Equal(t, "en", cfg.I18n.DefaultLanguage)
}

func TestLoadConfigRequiresToken(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
bot:
  token: ""
models:
  endpoints:
    - name: "test"
      base_url: "http://localhost"
`))
	assert.Error(t, err)
}

func TestLoadConfigRejectsUnknownStorage(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
storage:
  type: "carrier-pigeon"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage type")
}

func TestLoadConfigRejectsNonPositiveRetries(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
generation:
  max_retries: 0
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generation.max_retries")
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
storage:
  type: "file"
chats:
  max_per_user: 5
`))
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Storage.Type)
	assert.Equal(t, 5, cfg.Chats.MaxPerUser)
}

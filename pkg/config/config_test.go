package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, 100, cfg.PageChunkLimit)
	assert.Equal(t, []string{"version", "last_edited_time", "last_edited_by"}, cfg.VolatileFields)
}

func TestParseOverlaysYAML(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Parse([]byte(`
token_v2: abc
timeout: 5s
cache:
  enabled: true
  backend: sqlite
  codec: cbor
monitor:
  enabled: true
  transport: websocket
  retry_delay: 250ms
log:
  level: debug
`)))

	assert.Equal(t, "abc", cfg.TokenV2)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, "sqlite", cfg.Cache.Backend)
	assert.Equal(t, "cbor", cfg.Cache.Codec)
	assert.Equal(t, "websocket", cfg.Monitor.Transport)
	assert.Equal(t, 250*time.Millisecond, cfg.Monitor.RetryDelay)
	assert.Equal(t, 10, cfg.Monitor.ReceiveRetries, "untouched keys keep defaults")
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(env(map[string]string{
		EnvTokenV2:  "tok",
		EnvDataDir:  "/tmp/notion",
		EnvLogLevel: "ERROR",
		EnvBaseURL:  "http://localhost:8080",
	}))
	assert.Equal(t, "tok", cfg.TokenV2)
	assert.Equal(t, "/tmp/notion", cfg.DataDir)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, filepath.Join("/tmp/notion", "cache"), cfg.CacheDir())
	assert.Equal(t, filepath.Join("/tmp/notion", "notion.log"), cfg.LogPath())
}

func TestValidateReportsEveryViolation(t *testing.T) {
	cfg := Default()
	cfg.BaseURL = ""
	cfg.Cache.Backend = "redis"
	cfg.Monitor.ReconnectAfter = 20
	cfg.ActiveUser = "not-a-uuid"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BaseURL is required")
	assert.Contains(t, err.Error(), "Cache.Backend must be one of: file sqlite")
	assert.Contains(t, err.Error(), "Monitor.ReconnectAfter is out of range")
	assert.Contains(t, err.Error(), "ActiveUser must be a UUID")
}

func TestCacheKey(t *testing.T) {
	cfg := Default()
	cfg.TokenV2 = "secret"
	// sha256("secret")
	assert.Equal(t, "2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b", cfg.CacheKey())

	cfg.Cache.Key = "custom"
	assert.Equal(t, "custom", cfg.CacheKey())
}

func TestLogPath(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "disabled"
	assert.Empty(t, cfg.LogPath())

	cfg.Log.Level = "info"
	cfg.Log.Path = StdoutLogPath
	assert.Equal(t, StdoutLogPath, cfg.LogPath())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notion.yaml")
	require.NoError(t, os.WriteFile(path, []byte("page_chunk_limit: 50\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.PageChunkLimit)

	require.NoError(t, os.WriteFile(path, []byte("page_chunk_limit: 0\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

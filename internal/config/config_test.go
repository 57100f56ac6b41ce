package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		FileEnv, "PORT", "BACKEND_PORT", "DATAPELLA_ENDPOINT",
		"DATAPELLA_MAX_CONCURRENT_REQUESTS", "DATAPELLA_REQUEST_TIMEOUT_MS",
		"DATAPELLA_RECONNECT_BASE_MS", "DATAPELLA_RECONNECT_MAX_MS",
		"DATAPELLA_MAX_RECONNECT_ATTEMPTS", "DATAPELLA_MAX_QUEUE_DEPTH",
		"DATAPELLA_HEARTBEAT_INTERVAL_MS", "DATAPELLA_MISSED_HEARTBEAT_THRESHOLD",
		"DATAPELLA_WAREHOUSE_PATH", "LOG_LEVEL", "LOG_FORMAT",
		"ARK_API_KEY", "ARK_MODEL", "ARK_STREAM", "ARK_TEMPERATURE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Session.MaxConcurrentRequests)
	assert.Equal(t, 60*time.Second, cfg.Session.RequestTimeout)
	assert.Equal(t, 50, cfg.Session.MaxQueueDepth)
	assert.Equal(t, 15*time.Second, cfg.Session.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Session.MissedHeartbeatThreshold)
	assert.Zero(t, cfg.Session.MaxReconnectAttempts)
	assert.False(t, cfg.AI.Enabled())
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATAPELLA_ENDPOINT", "ws://analysis:8000/api/ws/chat")
	t.Setenv("DATAPELLA_REQUEST_TIMEOUT_MS", "1500")
	t.Setenv("DATAPELLA_MAX_CONCURRENT_REQUESTS", "2")
	t.Setenv("ARK_API_KEY", "key")
	t.Setenv("ARK_MODEL", "doubao")
	t.Setenv("ARK_TEMPERATURE", "0.2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "ws://analysis:8000/api/ws/chat", cfg.Session.Endpoint)
	assert.Equal(t, 1500*time.Millisecond, cfg.Session.RequestTimeout)
	assert.Equal(t, 2, cfg.Session.MaxConcurrentRequests)
	assert.True(t, cfg.AI.Enabled())
	require.NotNil(t, cfg.AI.Temperature)
	assert.InDelta(t, 0.2, *cfg.AI.Temperature, 1e-9)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "datapella.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[session]
endpoint = "ws://file:8000/api/ws/chat"
max_queue_depth = 10
request_timeout = "90s"

[log]
level = "debug"
format = "json"
`), 0o600))
	t.Setenv(FileEnv, path)
	t.Setenv("DATAPELLA_MAX_QUEUE_DEPTH", "20")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ws://file:8000/api/ws/chat", cfg.Session.Endpoint)
	assert.Equal(t, 90*time.Second, cfg.Session.RequestTimeout)
	assert.Equal(t, 20, cfg.Session.MaxQueueDepth)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATAPELLA_MAX_QUEUE_DEPTH", "many")
	_, err := Load()
	assert.Error(t, err)

	clearEnv(t)
	t.Setenv("DATAPELLA_MAX_CONCURRENT_REQUESTS", "0")
	_, err = Load()
	assert.ErrorContains(t, err, "max_concurrent_requests")

	clearEnv(t)
	t.Setenv("PORT", "80 80")
	_, err = Load()
	assert.Error(t, err)
}

func TestSessionValidate(t *testing.T) {
	c := Default().Session
	require.NoError(t, c.Validate())

	c.ReconnectBase = time.Minute
	assert.ErrorContains(t, c.Validate(), "reconnect_base")

	c = Default().Session
	c.Endpoint = " "
	c.MaxReconnectAttempts = -1
	err := c.Validate()
	assert.ErrorContains(t, err, "endpoint")
	assert.ErrorContains(t, err, "max_reconnect_attempts")
}

func TestSessionDerivedSettings(t *testing.T) {
	c := Default().Session
	c.ReconnectBase = 200 * time.Millisecond
	c.MaxReconnectAttempts = 7
	c.MaxQueueDepth = 3

	opts := c.ChannelOptions()
	assert.Equal(t, c.Endpoint, opts.Endpoint)
	assert.Equal(t, 200*time.Millisecond, opts.ReconnectBase)
	assert.Equal(t, 7, opts.MaxReconnectAttempts)

	mc := c.ManagerConfig()
	assert.Equal(t, 3, mc.MaxQueueDepth)
	assert.Equal(t, c.RequestTimeout, mc.RequestTimeout)
	assert.NotEmpty(t, mc.Greeting)
}

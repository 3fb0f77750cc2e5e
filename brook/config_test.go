package brook

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
	path := filepath.Join(t.TempDir(), "brook.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOptions(t *testing.T) {
	path := writeConfig(t, `
endpoint = "wss://relay.example.com/ws"
api_key = "secret"
client_id = "worker-7"
verbose = true
reconnect = false
reconnect_timeout = "500ms"
backoff_multiplier = 1.5
backoff_max_delay = "10s"
backoff_jitter = 0.25
max_reconnect_attempts = 6
connect_timeout = "5s"
handshake_timeout = "20s"
heartbeat_interval = "15s"
outbox_capacity = 500
`)

	options, err := LoadOptions(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://relay.example.com/ws", options.Endpoint)
	assert.Equal(t, "secret", options.APIKey)
	assert.Equal(t, "worker-7", options.ClientID)
	assert.True(t, options.Verbose)
	if assert.NotNil(t, options.Reconnect) {
		assert.False(t, *options.Reconnect)
	}
	assert.Equal(t, 500*time.Millisecond, options.ReconnectTimeout)
	assert.Equal(t, 1.5, options.BackoffMultiplier)
	assert.Equal(t, 10*time.Second, options.BackoffMaxDelay)
	assert.Equal(t, 0.25, options.BackoffJitter)
	assert.Equal(t, 6, options.MaxReconnectAttempts)
	assert.Equal(t, 5*time.Second, options.ConnectTimeout)
	assert.Equal(t, 20*time.Second, options.HandshakeTimeout)
	assert.Equal(t, 15*time.Second, options.HeartbeatInterval)
	assert.Equal(t, 500, options.OutboxCapacity)
}

func TestLoadOptionsAbsentKeysStayUnset(t *testing.T) {
	path := writeConfig(t, `
endpoint = "ws://localhost:19100"
api_key = "secret"
`)

	options, err := LoadOptions(path)
	require.NoError(t, err)

	assert.Nil(t, options.Reconnect, "absent reconnect key must not pin the flag")
	assert.Zero(t, options.ReconnectTimeout)
	assert.Zero(t, options.BackoffJitter)
	assert.Zero(t, options.OutboxCapacity)
	assert.Nil(t, options.OffsetStore)
}

func TestLoadOptionsReconnectTimeoutMillis(t *testing.T) {
	path := writeConfig(t, `
endpoint = "ws://localhost:19100"
api_key = "secret"
reconnect_timeout_ms = 750
`)

	options, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, options.ReconnectTimeout)
}

func TestLoadOptionsOffsetFile(t *testing.T) {
	offsetPath := filepath.Join(t.TempDir(), "offsets.json")
	path := writeConfig(t, `
endpoint = "ws://localhost:19100"
api_key = "secret"
offset_file = "`+offsetPath+`"
`)

	options, err := LoadOptions(path)
	require.NoError(t, err)
	require.NotNil(t, options.OffsetStore)
	_, ok := options.OffsetStore.(*FileOffsetStore)
	assert.True(t, ok, "offset_file must select the file-backed store")
}

func TestLoadOptionsRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
endpoint = "ws://localhost:19100"
api_key = "secret"
connect_timeout = "soon"
`)

	_, err := LoadOptions(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect_timeout")
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

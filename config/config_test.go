package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.NoError(t, c.Validate())
	assert.Len(t, c.SessionOptions(), 4)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "peer.yaml", `
transport: ws
address: 0.0.0.0:9000
path: /bus
keepalive: 5s
pong_timeout: 1m30s
metrics:
  listen: :9100
log:
  level: debug
  development: true
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, TransportWebSocket, c.Transport)
	assert.Equal(t, "ws://0.0.0.0:9000/bus", c.URL())
	assert.Equal(t, Duration(5*time.Second), c.Keepalive)
	assert.Equal(t, Duration(90*time.Second), c.PongTimeout)
	assert.Equal(t, ":9100", c.Metrics.Listen)
	assert.Equal(t, "birpc", c.Metrics.Namespace, "unset keys keep their default")
	assert.Equal(t, LogConfig{Level: "debug", Development: true}, c.Log)
	assert.Equal(t, 200, c.QueueSize)
	assert.NoError(t, c.Validate())
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "peer.toml", `
transport = "unix"
address = "/tmp/birpc.sock"
write_timeout = "250ms"
queue_size = 16

[metrics]
namespace = "edge"
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, TransportUnix, c.Transport)
	assert.Equal(t, "/tmp/birpc.sock", c.Address)
	assert.Equal(t, Duration(250*time.Millisecond), c.WriteTimeout)
	assert.Equal(t, Duration(30*time.Second), c.Keepalive)
	assert.Equal(t, 16, c.QueueSize)
	assert.Equal(t, "edge", c.Metrics.Namespace)
	assert.NoError(t, c.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, "peer.json", `{}`))
	assert.ErrorContains(t, err, "unsupported format")

	_, err = Load(writeFile(t, "bad.yaml", "keepalive: soon\n"))
	assert.ErrorContains(t, err, "unable to decode")

	_, err = Load(writeFile(t, "bad.toml", "keepalive = \"soon\"\n"))
	assert.ErrorContains(t, err, "unable to decode")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		msg    string
	}{
		{"unknown transport", func(c *Config) { c.Transport = "udp" }, "unknown transport"},
		{"empty address", func(c *Config) { c.Address = "" }, "empty address"},
		{"negative keepalive", func(c *Config) { c.Keepalive = -1 }, "keepalive must not be negative"},
		{"negative queue", func(c *Config) { c.QueueSize = -1 }, "queue_size"},
		{"relative ws path", func(c *Config) { c.Transport, c.Path = TransportWebSocket, "rpc" }, "must start with /"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			assert.ErrorContains(t, c.Validate(), tt.msg)
		})
	}

	c := Default()
	c.Transport, c.Address = "udp", ""
	err := c.Validate()
	assert.ErrorContains(t, err, "unknown transport")
	assert.ErrorContains(t, err, "empty address")
}

func TestDuration_Text(t *testing.T) {
	b, err := Duration(1500 * time.Millisecond).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1.5s", string(b))

	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("2m")))
	assert.Equal(t, Duration(2*time.Minute), d)
	assert.Error(t, d.UnmarshalText([]byte("2 minutes")))
}

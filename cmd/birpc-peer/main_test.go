package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazmanavt/birpc"
	"github.com/kazmanavt/birpc/config"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{"1", 1},
		{"-7", -7},
		{"2.5", 2.5},
		{"true", true},
		{"hello", "hello"},
		{"'5'", "5"},
		{"", ""},
		{"null", nil},
		{"[1, two]", []any{1, "two"}},
		{"{a: 1}", map[string]any{"a": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseValue(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseValue("[unclosed")
	assert.Error(t, err)
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"level=debug", "n=3", "empty="})
	require.NoError(t, err)
	assert.Equal(t, birpc.Params{"level": "debug", "n": 3, "empty": ""}, params)

	_, err = parseParams([]string{"novalue"})
	assert.ErrorContains(t, err, "key=value")
	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

// startDemoServer serves the demo registry on a random local port.
func startDemoServer(t *testing.T) (*birpc.Server, string) {
	t.Helper()
	reg, err := demoRegistry(slog.Default())
	require.NoError(t, err)
	srv, err := birpc.NewServer("tcp", "127.0.0.1:0", birpc.WithServerRegistry(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv, srv.Addr().String()
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	err := app.Run(append([]string{"birpc-peer", "--log-level", "error"}, args...))
	return out.String(), err
}

func TestCallCommand(t *testing.T) {
	_, addr := startDemoServer(t)

	out, err := runApp(t, "--address", addr, "call", "add", "1", "2.5")
	require.NoError(t, err)
	assert.Equal(t, "3.5\n", out)

	out, err = runApp(t, "--address", addr, "call", "echo", "x", "3")
	require.NoError(t, err)
	assert.Equal(t, "- x\n- 3\n", out)

	out, err = runApp(t, "--address", addr, "call", birpc.DefaultMethod)
	require.NoError(t, err)
	assert.Equal(t, "204\n", out)
}

func TestCallCommand_Errors(t *testing.T) {
	_, addr := startDemoServer(t)

	_, err := runApp(t, "--address", addr, "call", "missing")
	assert.ErrorContains(t, err, "method not found")

	_, err = runApp(t, "--address", addr, "call", "sleep", "forever")
	assert.ErrorContains(t, err, "invalid duration")

	_, err = runApp(t, "--address", addr, "--timeout", "50ms", "call", "sleep", "1s")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = runApp(t, "--address", addr, "call")
	assert.ErrorContains(t, err, "missing METHOD")

	_, err = runApp(t, "--transport", "udp", "call", "x")
	assert.ErrorContains(t, err, "unknown transport")
}

func TestNotifyCommand(t *testing.T) {
	srv, addr := startDemoServer(t)
	got := make(chan birpc.Params, 1)
	require.NoError(t, srv.Registry().HandleFunc("record", func(_ context.Context, _ *birpc.Peer, _ []any, p birpc.Params) (any, error) {
		got <- p
		return nil, nil
	}))

	out, err := runApp(t, "--address", addr, "notify", "--param", "level=warn", "record", "text")
	require.NoError(t, err)
	assert.Empty(t, out)

	select {
	case p := <-got:
		assert.Equal(t, birpc.Params{"level": "warn"}, p)
	case <-time.After(time.Second):
		t.Fatal("notification not received")
	}
}

func TestConfigFile(t *testing.T) {
	_, addr := startDemoServer(t)
	path := filepath.Join(t.TempDir(), "peer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("address: "+addr+"\nkeepalive: 0s\nlog:\n  level: warn\n"), 0o600))

	out, err := runApp(t, "--config", path, "call", "add", "2", "2")
	require.NoError(t, err)
	assert.Equal(t, "4\n", out)

	_, err = runApp(t, "--config", filepath.Join(t.TempDir(), "absent.toml"), "call", "add")
	assert.Error(t, err)
}

func TestServe(t *testing.T) {
	cfg := config.Default()
	cfg.Address = "127.0.0.1:0"
	cfg.Metrics.Listen = "127.0.0.1:0"
	zl, log, err := newLogger(config.LogConfig{Level: "error"})
	require.NoError(t, err)
	env := &peerEnv{cfg: cfg, log: log, zl: zl}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, env) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestDemoRegistry_Callback(t *testing.T) {
	_, addr := startDemoServer(t)

	reg := birpc.NewRegistry()
	require.NoError(t, reg.Register("whoami", func(prefix string) string { return prefix + "client" }))
	ctx := context.Background()
	s, err := birpc.Dial(ctx, "tcp", addr, birpc.WithRegistry(reg))
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Peer().Call(ctx, "callback", "whoami", "the ")
	require.NoError(t, err)
	assert.Equal(t, "the client", res)
}

func TestNewLogger(t *testing.T) {
	zl, log, err := newLogger(config.LogConfig{Level: "warn"})
	require.NoError(t, err)
	defer func() { _ = zl.Sync() }()

	ctx := context.Background()
	assert.True(t, log.Enabled(ctx, slog.LevelWarn))
	assert.False(t, log.Enabled(ctx, slog.LevelInfo))
	log.Warn("through zap", slog.String("k", "v"))

	_, log, err = newLogger(config.LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, log.Enabled(ctx, slog.LevelDebug))

	_, _, err = newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/offsync"
)

func TestSetTOMLValue(t *testing.T) {
	doc := map[string]any{"remote": map[string]any{"url": "http://a"}}

	require.NoError(t, setTOMLValue(doc, "backoff.max_attempts", "7"))
	require.NoError(t, setTOMLValue(doc, "sync.collections", "notes, tasks,,events"))
	require.NoError(t, setTOMLValue(doc, "connectivity.simulate_offline", "true"))
	require.NoError(t, setTOMLValue(doc, "remote.token", "abc"))

	assert.Equal(t, 7, doc["backoff"].(map[string]any)["max_attempts"])
	assert.Equal(t, []string{"notes", "tasks", "events"}, doc["sync"].(map[string]any)["collections"])
	assert.Equal(t, true, doc["connectivity"].(map[string]any)["simulate_offline"])
	assert.Equal(t, map[string]any{"url": "http://a", "token": "abc"}, doc["remote"])

	tests := []struct {
		key, value, msg string
	}{
		{"remote", "x", "dot notation"},
		{"nope.url", "x", "unknown config section"},
		{"remote.nope", "x", "unknown field"},
		{"sync.concurrency", "many", "must be an integer"},
		{"realtime.enabled", "maybe", "must be true or false"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.ErrorContains(t, setTOMLValue(map[string]any{}, tt.key, tt.value), tt.msg)
		})
	}
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "****", maskSecret(""))
	assert.Equal(t, "****", maskSecret("12345678"))
	assert.Equal(t, "abcd...6789", maskSecret("abcdef0123456789"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(offsync.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	logger, err = newLogger(offsync.LogConfig{Level: "debug", Format: "text"}, &buf)
	require.NoError(t, err)
	logger.Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")

	_, err = newLogger(offsync.LogConfig{Level: "loud"}, &buf)
	assert.ErrorContains(t, err, "invalid log.level")
}

func TestBridgeClient(t *testing.T) {
	monitor, err := offsync.NewConnectivityMonitor(&offsync.MonitorOptions{Logger: quietLogger()})
	require.NoError(t, err)
	b := offsync.NewBridge(offsync.NewSyncRegistry(quietLogger()), monitor,
		offsync.WithBridgeSecret("s3cret"),
		offsync.WithBridgeLogger(quietLogger()),
	)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	cfg := offsync.DefaultConfig()
	cfg.Bridge.Listen = srv.URL
	cfg.Bridge.Secret = "s3cret"
	c := newBridgeClient(cfg)
	ctx := context.Background()

	var state offsync.ConnectivityState
	require.NoError(t, c.post(ctx, "/diagnostics/simulate-offline", map[string]bool{"enabled": true}, &state))
	assert.True(t, state.SimulatedOffline)

	var status offsync.BridgeStatus
	require.NoError(t, c.get(ctx, "/status", &status))
	assert.False(t, status.Connectivity.Online)

	c.secret = "wrong"
	err = c.post(ctx, "/sync", nil, nil)
	assert.ErrorContains(t, err, "bridge returned 401: invalid signature")

	c.secret = "s3cret"
	err = c.post(ctx, "/realtime/reconnect", nil, nil)
	assert.ErrorContains(t, err, "realtime is disabled")
}

func TestNewBridgeClientAddsScheme(t *testing.T) {
	cfg := offsync.DefaultConfig()
	cfg.Bridge.Listen = "127.0.0.1:8787/"
	assert.Equal(t, "http://127.0.0.1:8787", newBridgeClient(cfg).baseURL)
}

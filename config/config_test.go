package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busy-cloud/telemetry-relay/network"
	"busy-cloud/telemetry-relay/subscription"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"#"}, cfg.Topics)
	assert.Equal(t, 256, cfg.EventQueueSize)
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesAndKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
transport: websocket
topics:
  - robot/#
  - field/+/score
heartbeat_interval: 500ms
backoff:
  max: 5s
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, TransportWebSocket, cfg.Transport)
	assert.Equal(t, []string{"robot/#", "field/+/score"}, cfg.Topics)
	assert.Equal(t, 500*time.Millisecond, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Backoff.Max)
	assert.Equal(t, 250*time.Millisecond, cfg.Backoff.Base)
	assert.Equal(t, 2.0, cfg.Backoff.Multiplier)
	assert.Equal(t, 3*time.Second, cfg.IdleTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/telemetry", cfg.WebSocketPath)

	_, ok := cfg.Dialer().(*network.WebSocketDialer)
	assert.True(t, ok)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
transport: udp
topics:
  - "robot/#/battery"
heartbeat_interval: 5s
idle_timeout: 3s
event_queue_size: 0
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, subscription.ErrInvalidPattern)
	assert.Contains(t, err.Error(), "transport")
	assert.Contains(t, err.Error(), "heartbeat_interval")
	assert.Contains(t, err.Error(), "event_queue_size")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.DialTimeout = 0
	cfg.Topics = nil
	cfg.Backoff.Multiplier = 1
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"dial_timeout", "topic", "backoff", "log level"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestDialerDefaultsToTCP(t *testing.T) {
	d, ok := Default().Dialer().(*network.TCPDialer)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, d.Timeout)
}

func TestNewLoggerWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	logger, closer, err := LogConfig{Level: "info", File: path, MaxSizeMB: 1}.NewLogger()
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("Telemetry session established", "session_id", "abc")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"abc"`)
	assert.NotContains(t, string(data), "hidden")
}

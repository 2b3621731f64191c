package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/dcbench/internal/config"
	"github.com/1ureka/dcbench/internal/session"
)

func TestApplyFlagsOverridesOnlySetValues(t *testing.T) {
	cfg := config.Default()
	applyFlags(cfg, flagOverrides{
		pairing: "abc",
		rate:    50,
		refresh: time.Second,
	})

	assert.Equal(t, "abc", cfg.PairingCode)
	assert.Equal(t, 50, cfg.Sender.Rate)
	assert.Equal(t, time.Second, cfg.UI.RefreshInterval)
	assert.Equal(t, config.DefaultPayloadSize, cfg.Sender.PayloadSize)
	assert.NotEmpty(t, cfg.WebRTC.ICEServers)
	assert.False(t, cfg.Debug)
}

func TestApplyFlagsICEServers(t *testing.T) {
	cfg := config.Default()
	applyFlags(cfg, flagOverrides{stun: []string{"stun:example.org:3478"}})
	assert.Equal(t, []string{"stun:example.org:3478"}, cfg.WebRTC.ICEServers)

	applyFlags(cfg, flagOverrides{noStun: true})
	assert.Empty(t, cfg.WebRTC.ICEServers)
}

func TestConsoleReadyClosesOnce(t *testing.T) {
	c := newConsole(1024)
	c.OnReady()
	c.OnReady()

	select {
	case <-c.Ready():
	default:
		t.Fatal("ready channel not closed")
	}

	c.OnMetrics(session.Update{Label: "channel1", Total: 10, MPS: 10, Sending: true})
	c.OnDisconnect(errors.New("gone"))
	require.NotNil(t, c.Ready())
}

// Package config holds the harness configuration: defaults, YAML loading
// and validation. Command-line flags are layered on top by cmd/dcbench.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPairingCode     = "fastBus"
	DefaultRate            = 200
	DefaultPayloadSize     = 1024
	DefaultBufferCapacity  = 1024 * 1024
	DefaultTickInterval    = time.Second
	DefaultRefreshInterval = 5 * time.Second
)

// Config stores every tunable of a harness process.
type Config struct {
	PairingCode string `yaml:"pairing_code"`
	Debug       bool   `yaml:"debug"`

	Signaling struct {
		// Dir holds the unix sockets that back named signaling channels.
		Dir string `yaml:"dir"`
	} `yaml:"signaling"`

	WebRTC struct {
		ICEServers      []string `yaml:"ice_servers"`
		IncludeLoopback bool     `yaml:"include_loopback"`
	} `yaml:"webrtc"`

	Sender struct {
		Rate           int           `yaml:"rate"`
		PayloadSize    int           `yaml:"payload_size"`
		BufferCapacity uint64        `yaml:"buffer_capacity"`
		TickInterval   time.Duration `yaml:"tick_interval"`
	} `yaml:"sender"`

	UI struct {
		RefreshInterval time.Duration `yaml:"refresh_interval"`
	} `yaml:"ui"`

	Metrics struct {
		// Listen is the address of the Prometheus endpoint; empty disables it.
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{PairingCode: DefaultPairingCode}
	c.Signaling.Dir = os.TempDir()
	c.WebRTC.ICEServers = []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}
	c.WebRTC.IncludeLoopback = true
	c.Sender.Rate = DefaultRate
	c.Sender.PayloadSize = DefaultPayloadSize
	c.Sender.BufferCapacity = DefaultBufferCapacity
	c.Sender.TickInterval = DefaultTickInterval
	c.UI.RefreshInterval = DefaultRefreshInterval
	return c
}

// Load reads a YAML file on top of Default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return c, nil
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.PairingCode == "" {
		return errors.New("pairing_code must not be empty")
	}
	if c.Signaling.Dir == "" {
		return errors.New("signaling.dir must not be empty")
	}
	if c.Sender.Rate <= 0 {
		return fmt.Errorf("sender.rate must be > 0, got %d", c.Sender.Rate)
	}
	if c.Sender.PayloadSize < 0 {
		return fmt.Errorf("sender.payload_size must be >= 0, got %d", c.Sender.PayloadSize)
	}
	if c.Sender.TickInterval <= 0 {
		return errors.New("sender.tick_interval must be > 0")
	}
	if c.UI.RefreshInterval <= 0 {
		return errors.New("ui.refresh_interval must be > 0")
	}

	// The high-water mark leaves two messages of headroom below capacity.
	headroom := 2 * uint64(c.Sender.PayloadSize)
	if c.Sender.BufferCapacity <= headroom {
		return fmt.Errorf("sender.buffer_capacity (%d) must exceed two payloads (%d)", c.Sender.BufferCapacity, headroom)
	}
	return nil
}

// SignalingChannel is the name of the inter-process channel that carries the
// offer and the answer for this pairing code.
func (c *Config) SignalingChannel() string {
	return fmt.Sprintf("webrtc:%s:offer:answer", c.PairingCode)
}

// DefaultChannelLabel is the label of the reserved control data channel.
func (c *Config) DefaultChannelLabel() string {
	return c.PairingCode + ":default"
}

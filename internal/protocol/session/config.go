package session

import (
	"time"

	"github.com/danmuck/portroute/internal/retry"
)

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// RequestTimeout bounds one write round trip (the framing timeout).
	RequestTimeout time.Duration
	// UnregisterTimeout bounds the wait for the router's unregister ack.
	UnregisterTimeout time.Duration
	Backoff           retry.BackoffConfig
	// Token is sent in the hello when the router requires one.
	Token string
}

// DefaultConfig returns session defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		RequestTimeout:    5 * time.Second,
		UnregisterTimeout: 5 * time.Second,
		Backoff: retry.BackoffConfig{
			InitialDelay: 50 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero durations from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.UnregisterTimeout <= 0 {
		c.UnregisterTimeout = def.UnregisterTimeout
	}
	return c
}

package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAuthPathRequired    = errors.New("session: auth path required")
	ErrInvalidReconnect    = errors.New("session: invalid reconnect policy")
	ErrInvalidMaxReconnect = errors.New("session: max reconnect attempts must be >= 0")
)

// BackoffConfig defines reconnect delay growth. A multiplier of 1 yields a
// fixed delay.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines session manager behavior.
type Config struct {
	// AuthPath is the directory the credential store reads and writes.
	AuthPath string
	// Offline keeps the account visibly unavailable by re-sending an
	// unavailable presence every PresenceInterval while connected.
	Offline bool
	// LazyReconnect starts a background Connect when a send is attempted
	// while disconnected. The send itself still fails with ErrDisconnected.
	LazyReconnect bool

	KeepaliveInterval time.Duration
	PresenceInterval  time.Duration
	ConnectTimeout    time.Duration
	OperationTimeout  time.Duration

	// MaxReconnectAttempts bounds consecutive transient reconnects. Zero
	// means unbounded.
	MaxReconnectAttempts int
	Reconnect            BackoffConfig

	SyncFullHistory     bool
	MarkOnlineOnConnect bool
	Browser             [3]string
}

// DefaultConfig returns runtime defaults.
func DefaultConfig() Config {
	return Config{
		AuthPath:          "auth_info",
		Offline:           true,
		LazyReconnect:     true,
		KeepaliveInterval: 5 * time.Minute,
		PresenceInterval:  10 * time.Second,
		ConnectTimeout:    30 * time.Second,
		OperationTimeout:  10 * time.Second,
		Reconnect: BackoffConfig{
			InitialDelay: 5 * time.Second,
			Multiplier:   1.0,
			MaxDelay:     5 * time.Minute,
		},
		Browser: [3]string{"Chrome", "Windows", "120.0.0.0"},
	}
}

// WithDefaults fills zero-valued durations and identity strings.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = def.KeepaliveInterval
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = def.PresenceInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = def.OperationTimeout
	}
	if c.Reconnect.InitialDelay == 0 {
		c.Reconnect.InitialDelay = def.Reconnect.InitialDelay
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = def.Reconnect.Multiplier
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = def.Reconnect.MaxDelay
	}
	if strings.TrimSpace(c.Browser[0]) == "" {
		c.Browser = def.Browser
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.AuthPath) == "" {
		return ErrAuthPathRequired
	}
	if c.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("%w: initial delay %v", ErrInvalidReconnect, c.Reconnect.InitialDelay)
	}
	if c.Reconnect.MaxDelay > 0 && c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("%w: max delay %v below initial delay %v", ErrInvalidReconnect, c.Reconnect.MaxDelay, c.Reconnect.InitialDelay)
	}
	if c.MaxReconnectAttempts < 0 {
		return ErrInvalidMaxReconnect
	}
	return nil
}

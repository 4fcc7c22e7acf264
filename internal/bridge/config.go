package bridge

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/danmuck/wabridge/internal/session"
)

var (
	ErrURLRequired             = errors.New("bridge: url required")
	ErrTLSRequired             = errors.New("bridge: tls required")
	ErrTLSCertFileRequired     = errors.New("bridge: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("bridge: tls key file required")
	ErrTLSCAFileRequired       = errors.New("bridge: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("bridge: insecure skip verify not allowed with mutual tls")
)

// DefaultVersion is used when the version lookup fails or is not configured.
var DefaultVersion = session.Version{2, 3000, 1023223821}

// TLSConfig configures the websocket transport security.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	InsecureSkipVerify bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
}

// Config describes how to reach the protocol sidecar.
type Config struct {
	URL        string
	VersionURL string
	Token      string

	DefaultVersion   session.Version
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	WriteTimeout     time.Duration

	// EventBuffer is the event backlog length above which a warning is
	// logged. Events are never dropped.
	EventBuffer int

	TLS TLSConfig
}

func DefaultConfig() Config {
	return Config{
		URL:              "ws://127.0.0.1:8787/session",
		DefaultVersion:   DefaultVersion,
		HandshakeTimeout: 10 * time.Second,
		RequestTimeout:   30 * time.Second,
		WriteTimeout:     10 * time.Second,
		EventBuffer:      256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultVersion == (session.Version{}) {
		c.DefaultVersion = def.DefaultVersion
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	return c
}

func (c Config) Validate() error {
	raw := strings.TrimSpace(c.URL)
	if raw == "" {
		return ErrURLRequired
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("bridge: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		if c.TLS.Enabled {
			return fmt.Errorf("bridge: tls enabled but url scheme is %q", u.Scheme)
		}
	case "wss":
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
	default:
		return fmt.Errorf("bridge: unsupported url scheme %q", u.Scheme)
	}
	return c.TLS.validate()
}

func (t TLSConfig) validate() error {
	if t.Mutual && !t.Enabled {
		return ErrTLSRequired
	}
	if t.Mutual && t.InsecureSkipVerify {
		return ErrTLSInsecureSkipNotAllow
	}
	if t.Enabled && t.Mutual && strings.TrimSpace(t.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	if t.Mutual {
		if strings.TrimSpace(t.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(t.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

func (t TLSConfig) clientConfig(address string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(t.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(t.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("bridge: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if t.Mutual {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

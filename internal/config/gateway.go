package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/wabridge/internal/bridge"
	"github.com/danmuck/wabridge/internal/delivery"
	"github.com/danmuck/wabridge/internal/session"
)

// Gateway is the resolved gatewayctl configuration.
type Gateway struct {
	Addr        string
	CorsOrigins []string
	LogLevel    string
	// APIToken, when set, is required as a bearer token on the API routes.
	APIToken    string

	// AuthKeyFile is an age identity; when set credentials are sealed.
	AuthKeyFile  string
	QRTerminal   bool
	QRPNGPath    string
	NotifyLogout bool

	Session session.Config
	Bridge  bridge.Config
	Alert   Alert

	// RetryEnabled routes /sendMessage through a delivery proxy so failed
	// sends are retried on Retry's schedule and escalated on exhaustion.
	RetryEnabled bool
	Retry        delivery.Config
}

func DefaultGateway() Gateway {
	return Gateway{
		Addr:         ":3000",
		CorsOrigins:  []string{"http://localhost:3000"},
		QRTerminal:   true,
		NotifyLogout: true,
		Session:      session.DefaultConfig(),
		Bridge:       bridge.DefaultConfig(),
		Alert:        Alert{Title: "WhatsApp Gateway"},
		Retry:        delivery.DefaultConfig(),
	}
}

type GatewayFile struct {
	Addr         string           `toml:"addr"`
	CorsOrigins  []string         `toml:"cors_origins"`
	LogLevel     string           `toml:"log_level"`
	APIToken     string           `toml:"api_token"`
	AuthKeyFile  string           `toml:"auth_key_file"`
	QRTerminal   bool             `toml:"qr_terminal"`
	QRPNG        string           `toml:"qr_png"`
	NotifyLogout bool             `toml:"notify_logout"`
	Session      SessionFile      `toml:"session"`
	Bridge       BridgeFile       `toml:"bridge"`
	Alert        AlertFile        `toml:"alert"`
	Retry        GatewayRetryFile `toml:"retry"`
}

// GatewayRetryFile is RetryFile plus an enabled switch.
type GatewayRetryFile struct {
	Enabled     bool     `toml:"enabled"`
	MaxAttempts int      `toml:"max_attempts"`
	Waits       []string `toml:"waits"`
	DefaultWait string   `toml:"default_wait"`
}

type SessionFile struct {
	AuthPath             string        `toml:"auth_path"`
	Offline              bool          `toml:"offline"`
	LazyReconnect        bool          `toml:"lazy_reconnect"`
	KeepaliveInterval    string        `toml:"keepalive_interval"`
	PresenceInterval     string        `toml:"presence_interval"`
	ConnectTimeout       string        `toml:"connect_timeout"`
	OperationTimeout     string        `toml:"operation_timeout"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"`
	SyncFullHistory      bool          `toml:"sync_full_history"`
	MarkOnlineOnConnect  bool          `toml:"mark_online_on_connect"`
	Browser              []string      `toml:"browser"`
	Reconnect            ReconnectFile `toml:"reconnect"`
}

type ReconnectFile struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

type BridgeFile struct {
	URL              string  `toml:"url"`
	VersionURL       string  `toml:"version_url"`
	Token            string  `toml:"token"`
	HandshakeTimeout string  `toml:"handshake_timeout"`
	RequestTimeout   string  `toml:"request_timeout"`
	WriteTimeout     string  `toml:"write_timeout"`
	EventBuffer      int     `toml:"event_buffer"`
	TLS              TLSFile `toml:"tls"`
}

type TLSFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
}

// LoadGateway reads path over DefaultGateway and validates the result.
func LoadGateway(path string) (Gateway, error) {
	raw := GatewayToFile(DefaultGateway())
	meta, err := decodeFile(path, &raw)
	if err != nil {
		return Gateway{}, err
	}
	// A [bridge.tls] table without an explicit enabled key turns TLS on.
	if meta.IsDefined("bridge", "tls") && !meta.IsDefined("bridge", "tls", "enabled") {
		raw.Bridge.TLS.Enabled = true
	}
	// Likewise a [retry] table turns the send proxy on.
	if meta.IsDefined("retry") && !meta.IsDefined("retry", "enabled") {
		raw.Retry.Enabled = true
	}
	inferDefaultWait(meta, &raw.Retry.Waits, &raw.Retry.DefaultWait)

	cfg, err := raw.toRuntime()
	if err != nil {
		return Gateway{}, fmt.Errorf("gateway config (%s): %w", path, err)
	}
	if err := ValidateGateway(cfg); err != nil {
		return Gateway{}, fmt.Errorf("gateway config (%s): %w", path, err)
	}
	return cfg, nil
}

func ValidateGateway(cfg Gateway) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return ErrAddrRequired
	}
	if err := cfg.Session.Validate(); err != nil {
		return err
	}
	if err := cfg.Bridge.Validate(); err != nil {
		return err
	}
	if cfg.RetryEnabled && cfg.Retry.MaxAttempts < 1 {
		return ErrMaxAttempts
	}
	return cfg.Alert.validate()
}

func (f GatewayFile) toRuntime() (Gateway, error) {
	sess, err := f.Session.toRuntime()
	if err != nil {
		return Gateway{}, err
	}
	br, err := f.Bridge.toRuntime()
	if err != nil {
		return Gateway{}, err
	}
	al, err := f.Alert.toRuntime()
	if err != nil {
		return Gateway{}, err
	}
	retry, err := retryToRuntime(f.Retry.MaxAttempts, f.Retry.Waits, f.Retry.DefaultWait, al.Title)
	if err != nil {
		return Gateway{}, err
	}
	return Gateway{
		Addr:         strings.TrimSpace(f.Addr),
		CorsOrigins:  normalizeList(f.CorsOrigins),
		LogLevel:     strings.TrimSpace(f.LogLevel),
		APIToken:     strings.TrimSpace(f.APIToken),
		AuthKeyFile:  strings.TrimSpace(f.AuthKeyFile),
		QRTerminal:   f.QRTerminal,
		QRPNGPath:    strings.TrimSpace(f.QRPNG),
		NotifyLogout: f.NotifyLogout,
		Session:      sess,
		Bridge:       br,
		Alert:        al,
		RetryEnabled: f.Retry.Enabled,
		Retry:        retry,
	}, nil
}

func (f SessionFile) toRuntime() (session.Config, error) {
	cfg := session.Config{
		AuthPath:             strings.TrimSpace(f.AuthPath),
		Offline:              f.Offline,
		LazyReconnect:        f.LazyReconnect,
		MaxReconnectAttempts: f.MaxReconnectAttempts,
		SyncFullHistory:      f.SyncFullHistory,
		MarkOnlineOnConnect:  f.MarkOnlineOnConnect,
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"session.keepalive_interval", f.KeepaliveInterval, &cfg.KeepaliveInterval},
		{"session.presence_interval", f.PresenceInterval, &cfg.PresenceInterval},
		{"session.connect_timeout", f.ConnectTimeout, &cfg.ConnectTimeout},
		{"session.operation_timeout", f.OperationTimeout, &cfg.OperationTimeout},
		{"session.reconnect.initial_delay", f.Reconnect.InitialDelay, &cfg.Reconnect.InitialDelay},
		{"session.reconnect.max_delay", f.Reconnect.MaxDelay, &cfg.Reconnect.MaxDelay},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.raw)
		if err != nil {
			return session.Config{}, err
		}
		*d.dst = v
	}
	cfg.Reconnect.Multiplier = f.Reconnect.Multiplier
	cfg.Reconnect.Jitter = f.Reconnect.Jitter

	browser := normalizeList(f.Browser)
	switch len(browser) {
	case 0:
	case 3:
		cfg.Browser = [3]string{browser[0], browser[1], browser[2]}
	default:
		return session.Config{}, errors.New("session.browser must list name, platform and version")
	}
	return cfg.WithDefaults(), nil
}

func (f BridgeFile) toRuntime() (bridge.Config, error) {
	cfg := bridge.Config{
		URL:         strings.TrimSpace(f.URL),
		VersionURL:  strings.TrimSpace(f.VersionURL),
		Token:       strings.TrimSpace(f.Token),
		EventBuffer: f.EventBuffer,
		TLS: bridge.TLSConfig{
			Enabled:            f.TLS.Enabled,
			Mutual:             f.TLS.Mutual,
			InsecureSkipVerify: f.TLS.InsecureSkipVerify,
			CAFile:             strings.TrimSpace(f.TLS.CAFile),
			CertFile:           strings.TrimSpace(f.TLS.CertFile),
			KeyFile:            strings.TrimSpace(f.TLS.KeyFile),
			ServerName:         strings.TrimSpace(f.TLS.ServerName),
		},
	}
	var err error
	if cfg.HandshakeTimeout, err = parseDuration("bridge.handshake_timeout", f.HandshakeTimeout); err != nil {
		return bridge.Config{}, err
	}
	if cfg.RequestTimeout, err = parseDuration("bridge.request_timeout", f.RequestTimeout); err != nil {
		return bridge.Config{}, err
	}
	if cfg.WriteTimeout, err = parseDuration("bridge.write_timeout", f.WriteTimeout); err != nil {
		return bridge.Config{}, err
	}
	return cfg, nil
}

// GatewayToFile is the inverse of loading; templates are rendered from it.
func GatewayToFile(cfg Gateway) GatewayFile {
	retry := retryToFile(cfg.Retry)
	s := cfg.Session
	b := cfg.Bridge
	return GatewayFile{
		Addr:         cfg.Addr,
		CorsOrigins:  cfg.CorsOrigins,
		LogLevel:     cfg.LogLevel,
		APIToken:     cfg.APIToken,
		AuthKeyFile:  cfg.AuthKeyFile,
		QRTerminal:   cfg.QRTerminal,
		QRPNG:        cfg.QRPNGPath,
		NotifyLogout: cfg.NotifyLogout,
		Session: SessionFile{
			AuthPath:             s.AuthPath,
			Offline:              s.Offline,
			LazyReconnect:        s.LazyReconnect,
			KeepaliveInterval:    formatDuration(s.KeepaliveInterval),
			PresenceInterval:     formatDuration(s.PresenceInterval),
			ConnectTimeout:       formatDuration(s.ConnectTimeout),
			OperationTimeout:     formatDuration(s.OperationTimeout),
			MaxReconnectAttempts: s.MaxReconnectAttempts,
			SyncFullHistory:      s.SyncFullHistory,
			MarkOnlineOnConnect:  s.MarkOnlineOnConnect,
			Browser:              s.Browser[:],
			Reconnect: ReconnectFile{
				InitialDelay: formatDuration(s.Reconnect.InitialDelay),
				Multiplier:   s.Reconnect.Multiplier,
				MaxDelay:     formatDuration(s.Reconnect.MaxDelay),
				Jitter:       s.Reconnect.Jitter,
			},
		},
		Bridge: BridgeFile{
			URL:              b.URL,
			VersionURL:       b.VersionURL,
			Token:            b.Token,
			HandshakeTimeout: formatDuration(b.HandshakeTimeout),
			RequestTimeout:   formatDuration(b.RequestTimeout),
			WriteTimeout:     formatDuration(b.WriteTimeout),
			EventBuffer:      b.EventBuffer,
			TLS: TLSFile{
				Enabled:            b.TLS.Enabled,
				Mutual:             b.TLS.Mutual,
				InsecureSkipVerify: b.TLS.InsecureSkipVerify,
				CAFile:             b.TLS.CAFile,
				CertFile:           b.TLS.CertFile,
				KeyFile:            b.TLS.KeyFile,
				ServerName:         b.TLS.ServerName,
			},
		},
		Alert: alertToFile(cfg.Alert),
		Retry: GatewayRetryFile{
			Enabled:     cfg.RetryEnabled,
			MaxAttempts: retry.MaxAttempts,
			Waits:       retry.Waits,
			DefaultWait: retry.DefaultWait,
		},
	}
}

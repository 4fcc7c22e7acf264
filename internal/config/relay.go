package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/wabridge/internal/delivery"
)

// Relay is the resolved relayctl configuration.
type Relay struct {
	Addr          string
	CorsOrigins   []string
	LogLevel      string
	APIToken      string
	NotifyOnStart bool

	Downstream delivery.HTTPSenderConfig
	Proxy      delivery.Config
	Alert      Alert
}

func DefaultRelay() Relay {
	return Relay{
		Addr:          ":3000",
		CorsOrigins:   []string{"http://localhost:3000"},
		NotifyOnStart: true,
		Downstream: delivery.HTTPSenderConfig{
			URL:     "http://127.0.0.1:3001/sendMessage",
			Timeout: 30 * time.Second,
		},
		Proxy: delivery.DefaultConfig(),
		Alert: Alert{Title: delivery.DefaultAlertTitle},
	}
}

type RelayFile struct {
	Addr          string         `toml:"addr"`
	CorsOrigins   []string       `toml:"cors_origins"`
	LogLevel      string         `toml:"log_level"`
	APIToken      string         `toml:"api_token"`
	NotifyOnStart bool           `toml:"notify_on_start"`
	Downstream    DownstreamFile `toml:"downstream"`
	Retry         RetryFile      `toml:"retry"`
	Alert         AlertFile      `toml:"alert"`
}

type DownstreamFile struct {
	URL     string `toml:"url"`
	Timeout string `toml:"timeout"`
	Token   string `toml:"token"`
}

type RetryFile struct {
	MaxAttempts int      `toml:"max_attempts"`
	Waits       []string `toml:"waits"`
	DefaultWait string   `toml:"default_wait"`
}

// LoadRelay reads path over DefaultRelay and validates the result.
func LoadRelay(path string) (Relay, error) {
	raw := RelayToFile(DefaultRelay())
	meta, err := decodeFile(path, &raw)
	if err != nil {
		return Relay{}, err
	}
	inferDefaultWait(meta, &raw.Retry.Waits, &raw.Retry.DefaultWait)

	cfg, err := raw.toRuntime()
	if err != nil {
		return Relay{}, fmt.Errorf("relay config (%s): %w", path, err)
	}
	if err := ValidateRelay(cfg); err != nil {
		return Relay{}, fmt.Errorf("relay config (%s): %w", path, err)
	}
	return cfg, nil
}

func ValidateRelay(cfg Relay) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return ErrAddrRequired
	}
	if strings.TrimSpace(cfg.Downstream.URL) == "" {
		return errors.New("config: downstream.url required")
	}
	if cfg.Proxy.MaxAttempts < 1 {
		return ErrMaxAttempts
	}
	return cfg.Alert.validate()
}

func (f RelayFile) toRuntime() (Relay, error) {
	timeout, err := parseDuration("downstream.timeout", f.Downstream.Timeout)
	if err != nil {
		return Relay{}, err
	}
	al, err := f.Alert.toRuntime()
	if err != nil {
		return Relay{}, err
	}
	if al.Title == "" {
		al.Title = delivery.DefaultAlertTitle
	}
	proxy, err := retryToRuntime(f.Retry.MaxAttempts, f.Retry.Waits, f.Retry.DefaultWait, al.Title)
	if err != nil {
		return Relay{}, err
	}
	return Relay{
		Addr:          strings.TrimSpace(f.Addr),
		CorsOrigins:   normalizeList(f.CorsOrigins),
		LogLevel:      strings.TrimSpace(f.LogLevel),
		APIToken:      strings.TrimSpace(f.APIToken),
		NotifyOnStart: f.NotifyOnStart,
		Downstream: delivery.HTTPSenderConfig{
			URL:       strings.TrimSpace(f.Downstream.URL),
			Timeout:   timeout,
			AuthToken: strings.TrimSpace(f.Downstream.Token),
		},
		Proxy: proxy,
		Alert: al,
	}, nil
}

func RelayToFile(cfg Relay) RelayFile {
	return RelayFile{
		Addr:          cfg.Addr,
		CorsOrigins:   cfg.CorsOrigins,
		LogLevel:      cfg.LogLevel,
		APIToken:      cfg.APIToken,
		NotifyOnStart: cfg.NotifyOnStart,
		Downstream: DownstreamFile{
			URL:     cfg.Downstream.URL,
			Timeout: formatDuration(cfg.Downstream.Timeout),
			Token:   cfg.Downstream.AuthToken,
		},
		Retry: retryToFile(cfg.Proxy),
		Alert: alertToFile(cfg.Alert),
	}
}

// inferDefaultWait reuses the last listed wait when retry.waits is set
// without retry.default_wait.
func inferDefaultWait(meta toml.MetaData, waits *[]string, defaultWait *string) {
	if meta.IsDefined("retry", "waits") && !meta.IsDefined("retry", "default_wait") && len(*waits) > 0 {
		*defaultWait = (*waits)[len(*waits)-1]
	}
}

func retryToRuntime(maxAttempts int, rawWaits []string, rawDefault, title string) (delivery.Config, error) {
	waits := make([]time.Duration, 0, len(rawWaits))
	for i, raw := range rawWaits {
		d, err := parseDuration(fmt.Sprintf("retry.waits[%d]", i), raw)
		if err != nil {
			return delivery.Config{}, err
		}
		waits = append(waits, d)
	}
	defaultWait, err := parseDuration("retry.default_wait", rawDefault)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		MaxAttempts: maxAttempts,
		Schedule:    delivery.RetrySchedule{Waits: waits, Default: defaultWait},
		AlertTitle:  title,
	}, nil
}

func retryToFile(cfg delivery.Config) RetryFile {
	waits := make([]string, 0, len(cfg.Schedule.Waits))
	for _, w := range cfg.Schedule.Waits {
		waits = append(waits, w.String())
	}
	return RetryFile{
		MaxAttempts: cfg.MaxAttempts,
		Waits:       waits,
		DefaultWait: formatDuration(cfg.Schedule.Default),
	}
}

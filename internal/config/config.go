// Package config loads the gateway and relay TOML files. Files are decoded
// over the runtime defaults, so any key left out keeps its default value.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/wabridge/internal/alert"
)

var (
	ErrAddrRequired = errors.New("config: addr required")
	ErrUnknownKeys  = errors.New("config: unknown keys")
	ErrMaxAttempts  = errors.New("config: retry.max_attempts must be >= 1")
)

// Alert selects the operator alert sinks. The log sink is always on; Home
// Assistant is used when its URL is set.
type Alert struct {
	Title         string
	HomeAssistant alert.HomeAssistantConfig
}

func (a Alert) HomeAssistantEnabled() bool {
	return strings.TrimSpace(a.HomeAssistant.BaseURL) != ""
}

type AlertFile struct {
	Title         string            `toml:"title"`
	HomeAssistant HomeAssistantFile `toml:"homeassistant"`
}

type HomeAssistantFile struct {
	URL            string `toml:"url"`
	Token          string `toml:"token"`
	NotificationID string `toml:"notification_id"`
	Timeout        string `toml:"timeout"`
	Cooldown       string `toml:"cooldown"`
}

// decodeFile decodes path over out and rejects keys that map to nothing.
func decodeFile(path string, out any) (toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return meta, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return meta, fmt.Errorf("%w in %s: %s", ErrUnknownKeys, path, strings.Join(keys, ", "))
	}
	return meta, nil
}

// parseDuration accepts "" as zero so optional durations can be blank.
func parseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration %s", key, raw)
	}
	return d, nil
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (f AlertFile) toRuntime() (Alert, error) {
	timeout, err := parseDuration("alert.homeassistant.timeout", f.HomeAssistant.Timeout)
	if err != nil {
		return Alert{}, err
	}
	cooldown, err := parseDuration("alert.homeassistant.cooldown", f.HomeAssistant.Cooldown)
	if err != nil {
		return Alert{}, err
	}
	return Alert{
		Title: strings.TrimSpace(f.Title),
		HomeAssistant: alert.HomeAssistantConfig{
			BaseURL:        strings.TrimSpace(f.HomeAssistant.URL),
			Token:          strings.TrimSpace(f.HomeAssistant.Token),
			NotificationID: strings.TrimSpace(f.HomeAssistant.NotificationID),
			Timeout:        timeout,
			Cooldown:       cooldown,
		},
	}, nil
}

func alertToFile(a Alert) AlertFile {
	return AlertFile{
		Title: a.Title,
		HomeAssistant: HomeAssistantFile{
			URL:            a.HomeAssistant.BaseURL,
			Token:          a.HomeAssistant.Token,
			NotificationID: a.HomeAssistant.NotificationID,
			Timeout:        formatDuration(a.HomeAssistant.Timeout),
			Cooldown:       formatDuration(a.HomeAssistant.Cooldown),
		},
	}
}

func (a Alert) validate() error {
	if !a.HomeAssistantEnabled() {
		return nil
	}
	if strings.TrimSpace(a.HomeAssistant.Token) == "" {
		return errors.New("config: alert.homeassistant.token required when url is set")
	}
	return nil
}

// Package alert delivers operator notifications. Sinks are best-effort:
// callers log a failed Notify and carry on.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/wabridge/internal/clock"
	"github.com/danmuck/wabridge/internal/observability"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	persistentNotificationPath = "/api/services/persistent_notification/create"
	defaultNotificationID      = "alerta_whatsapp"
	defaultTimeout             = 10 * time.Second
)

// HomeAssistantConfig describes a Home Assistant persistent-notification
// target.
type HomeAssistantConfig struct {
	BaseURL        string
	Token          string
	NotificationID string
	Timeout        time.Duration
	// Cooldown is the minimum interval between identical notifications
	// (same title and message).
	Cooldown time.Duration
}

// HomeAssistant posts persistent notifications to Home Assistant.
type HomeAssistant struct {
	notificationID string
	cooldown       time.Duration
	client         *resty.Client
	clock          clock.Clock

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewHomeAssistant(cfg HomeAssistantConfig, clk clock.Clock) (*HomeAssistant, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("alert: home assistant url is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert: home assistant token is required")
	}
	if cfg.Cooldown < 0 {
		return nil, errors.New("alert: cooldown must be non-negative")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if strings.TrimSpace(cfg.NotificationID) == "" {
		cfg.NotificationID = defaultNotificationID
	}
	if clk == nil {
		clk = clock.Real()
	}
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.Token).
		SetHeader("Content-Type", "application/json")
	return &HomeAssistant{
		notificationID: cfg.NotificationID,
		cooldown:       cfg.Cooldown,
		client:         client,
		clock:          clk,
		lastSent:       make(map[string]time.Time),
	}, nil
}

type persistentNotification struct {
	Title          string `json:"title"`
	Message        string `json:"message"`
	NotificationID string `json:"notification_id"`
}

// Notify creates a persistent notification unless an identical one was sent
// within the cooldown window.
func (h *HomeAssistant) Notify(ctx context.Context, title, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return errors.New("alert: message is required")
	}
	now := h.clock.Now()
	key := title + "\x00" + message
	if !h.shouldSend(key, now) {
		log.Info().Str("title", title).Msg("alert suppressed by cooldown")
		return nil
	}

	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(persistentNotification{Title: title, Message: message, NotificationID: h.notificationID}).
		Post(persistentNotificationPath)
	if err != nil {
		err = fmt.Errorf("alert: home assistant request failed: %w", err)
		observability.RecordAlert("homeassistant", err)
		return err
	}
	if !resp.IsSuccess() {
		err = fmt.Errorf("alert: home assistant response %s: %s", resp.Status(), strings.TrimSpace(resp.String()))
		observability.RecordAlert("homeassistant", err)
		return err
	}
	h.markSent(key, now)
	observability.RecordAlert("homeassistant", nil)
	log.Info().Str("title", title).Msg("alert delivered")
	return nil
}

func (h *HomeAssistant) shouldSend(key string, now time.Time) bool {
	if h.cooldown == 0 {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	last, ok := h.lastSent[key]
	if !ok {
		return true
	}
	return now.Sub(last) >= h.cooldown
}

func (h *HomeAssistant) markSent(key string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSent[key] = now
}

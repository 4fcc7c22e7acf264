// Package delivery forwards outbound messages with a bounded retry
// schedule and escalates exhausted deliveries to an operator alert sink.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/wabridge/internal/clock"
	"github.com/danmuck/wabridge/internal/observability"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAttempts = 6
	DefaultAlertTitle  = "WhatsApp Proxy"
	alertTimeout       = 10 * time.Second
)

// Request is one outbound message to forward.
type Request struct {
	ID      string
	To      string
	Payload map[string]any
	Options session.SendOptions
}

// Result is a downstream response. Body is passed through unchanged.
type Result struct {
	Status      int
	Body        []byte
	ContentType string
	MessageID   string
}

// Sender performs one delivery attempt.
type Sender interface {
	Name() string
	Send(ctx context.Context, req Request) (Result, error)
}

// AlertSink notifies an operator. Delivery is best-effort.
type AlertSink interface {
	Notify(ctx context.Context, title, message string) error
}

type Config struct {
	MaxAttempts int
	Schedule    RetrySchedule
	AlertTitle  string
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		Schedule:    DefaultSchedule(),
		AlertTitle:  DefaultAlertTitle,
	}
}

type Option func(*Proxy)

func WithClock(c clock.Clock) Option {
	return func(p *Proxy) { p.clock = c }
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(p *Proxy) {
		if policy != nil {
			p.policy = policy
		}
	}
}

// Proxy forwards requests with bounded retries and escalates exhaustion to
// an AlertSink. Calls share no retry state.
type Proxy struct {
	cfg    Config
	sender Sender
	alerts AlertSink
	clock  clock.Clock
	policy RetryPolicy
}

func NewProxy(cfg Config, sender Sender, alerts AlertSink, opts ...Option) (*Proxy, error) {
	if sender == nil {
		return nil, errors.New("delivery: sender required")
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if len(cfg.Schedule.Waits) == 0 && cfg.Schedule.Default == 0 {
		cfg.Schedule = def.Schedule
	}
	if strings.TrimSpace(cfg.AlertTitle) == "" {
		cfg.AlertTitle = def.AlertTitle
	}
	p := &Proxy{
		cfg:    cfg,
		sender: sender,
		alerts: alerts,
		clock:  clock.Real(),
		policy: DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Forward delivers req, retrying per the schedule. It returns the first
// successful Result, the first non-retryable error as is, or an
// *ExhaustedError after MaxAttempts retryable failures.
func (p *Proxy) Forward(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.To) == "" {
		return Result{}, fmt.Errorf("%w: destination required", ErrInvalidRequest)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	logger := log.With().
		Str("request_id", req.ID).
		Str("to", req.To).
		Str("sender", p.sender.Name()).
		Logger()
	start := p.clock.Now()

	var (
		last       error
		lastResult *Result
	)
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		logger.Info().Int("attempt", attempt).Msg("delivery_attempt")
		res, err := p.sender.Send(ctx, req)
		if err == nil {
			observability.RecordDeliveryAttempt(p.sender.Name(), "ok")
			observability.RecordDeliveryForward(p.sender.Name(), p.clock.Now().Sub(start), true)
			logger.Info().Int("attempt", attempt).Int("status", res.Status).Msg("delivery_ok")
			return res, nil
		}

		last = err
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			r := statusErr.Result()
			lastResult = &r
		}
		if !p.policy(err) {
			observability.RecordDeliveryAttempt(p.sender.Name(), "final")
			observability.RecordDeliveryForward(p.sender.Name(), p.clock.Now().Sub(start), false)
			logger.Warn().Err(err).Int("attempt", attempt).Msg("delivery_rejected")
			return Result{}, err
		}
		observability.RecordDeliveryAttempt(p.sender.Name(), "retry")
		logger.Warn().Err(err).Int("attempt", attempt).Msg("delivery_failed")
		if attempt == p.cfg.MaxAttempts {
			break
		}

		wait := p.cfg.Schedule.Wait(attempt - 1)
		logger.Info().Dur("wait", wait).Msg("delivery_backoff")
		select {
		case <-ctx.Done():
			observability.RecordDeliveryForward(p.sender.Name(), p.clock.Now().Sub(start), false)
			return Result{}, fmt.Errorf("delivery: canceled after %d attempts (last: %v): %w", attempt, last, ctx.Err())
		case <-p.clock.After(wait):
		}
	}

	exhausted := &ExhaustedError{Attempts: p.cfg.MaxAttempts, Last: last, Result: lastResult}
	observability.RecordDeliveryForward(p.sender.Name(), p.clock.Now().Sub(start), false)
	logger.Error().Err(last).Int("attempts", p.cfg.MaxAttempts).Msg("delivery_exhausted")
	p.escalate(ctx, exhausted)
	return Result{}, exhausted
}

func (p *Proxy) escalate(ctx context.Context, exhausted *ExhaustedError) {
	if p.alerts == nil {
		return
	}
	message := fmt.Sprintf("%s: all %d retries failed.\nLast error: %s",
		p.cfg.AlertTitle, exhausted.Attempts, errorText(exhausted.Last))
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	if err := p.alerts.Notify(alertCtx, p.cfg.AlertTitle, message); err != nil {
		log.Warn().Err(err).Msg("delivery alert failed")
	}
}

// NotifyStarted tells the operator the proxy is accepting requests.
func (p *Proxy) NotifyStarted(ctx context.Context, addr string) {
	if p.alerts == nil {
		return
	}
	message := fmt.Sprintf("%s running on %s", p.cfg.AlertTitle, addr)
	if err := p.alerts.Notify(ctx, p.cfg.AlertTitle, message); err != nil {
		log.Warn().Err(err).Msg("startup notification failed")
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

package service

import (
	"context"
	"time"

	"github.com/danmuck/wabridge/internal/alert"
	"github.com/danmuck/wabridge/internal/clock"
	"github.com/danmuck/wabridge/internal/config"
	"github.com/danmuck/wabridge/internal/delivery"
	"github.com/danmuck/wabridge/internal/httpapi"
	"github.com/gin-gonic/gin"
)

const startNotifyTimeout = 10 * time.Second

type RelayOption func(*relayDeps)

type relayDeps struct {
	sender delivery.Sender
	alerts alert.Sink
	clock  clock.Clock
}

// WithSender replaces the HTTP sender built from the downstream config.
func WithSender(s delivery.Sender) RelayOption {
	return func(d *relayDeps) { d.sender = s }
}

func WithRelayAlerts(s alert.Sink) RelayOption {
	return func(d *relayDeps) { d.alerts = s }
}

func WithRelayClock(c clock.Clock) RelayOption {
	return func(d *relayDeps) { d.clock = c }
}

// Relay serves the retrying delivery proxy over HTTP.
type Relay struct {
	cfg    config.Relay
	proxy  *delivery.Proxy
	router *gin.Engine
}

func NewRelay(cfg config.Relay, opts ...RelayOption) (*Relay, error) {
	deps := relayDeps{clock: clock.Real()}
	for _, opt := range opts {
		opt(&deps)
	}
	if deps.sender == nil {
		sender, err := delivery.NewHTTPSender(cfg.Downstream)
		if err != nil {
			return nil, err
		}
		deps.sender = sender
	}
	if deps.alerts == nil {
		sinks, err := buildAlerts(cfg.Alert, deps.clock)
		if err != nil {
			return nil, err
		}
		deps.alerts = sinks
	}

	proxy, err := delivery.NewProxy(cfg.Proxy, deps.sender, deps.alerts, delivery.WithClock(deps.clock))
	if err != nil {
		return nil, err
	}
	r := &Relay{cfg: cfg, proxy: proxy}
	r.router = httpapi.NewEngine("relay", cfg.CorsOrigins)
	httpapi.RegisterRelayRoutes(r.router, proxy, deps.clock.Now(), tokenValidator(cfg.APIToken))
	return r, nil
}

func (r *Relay) Router() *gin.Engine { return r.router }

// Run serves until ctx ends, announcing startup when configured.
func (r *Relay) Run(ctx context.Context) error {
	var onListen func()
	if r.cfg.NotifyOnStart {
		onListen = func() {
			notifyCtx, cancel := context.WithTimeout(ctx, startNotifyTimeout)
			defer cancel()
			r.proxy.NotifyStarted(notifyCtx, r.cfg.Addr)
		}
	}
	return httpapi.Serve(ctx, r.cfg.Addr, r.router, onListen)
}

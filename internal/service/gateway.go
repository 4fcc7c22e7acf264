// Package service assembles the gateway and relay processes from their
// configuration and runs them until the context ends.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/wabridge/internal/alert"
	"github.com/danmuck/wabridge/internal/auth"
	"github.com/danmuck/wabridge/internal/authstore"
	"github.com/danmuck/wabridge/internal/bridge"
	"github.com/danmuck/wabridge/internal/clock"
	"github.com/danmuck/wabridge/internal/config"
	"github.com/danmuck/wabridge/internal/delivery"
	"github.com/danmuck/wabridge/internal/httpapi"
	"github.com/danmuck/wabridge/internal/pairing"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type GatewayOption func(*gatewayDeps)

type gatewayDeps struct {
	protocol   session.Protocol
	alerts     alert.Sink
	clock      clock.Clock
	terminator session.Terminator
}

// WithProtocol replaces the websocket bridge.
func WithProtocol(p session.Protocol) GatewayOption {
	return func(d *gatewayDeps) { d.protocol = p }
}

// WithAlerts replaces the configured alert sinks.
func WithAlerts(s alert.Sink) GatewayOption {
	return func(d *gatewayDeps) { d.alerts = s }
}

func WithGatewayClock(c clock.Clock) GatewayOption {
	return func(d *gatewayDeps) { d.clock = c }
}

func WithTerminator(t session.Terminator) GatewayOption {
	return func(d *gatewayDeps) { d.terminator = t }
}

// Gateway owns one session manager and serves it over HTTP.
type Gateway struct {
	cfg      config.Gateway
	manager  *session.Manager
	store    *authstore.FileStore
	alerts   alert.Sink
	renderer *pairing.Renderer
	router   *gin.Engine
	started  time.Time
	unsubs   []func()
}

func NewGateway(cfg config.Gateway, opts ...GatewayOption) (*Gateway, error) {
	deps := gatewayDeps{clock: clock.Real(), terminator: session.ExitTerminator}
	for _, opt := range opts {
		opt(&deps)
	}

	store := authstore.NewFileStore()
	if cfg.AuthKeyFile != "" {
		identity, err := authstore.LoadOrCreateIdentity(cfg.AuthKeyFile)
		if err != nil {
			return nil, err
		}
		store = authstore.NewSealedStore(identity)
	}

	if deps.protocol == nil {
		client, err := bridge.New(cfg.Bridge)
		if err != nil {
			return nil, err
		}
		deps.protocol = client
	}
	if deps.alerts == nil {
		sinks, err := buildAlerts(cfg.Alert, deps.clock)
		if err != nil {
			return nil, err
		}
		deps.alerts = sinks
	}

	manager, err := session.NewManager(cfg.Session, deps.protocol, store,
		session.WithClock(deps.clock),
		session.WithTerminator(deps.terminator),
	)
	if err != nil {
		return nil, err
	}

	pairCfg := pairing.Config{PNGPath: cfg.QRPNGPath}
	if cfg.QRTerminal {
		pairCfg.Terminal = os.Stdout
	}
	renderer := pairing.NewRenderer(pairCfg)

	g := &Gateway{
		cfg:      cfg,
		manager:  manager,
		store:    store,
		alerts:   deps.alerts,
		renderer: renderer,
		started:  deps.clock.Now(),
	}
	var fwd httpapi.Forwarder
	if cfg.RetryEnabled {
		proxy, err := delivery.NewProxy(cfg.Retry, delivery.SessionSender{Session: manager}, deps.alerts,
			delivery.WithClock(deps.clock))
		if err != nil {
			return nil, err
		}
		fwd = proxy
	}
	g.router = httpapi.NewEngine("gateway", cfg.CorsOrigins)
	httpapi.RegisterGatewayRoutes(g.router, manager, fwd, g.started, tokenValidator(cfg.APIToken))

	g.unsubs = append(g.unsubs,
		renderer.Attach(manager),
		manager.Subscribe(session.EventLogout, g.onLogout),
		manager.Subscribe(session.EventReady, func(session.Event) {
			log.Info().Msg("gateway_session_ready")
		}),
		manager.Subscribe(session.EventMessage, func(ev session.Event) {
			if ev.Message == nil {
				return
			}
			log.Info().
				Str("from", ev.Message.From).
				Str("type", ev.Message.Type).
				Msg("gateway_message_received")
		}),
	)
	return g, nil
}

func (g *Gateway) Manager() *session.Manager { return g.manager }

func (g *Gateway) Router() *gin.Engine { return g.router }

// Run connects the session and serves HTTP until ctx ends. A failed first
// connect is fatal unless lazy reconnect will retry it on the next send.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.shutdown()

	connectCtx, cancel := context.WithTimeout(ctx, g.cfg.Session.ConnectTimeout)
	err := g.manager.Connect(connectCtx)
	cancel()
	if err != nil {
		if !g.cfg.Session.LazyReconnect {
			return fmt.Errorf("gateway: initial connect: %w", err)
		}
		log.Warn().Err(err).Msg("gateway initial connect failed, waiting for lazy reconnect")
	}

	return httpapi.Serve(ctx, g.cfg.Addr, g.router, nil)
}

func (g *Gateway) shutdown() {
	for _, unsub := range g.unsubs {
		unsub()
	}
	if err := g.manager.Close(); err != nil && !errors.Is(err, session.ErrClosed) {
		log.Warn().Err(err).Msg("gateway session close failed")
	}
}

// onLogout drops the stored credentials so the next start pairs afresh and
// tells the operator that pairing is required.
func (g *Gateway) onLogout(ev session.Event) {
	if err := g.store.Clear(g.cfg.Session.AuthPath); err != nil {
		log.Error().Err(err).Msg("gateway failed to clear credentials after logout")
	}
	if !g.cfg.NotifyLogout || g.alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	message := fmt.Sprintf("%s: session logged out (%d %s). Scan a new QR code to pair again.",
		g.cfg.Alert.Title, ev.Code, ev.Reason)
	if err := g.alerts.Notify(ctx, g.cfg.Alert.Title, message); err != nil {
		log.Warn().Err(err).Msg("logout alert failed")
	}
}

// buildAlerts always includes the log sink and adds Home Assistant when
// configured.
func buildAlerts(cfg config.Alert, clk clock.Clock) (alert.Sink, error) {
	sinks := alert.Fanout{alert.Log{}}
	if cfg.HomeAssistantEnabled() {
		ha, err := alert.NewHomeAssistant(cfg.HomeAssistant, clk)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ha)
	}
	return sinks, nil
}

// tokenValidator leaves the API open when no token is configured.
func tokenValidator(token string) auth.Validator {
	if token == "" {
		return nil
	}
	return auth.StaticToken{Token: token}
}

// Package bridge implements session.Protocol over a JSON websocket to a
// protocol sidecar that owns the messaging network's wire format.
//
// Wire format:
// - requests  {"id","method","params"}
// - responses {"id","result"} or {"id","error":{"code","message"}}
// - events    {"event","data"}
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/danmuck/wabridge/internal/session"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client dials the sidecar. It is safe for concurrent use.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	http   *resty.Client
}

func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if cfg.TLS.Enabled {
		u, _ := url.Parse(cfg.URL)
		tlsCfg, err := cfg.TLS.clientConfig(u.Host)
		if err != nil {
			return nil, fmt.Errorf("bridge: tls config: %w", err)
		}
		dialer.TLSClientConfig = tlsCfg
	}

	httpClient := resty.New().
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}
	if dialer.TLSClientConfig != nil {
		httpClient.SetTLSClientConfig(dialer.TLSClientConfig)
	}
	return &Client{cfg: cfg, dialer: dialer, http: httpClient}, nil
}

// FetchVersion looks up the current protocol version. Lookup failures fall
// back to the configured default rather than failing the connect.
func (c *Client) FetchVersion(ctx context.Context) (session.Version, error) {
	if c.cfg.VersionURL == "" {
		return c.cfg.DefaultVersion, nil
	}
	var out versionResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get(c.cfg.VersionURL)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("protocol version lookup failed, using default")
		return c.cfg.DefaultVersion, nil
	case !resp.IsSuccess():
		log.Warn().Int("status", resp.StatusCode()).Msg("protocol version lookup rejected, using default")
		return c.cfg.DefaultVersion, nil
	case out.Version == (session.Version{}):
		log.Warn().Msg("protocol version lookup returned no version, using default")
		return c.cfg.DefaultVersion, nil
	}
	return out.Version, nil
}

// Open dials the sidecar and asks it to start a session with cfg.
func (c *Client) Open(ctx context.Context, cfg session.OpenConfig) (session.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("bridge: dial %s: status %d: %w", c.cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("bridge: dial %s: %w", c.cfg.URL, err)
	}
	conn := newConn(ws, c.cfg)
	go conn.readLoop()
	go conn.dispatchLoop()

	openCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	params := openParams{
		Version:             cfg.Version,
		Auth:                cfg.Auth,
		SyncFullHistory:     cfg.SyncFullHistory,
		MarkOnlineOnConnect: cfg.MarkOnlineOnConnect,
		Browser:             cfg.Browser,
	}
	if err := conn.call(openCtx, MethodOpen, params, nil); err != nil {
		_ = conn.End(err)
		return nil, fmt.Errorf("bridge: open session: %w", err)
	}
	log.Info().Str("url", c.cfg.URL).Msg("bridge_open")
	return conn, nil
}

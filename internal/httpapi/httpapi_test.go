package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/wabridge/internal/auth"
	"github.com/danmuck/wabridge/internal/delivery"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/danmuck/wabridge/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeGateway struct {
	mu       sync.Mutex
	err      error
	to       string
	payload  any
	opts     session.SendOptions
	presence session.Presence
}

func (g *fakeGateway) SendMessage(_ context.Context, to string, payload any, opts session.SendOptions) (session.DeliveryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.to, g.payload, g.opts = to, payload, opts
	if g.err != nil {
		return session.DeliveryResult{}, g.err
	}
	return session.DeliveryResult{ID: "MSG1", RemoteJID: "15550001111@s.whatsapp.net"}, nil
}

func (g *fakeGateway) SendPresenceUpdate(_ context.Context, status session.Presence, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.presence = status
	return g.err
}

func (g *fakeGateway) State() session.State {
	return session.State{Phase: session.PhaseConnected, Connected: true}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newGatewayEngine(gw Gateway) *gin.Engine {
	r := NewEngine("gateway-test", nil)
	RegisterGatewayRoutes(r, gw, nil, time.Now(), nil)
	return r
}

func TestGatewaySendMessage(t *testing.T) {
	testlog.Start(t)
	gw := &fakeGateway{}
	r := newGatewayEngine(gw)

	rec := do(t, r, http.MethodPost, "/sendMessage", `{"to":"15550001111","text":"hello","options":{"quotedId":"Q1"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp delivery.SendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "sent", resp.Status)
	require.Equal(t, "MSG1", resp.ID)

	require.Equal(t, "15550001111", gw.to)
	require.Equal(t, map[string]any{"text": "hello"}, gw.payload)
	require.Equal(t, "Q1", gw.opts.QuotedID)
}

func TestGatewayErrorStatusMapping(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid", err: session.ErrInvalidRequest, want: http.StatusBadRequest},
		{name: "not found", err: &session.RecipientNotFoundError{Input: "1555", ID: "1555@s.whatsapp.net"}, want: http.StatusNotFound},
		{name: "disconnected", err: session.ErrDisconnected, want: http.StatusServiceUnavailable},
		{name: "closed", err: session.ErrClosed, want: http.StatusServiceUnavailable},
		{name: "protocol", err: session.NewProtocolError(session.CodeConnectionLost, errors.New("lost")), want: http.StatusBadGateway},
		{name: "deadline", err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newGatewayEngine(&fakeGateway{err: tt.err})
			rec := do(t, r, http.MethodPost, "/sendMessage", `{"to":"1555","text":"x"}`)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestGatewayRejectsNonObjectBody(t *testing.T) {
	testlog.Start(t)
	r := newGatewayEngine(&fakeGateway{})
	rec := do(t, r, http.MethodPost, "/sendMessage", `["not","an","object"]`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGatewayStatusHealthPresence(t *testing.T) {
	testlog.Start(t)
	gw := &fakeGateway{}
	r := newGatewayEngine(gw)

	rec := do(t, r, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state session.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Equal(t, session.PhaseConnected, state.Phase)

	rec = do(t, r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"component":"gateway"`)

	rec = do(t, r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodPost, "/presence", `{"type":"available"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, session.PresenceAvailable, gw.presence)
}

type scriptedSender struct {
	mu    sync.Mutex
	calls []delivery.Request
	res   delivery.Result
	err   error
}

func (*scriptedSender) Name() string { return "scripted" }

func (s *scriptedSender) Send(_ context.Context, req delivery.Request) (delivery.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	return s.res, s.err
}

type captureAlerts struct {
	mu       sync.Mutex
	messages []string
}

func (a *captureAlerts) Notify(_ context.Context, _, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, message)
	return nil
}

func newRelayEngine(t *testing.T, sender delivery.Sender, alerts delivery.AlertSink) *gin.Engine {
	t.Helper()
	proxy, err := delivery.NewProxy(delivery.Config{MaxAttempts: 1}, sender, alerts)
	require.NoError(t, err)
	r := NewEngine("relay-test", nil)
	RegisterRelayRoutes(r, proxy, time.Now(), nil)
	return r
}

func TestRelayPassesDownstreamResponseThrough(t *testing.T) {
	testlog.Start(t)
	sender := &scriptedSender{res: delivery.Result{
		Status:      http.StatusOK,
		Body:        []byte(`{"status":"sent","id":"M9","to":"1555@s.whatsapp.net"}`),
		ContentType: "application/json",
	}}
	r := newRelayEngine(t, sender, nil)

	req := httptest.NewRequest(http.MethodPost, "/sendMessage", strings.NewReader(`{"to":"1555","text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"sent","id":"M9","to":"1555@s.whatsapp.net"}`, rec.Body.String())
	require.Len(t, sender.calls, 1)
	require.Equal(t, "req-1", sender.calls[0].ID)
	require.Equal(t, "1555", sender.calls[0].To)
	require.Equal(t, map[string]any{"text": "hi"}, sender.calls[0].Payload)
}

func TestRelayMissingDestination(t *testing.T) {
	testlog.Start(t)
	sender := &scriptedSender{}
	r := newRelayEngine(t, sender, nil)

	for _, body := range []string{`{"text":"hi"}`, `{"to":"   ","text":"hi"}`} {
		rec := do(t, r, http.MethodPost, "/sendMessage", body)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), missingDestination)
	}
	require.Empty(t, sender.calls)
}

func TestRelayExhaustionReturnsLastDownstreamResponse(t *testing.T) {
	testlog.Start(t)
	sender := &scriptedSender{err: &delivery.StatusError{
		Status:      http.StatusServiceUnavailable,
		Body:        []byte(`{"error":"disconnected"}`),
		ContentType: "application/json",
	}}
	alerts := &captureAlerts{}
	r := newRelayEngine(t, sender, alerts)

	rec := do(t, r, http.MethodPost, "/sendMessage", `{"to":"1555","text":"hi"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"error":"disconnected"}`, rec.Body.String())
	require.Len(t, alerts.messages, 1)
}

func TestRelayExhaustionWithoutResponseIs500(t *testing.T) {
	testlog.Start(t)
	sender := &scriptedSender{err: errors.New("connection refused")}
	r := newRelayEngine(t, sender, &captureAlerts{})

	rec := do(t, r, http.MethodPost, "/sendMessage", `{"to":"1555","text":"hi"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "proxy error: connection refused", rec.Body.String())
}

func TestRelayNonRetryableStatusPassesThrough(t *testing.T) {
	testlog.Start(t)
	sender := &scriptedSender{err: &delivery.StatusError{
		Status: http.StatusBadRequest,
		Body:   []byte(`{"error":"bad payload"}`),
	}}
	proxy, err := delivery.NewProxy(delivery.Config{MaxAttempts: 3}, sender, nil,
		delivery.WithRetryPolicy(func(error) bool { return false }))
	require.NoError(t, err)
	r := NewEngine("relay-test", nil)
	RegisterRelayRoutes(r, proxy, time.Now(), nil)

	rec := do(t, r, http.MethodPost, "/sendMessage", `{"to":"1555","text":"hi"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"error":"bad payload"}`, rec.Body.String())
	require.Len(t, sender.calls, 1)
}

func TestTokenGuardsAPIButNotHealth(t *testing.T) {
	testlog.Start(t)
	r := NewEngine("gateway-test", nil)
	RegisterGatewayRoutes(r, &fakeGateway{}, nil, time.Now(), auth.StaticToken{Token: "secret"})

	rec := do(t, r, http.MethodPost, "/sendMessage", `{"to":"1555","text":"x"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/sendMessage", strings.NewReader(`{"to":"1555","text":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGatewaySendThroughRetryingProxy(t *testing.T) {
	testlog.Start(t)
	gw := &fakeGateway{}
	alerts := &captureAlerts{}
	proxy, err := delivery.NewProxy(delivery.Config{MaxAttempts: 1}, delivery.SessionSender{Session: gw}, alerts)
	require.NoError(t, err)
	r := NewEngine("gateway-test", nil)
	RegisterGatewayRoutes(r, gw, proxy, time.Now(), nil)

	rec := do(t, r, http.MethodPost, "/sendMessage", `{"to":"15550001111","text":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"sent","id":"MSG1","to":"15550001111@s.whatsapp.net"}`, rec.Body.String())
	require.Equal(t, "15550001111", gw.to)

	gw.err = session.ErrDisconnected
	rec = do(t, r, http.MethodPost, "/sendMessage", `{"to":"15550001111","text":"hello"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Len(t, alerts.messages, 1)

	gw.err = &session.RecipientNotFoundError{Input: "1555", ID: "1555@s.whatsapp.net"}
	rec = do(t, r, http.MethodPost, "/sendMessage", `{"to":"1555","text":"hello"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Len(t, alerts.messages, 1)
}

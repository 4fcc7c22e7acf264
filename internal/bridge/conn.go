package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/wabridge/internal/session"
	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// errConnClosed fails calls that were pending or issued after the socket
// went away.
var errConnClosed = &RemoteError{Code: session.CodeConnectionClosed, Message: "connection closed"}

// conn is one websocket session with the sidecar. Events are buffered until
// the connection-update handler is bound so nothing sent between dial and
// handler registration is lost. The event backlog is unbounded so a full
// backlog can never stop the reader from routing call responses.
type conn struct {
	ws  *websocket.Conn
	cfg Config

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan frame
	closed   bool
	onCreds  func(session.Credentials)
	onConn   func(session.ConnectionUpdate)
	onUpsert func(session.MessagesUpsert)
	onPres   func(session.PresenceInfo)

	ready     chan struct{}
	readyOnce sync.Once
	ended     chan struct{}
	endOnce   sync.Once
	sawClose  atomic.Bool

	evMu    sync.Mutex
	evCond  *sync.Cond
	backlog *queue.Queue
	evDone  bool
}

func newConn(ws *websocket.Conn, cfg Config) *conn {
	c := &conn{
		ws:      ws,
		cfg:     cfg,
		pending: make(map[string]chan frame),
		ready:   make(chan struct{}),
		ended:   make(chan struct{}),
		backlog: queue.New(),
	}
	c.evCond = sync.NewCond(&c.evMu)
	return c
}

func (c *conn) OnCredsUpdate(fn func(session.Credentials)) {
	c.mu.Lock()
	c.onCreds = fn
	c.mu.Unlock()
}

func (c *conn) OnConnectionUpdate(fn func(session.ConnectionUpdate)) {
	c.mu.Lock()
	c.onConn = fn
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *conn) OnMessagesUpsert(fn func(session.MessagesUpsert)) {
	c.mu.Lock()
	c.onUpsert = fn
	c.mu.Unlock()
}

func (c *conn) OnPresenceUpdate(fn func(session.PresenceInfo)) {
	c.mu.Lock()
	c.onPres = fn
	c.mu.Unlock()
}

func (c *conn) SendMessage(ctx context.Context, to session.RecipientID, payload session.Payload, opts session.SendOptions) (session.DeliveryResult, error) {
	var out session.DeliveryResult
	err := c.call(ctx, MethodSendMessage, sendParams{To: to.String(), Content: payload, Options: opts}, &out)
	return out, err
}

func (c *conn) OnWhatsApp(ctx context.Context, id session.RecipientID) ([]session.LookupResult, error) {
	var out []session.LookupResult
	err := c.call(ctx, MethodOnWhatsApp, lookupParams{JIDs: []string{id.String()}}, &out)
	return out, err
}

func (c *conn) SendPresenceUpdate(ctx context.Context, status session.Presence, to session.RecipientID) error {
	return c.call(ctx, MethodSendPresenceUpdate, presenceParams{Type: status, To: to.String()}, nil)
}

func (c *conn) Ping(ctx context.Context) error {
	return c.call(ctx, MethodPing, nil, nil)
}

// End asks the sidecar to end the session and closes the socket. It is
// idempotent; only the first call has any effect.
func (c *conn) End(reason error) error {
	var err error
	c.endOnce.Do(func() {
		close(c.ended)
		msg := ""
		if reason != nil {
			msg = reason.Error()
		}
		// Best effort: the sidecar may already be gone.
		_ = c.write(request{ID: uuid.NewString(), Method: MethodEnd, Params: map[string]string{"reason": msg}})

		c.writeMu.Lock()
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// call sends one request and waits for its response. out may be nil.
func (c *conn) call(ctx context.Context, method string, params any, out any) error {
	id := uuid.NewString()
	reply := make(chan frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnClosed
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(request{ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("bridge: write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case f, ok := <-reply:
		if !ok {
			return errConnClosed
		}
		if f.Error != nil {
			return f.Error
		}
		if out == nil || len(f.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(f.Result, out); err != nil {
			return fmt.Errorf("bridge: decode %s result: %w", method, err)
		}
		return nil
	}
}

func (c *conn) write(req request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(req)
}

// readLoop routes responses to their callers and queues events. When the
// socket fails it synthesizes a close update unless one was already seen or
// End was called locally.
func (c *conn) readLoop() {
	defer c.finishEvents()
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.failPending()
			if c.isEnded() || c.sawClose.Load() {
				return
			}
			code := session.CodeConnectionLost
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				code = session.CodeConnectionClosed
			}
			log.Warn().Err(err).Int("code", code).Msg("bridge_read_failed")
			data, _ := json.Marshal(session.ConnectionUpdate{
				Connection:     session.ConnectionClose,
				LastDisconnect: &session.DisconnectInfo{Code: code, Message: err.Error()},
			})
			c.sawClose.Store(true)
			c.pushEvent(frame{Event: EventConnectionUpdate, Data: data})
			return
		}

		if f.ID != "" {
			c.mu.Lock()
			reply, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				reply <- f
			}
			continue
		}
		if f.Event == "" {
			log.Debug().Msg("bridge_frame_ignored")
			continue
		}
		if f.Event == EventConnectionUpdate && isCloseUpdate(f.Data) {
			c.sawClose.Store(true)
		}
		c.pushEvent(f)
	}
}

// pushEvent queues f without blocking. Crossing EventBuffer only logs.
func (c *conn) pushEvent(f frame) {
	c.evMu.Lock()
	c.backlog.Add(f)
	n := c.backlog.Length()
	c.evMu.Unlock()
	c.evCond.Signal()
	if n == c.cfg.EventBuffer+1 {
		log.Warn().Int("backlog", n).Msg("bridge_event_backlog")
	}
}

func (c *conn) finishEvents() {
	c.evMu.Lock()
	c.evDone = true
	c.evMu.Unlock()
	c.evCond.Broadcast()
}

// nextEvent blocks until an event is queued or the reader has finished and
// the backlog is drained.
func (c *conn) nextEvent() (frame, bool) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	for c.backlog.Length() == 0 && !c.evDone {
		c.evCond.Wait()
	}
	if c.backlog.Length() == 0 {
		return frame{}, false
	}
	return c.backlog.Remove().(frame), true
}

// dispatchLoop delivers events in arrival order once handlers are bound.
func (c *conn) dispatchLoop() {
	select {
	case <-c.ready:
	case <-c.ended:
		return
	}
	closed := false
	for {
		f, ok := c.nextEvent()
		if !ok {
			return
		}
		if closed {
			continue
		}
		closed = c.dispatch(f)
	}
}

// dispatch hands one event to its handler and reports whether it closed
// the connection. Nothing is delivered after a close.
func (c *conn) dispatch(f frame) bool {
	c.mu.Lock()
	onCreds, onConn, onUpsert, onPres := c.onCreds, c.onConn, c.onUpsert, c.onPres
	c.mu.Unlock()

	switch f.Event {
	case EventCredsUpdate:
		var creds session.Credentials
		if decodeEvent(f, &creds) && onCreds != nil {
			onCreds(creds)
		}
	case EventConnectionUpdate:
		var u session.ConnectionUpdate
		if !decodeEvent(f, &u) {
			return false
		}
		if onConn != nil {
			onConn(u)
		}
		return u.Connection == session.ConnectionClose
	case EventMessagesUpsert:
		var u session.MessagesUpsert
		if decodeEvent(f, &u) && onUpsert != nil {
			onUpsert(u)
		}
	case EventPresenceUpdate:
		var p session.PresenceInfo
		if decodeEvent(f, &p) && onPres != nil {
			onPres(p)
		}
	default:
		log.Debug().Str("event", f.Event).Msg("bridge_event_unhandled")
	}
	return false
}

func (c *conn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
}

func (c *conn) isEnded() bool {
	select {
	case <-c.ended:
		return true
	default:
		return false
	}
}

func decodeEvent(f frame, out any) bool {
	if err := json.Unmarshal(f.Data, out); err != nil {
		log.Warn().Err(err).Str("event", f.Event).Msg("bridge_event_decode_failed")
		return false
	}
	return true
}

func isCloseUpdate(data json.RawMessage) bool {
	var head struct {
		Connection session.ConnectionStatus `json:"connection"`
	}
	return json.Unmarshal(data, &head) == nil && head.Connection == session.ConnectionClose
}

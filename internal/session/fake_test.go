package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/wabridge/internal/clock"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type codedErr struct{ code int }

func (e codedErr) Error() string   { return fmt.Sprintf("remote error %d", e.code) }
func (e codedErr) ReasonCode() int { return e.code }

type sentMessage struct {
	to      RecipientID
	payload Payload
}

type fakeConn struct {
	mu         sync.Mutex
	onCreds    func(Credentials)
	onConn     func(ConnectionUpdate)
	onMessages func(MessagesUpsert)
	onPresence func(PresenceInfo)

	registered map[RecipientID]bool
	lookups    int
	sent       []sentMessage
	presences  []Presence
	pings      int
	ends       int
	sendErr    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{registered: make(map[RecipientID]bool)}
}

func (c *fakeConn) OnCredsUpdate(h func(Credentials)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCreds = h
}

func (c *fakeConn) OnConnectionUpdate(h func(ConnectionUpdate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConn = h
}

func (c *fakeConn) OnMessagesUpsert(h func(MessagesUpsert)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessages = h
}

func (c *fakeConn) OnPresenceUpdate(h func(PresenceInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPresence = h
}

func (c *fakeConn) SendMessage(_ context.Context, to RecipientID, payload Payload, _ SendOptions) (DeliveryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return DeliveryResult{}, c.sendErr
	}
	c.sent = append(c.sent, sentMessage{to: to, payload: payload})
	return DeliveryResult{ID: fmt.Sprintf("MSG%d", len(c.sent)), RemoteJID: to.String()}, nil
}

func (c *fakeConn) OnWhatsApp(_ context.Context, id RecipientID) ([]LookupResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if c.registered[id] {
		return []LookupResult{{JID: id.String(), Exists: true}}, nil
	}
	return nil, nil
}

func (c *fakeConn) SendPresenceUpdate(_ context.Context, status Presence, _ RecipientID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presences = append(c.presences, status)
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return errors.New("ping unsupported")
}

func (c *fakeConn) End(error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ends++
	return nil
}

func (c *fakeConn) emitConnection(u ConnectionUpdate) {
	c.mu.Lock()
	h := c.onConn
	c.mu.Unlock()
	h(u)
}

func (c *fakeConn) open() { c.emitConnection(ConnectionUpdate{Connection: ConnectionOpen}) }

func (c *fakeConn) close(code int) {
	c.emitConnection(ConnectionUpdate{Connection: ConnectionClose, LastDisconnect: &DisconnectInfo{Code: code}})
}

func (c *fakeConn) emitCreds(creds Credentials) {
	c.mu.Lock()
	h := c.onCreds
	c.mu.Unlock()
	h(creds)
}

func (c *fakeConn) emitMessages(u MessagesUpsert) {
	c.mu.Lock()
	h := c.onMessages
	c.mu.Unlock()
	h(u)
}

func (c *fakeConn) emitPresence(p PresenceInfo) {
	c.mu.Lock()
	h := c.onPresence
	c.mu.Unlock()
	h(p)
}

func (c *fakeConn) counts() (pings, presences, ends int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings, len(c.presences), c.ends
}

type fakeProtocol struct {
	mu      sync.Mutex
	conns   []*fakeConn
	configs []OpenConfig
	openErr error
	// register is applied to every new connection.
	register []RecipientID
}

func (p *fakeProtocol) FetchVersion(context.Context) (Version, error) {
	return Version{2, 3000, 1015901307}, nil
}

func (p *fakeProtocol) Open(_ context.Context, cfg OpenConfig) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, cfg)
	if p.openErr != nil {
		return nil, p.openErr
	}
	conn := newFakeConn()
	for _, id := range p.register {
		conn.registered[id] = true
	}
	p.conns = append(p.conns, conn)
	return conn, nil
}

func (p *fakeProtocol) opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.configs)
}

func (p *fakeProtocol) conn(i int) *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[i]
}

func (p *fakeProtocol) setOpenErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openErr = err
}

type memStore struct {
	mu    sync.Mutex
	creds Credentials
	saves int
}

func (s *memStore) LoadOrCreate(context.Context, string) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds, nil
}

func (s *memStore) Save(_ context.Context, _ string, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.saves++
	return nil
}

// recorder captures every event plus terminator calls in one ordered log.
type recorder struct {
	mu     sync.Mutex
	events []Event
	log    []string
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.log = append(r.log, string(ev.Kind))
}

func (r *recorder) terminate(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, fmt.Sprintf("terminate:%d", code))
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *recorder) ofKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	m     *Manager
	proto *fakeProtocol
	store *memStore
	clock *clock.FakeClock
	rec   *recorder
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AuthPath = t.TempDir()
	cfg.LazyReconnect = false
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		proto: &fakeProtocol{},
		store: &memStore{},
		clock: clock.Fake(testEpoch),
		rec:   &recorder{},
	}
	m, err := NewManager(cfg, h.proto, h.store, WithClock(h.clock), WithTerminator(h.rec.terminate))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.Subscribe("", h.rec.handle)
	t.Cleanup(func() { _ = m.Close() })
	h.m = m
	return h
}

// connected drives the harness to a connected session on a fresh conn.
func (h *harness) connected(t *testing.T) *fakeConn {
	t.Helper()
	if err := h.m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := h.proto.conn(h.proto.opens() - 1)
	conn.open()
	if got := h.m.State().Phase; got != PhaseConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	return conn
}

package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/wabridge/internal/clock"
	"github.com/danmuck/wabridge/internal/observability"
	"github.com/rs/zerolog/log"
)

type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseClosing      Phase = "closing"
	PhaseDisconnected Phase = "disconnected"
	PhaseLoggedOut    Phase = "logged_out"
)

// State is a point-in-time snapshot of the manager.
type State struct {
	Phase        Phase     `json:"phase"`
	Connected    bool      `json:"connected"`
	Disconnected bool      `json:"disconnected"`
	Reconnecting bool      `json:"reconnecting"`
	Attempt      int       `json:"attempt"`
	LastCode     int       `json:"lastCode,omitempty"`
	Me           *Identity `json:"me,omitempty"`
	Since        time.Time `json:"since"`
}

// Terminator ends the hosting process after a fatal disconnect. It runs on
// the event goroutine after the disconnected and restart events.
type Terminator func(code int)

// ExitTerminator exits the process with status 1 so a supervisor restarts
// it with a clean cryptographic session.
func ExitTerminator(code int) {
	log.Error().Int("code", code).Str("reason", ReasonText(code)).Msg("fatal session close, exiting for supervisor restart")
	os.Exit(1)
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithTerminator(fn Terminator) Option {
	return func(m *Manager) { m.terminate = fn }
}

func WithRand(rng *rand.Rand) Option {
	return func(m *Manager) { m.rng = rng }
}

// Manager owns one protocol session. All exported methods are safe for
// concurrent use.
type Manager struct {
	cfg       Config
	proto     Protocol
	store     CredentialStore
	clock     clock.Clock
	terminate Terminator
	rng       *rand.Rand
	events    *dispatcher

	mu           sync.Mutex
	phase        Phase
	since        time.Time
	conn         Conn
	gen          uint64
	attempt      int
	lastCode     int
	connected    bool
	disconnected bool
	reconnecting bool
	contentReady bool
	closed       bool
	me           *Identity

	keepaliveTimer *clock.Timer
	presenceTimer  *clock.Timer
	reconnectTimer *clock.Timer
	reconnectSeq   uint64

	credsMu sync.Mutex
}

func NewManager(cfg Config, proto Protocol, store CredentialStore, opts ...Option) (*Manager, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if proto == nil {
		return nil, errors.New("session: protocol required")
	}
	if store == nil {
		return nil, errors.New("session: credential store required")
	}
	m := &Manager{
		cfg:       cfg,
		proto:     proto,
		store:     store,
		clock:     clock.Real(),
		terminate: ExitTerminator,
		phase:     PhaseIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	m.since = m.clock.Now()
	m.events = newDispatcher()
	return m, nil
}

// Subscribe registers h for events of kind. An empty kind receives all
// events. The returned func removes the subscription.
func (m *Manager) Subscribe(kind EventKind, h Handler) func() {
	return m.events.subscribe(kind, h)
}

// Flush waits until every event published so far has been delivered.
func (m *Manager) Flush() { m.events.flush() }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	var me *Identity
	if m.me != nil {
		cp := *m.me
		me = &cp
	}
	return State{
		Phase:        m.phase,
		Connected:    m.connected,
		Disconnected: m.disconnected,
		Reconnecting: m.reconnecting,
		Attempt:      m.attempt,
		LastCode:     m.lastCode,
		Me:           me,
		Since:        m.since,
	}
}

// Connect opens a session unless one is already connected or connecting.
// It is safe to call from any number of goroutines.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.phase {
	case PhaseConnected, PhaseConnecting, PhaseClosing:
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked(&m.reconnectTimer)
	m.gen++
	gen := m.gen
	m.setPhaseLocked(PhaseConnecting)
	m.mu.Unlock()

	conn, err := m.open(ctx)

	m.mu.Lock()
	if gen != m.gen || m.closed {
		// Superseded by Disconnect or Close while opening.
		m.mu.Unlock()
		if conn != nil {
			_ = conn.End(nil)
		}
		return ErrDisconnected
	}
	if err != nil {
		m.setPhaseLocked(PhaseDisconnected)
		if m.reconnecting {
			m.scheduleAfterFailureLocked(CodeConnectionClosed)
		} else {
			m.disconnected = true
		}
		m.mu.Unlock()
		return fmt.Errorf("session: connect: %w", err)
	}
	m.conn = conn
	m.mu.Unlock()

	// The connection-update handler is registered last: protocol
	// implementations hold events until it is bound.
	conn.OnCredsUpdate(func(c Credentials) { m.handleCredsUpdate(gen, c) })
	conn.OnMessagesUpsert(func(u MessagesUpsert) { m.handleMessagesUpsert(gen, u) })
	conn.OnPresenceUpdate(func(p PresenceInfo) { m.handlePresenceUpdate(gen, p) })
	conn.OnConnectionUpdate(func(u ConnectionUpdate) { m.handleConnectionUpdate(gen, u) })
	return nil
}

func (m *Manager) open(ctx context.Context) (Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}
	version, err := m.proto.FetchVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch version: %w", err)
	}
	creds, err := m.store.LoadOrCreate(ctx, m.cfg.AuthPath)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if creds.Registered() {
		m.mu.Lock()
		me := *creds.Me
		m.me = &me
		m.mu.Unlock()
	}
	log.Info().Ints("version", version[:]).Bool("registered", creds.Registered()).Msg("opening session")
	return m.proto.Open(ctx, OpenConfig{
		Version:             version,
		Auth:                creds,
		SyncFullHistory:     m.cfg.SyncFullHistory,
		MarkOnlineOnConnect: m.cfg.MarkOnlineOnConnect,
		Browser:             m.cfg.Browser,
	})
}

// Disconnect ends the current connection. With reconnect set, a restart
// event is emitted and a fresh connection is scheduled. It is a no-op when
// the manager is already fully disconnected.
func (m *Manager) Disconnect(reconnect bool) error {
	m.mu.Lock()
	if m.fullyDisconnectedLocked() {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	m.contentReady = false
	m.connected = false
	m.stopLoopsLocked()
	m.stopTimerLocked(&m.reconnectTimer)
	m.setPhaseLocked(PhaseClosing)
	m.mu.Unlock()

	var endErr error
	if conn != nil {
		endErr = conn.End(nil)
	}

	m.mu.Lock()
	if m.phase == PhaseClosing {
		m.setPhaseLocked(PhaseDisconnected)
	}
	if reconnect && !m.closed {
		m.disconnected = false
		m.reconnecting = true
		m.publishLocked(Event{Kind: EventRestart})
		m.armReconnectLocked(m.cfg.Reconnect.InitialDelay)
	} else {
		m.disconnected = true
		m.reconnecting = false
	}
	m.mu.Unlock()

	if endErr != nil {
		return fmt.Errorf("session: end transport: %w", endErr)
	}
	return nil
}

func (m *Manager) fullyDisconnectedLocked() bool {
	if m.phase == PhaseLoggedOut {
		return true
	}
	return m.conn == nil &&
		m.reconnectTimer == nil &&
		m.phase != PhaseConnecting &&
		m.phase != PhaseClosing
}

// Close disconnects without reconnecting and drains pending events.
func (m *Manager) Close() error {
	err := m.Disconnect(false)
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.events.close()
	return err
}

// SendMessage delivers payload to destination over the live session.
func (m *Manager) SendMessage(ctx context.Context, destination string, payload any, opts SendOptions) (DeliveryResult, error) {
	if strings.TrimSpace(destination) == "" {
		observability.RecordSessionSend("invalid")
		return DeliveryResult{}, fmt.Errorf("%w: blank destination", ErrInvalidRequest)
	}
	conn, err := m.liveConn()
	if err != nil {
		observability.RecordSessionSend("disconnected")
		return DeliveryResult{}, err
	}
	to, err := NormalizeRecipient(destination)
	if err != nil {
		observability.RecordSessionSend("invalid")
		return DeliveryResult{}, err
	}
	body := NormalizePayload(payload)

	if to.IsIndividual() {
		results, err := conn.OnWhatsApp(ctx, to)
		if err != nil {
			observability.RecordSessionSend("protocol_error")
			return DeliveryResult{}, wrapProtocolError(err)
		}
		if !anyExists(results) {
			observability.RecordSessionSend("not_found")
			return DeliveryResult{}, &RecipientNotFoundError{Input: destination, ID: to}
		}
	}

	res, err := conn.SendMessage(ctx, to, body, opts)
	if err != nil {
		observability.RecordSessionSend("protocol_error")
		return DeliveryResult{}, wrapProtocolError(err)
	}
	observability.RecordSessionSend("ok")
	log.Debug().Str("to", to.String()).Str("id", res.ID).Msg("message sent")
	return res, nil
}

func anyExists(results []LookupResult) bool {
	for _, r := range results {
		if r.Exists {
			return true
		}
	}
	return false
}

// SendPresenceUpdate publishes a presence status. An empty id targets the
// account's global presence.
func (m *Manager) SendPresenceUpdate(ctx context.Context, status Presence, id string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: presence %q", ErrInvalidRequest, status)
	}
	conn, err := m.liveConn()
	if err != nil {
		return err
	}
	var to RecipientID
	if strings.TrimSpace(id) != "" {
		if to, err = NormalizeRecipient(id); err != nil {
			return err
		}
	}
	if err := conn.SendPresenceUpdate(ctx, status, to); err != nil {
		return wrapProtocolError(err)
	}
	return nil
}

// liveConn returns the connected Conn or ErrDisconnected, kicking off a
// background connect when lazy reconnect is enabled.
func (m *Manager) liveConn() (Conn, error) {
	m.mu.Lock()
	if m.phase == PhaseConnected && m.conn != nil {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}
	lazy := m.cfg.LazyReconnect && !m.closed &&
		(m.phase == PhaseDisconnected || m.phase == PhaseIdle)
	m.mu.Unlock()

	if lazy {
		go func() {
			if err := m.Connect(context.Background()); err != nil {
				log.Warn().Err(err).Msg("lazy reconnect failed")
			}
		}()
	}
	return nil, ErrDisconnected
}

func (m *Manager) handleConnectionUpdate(gen uint64, u ConnectionUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	if u.QR != "" {
		m.publishLocked(Event{Kind: EventQR, QR: u.QR})
	}
	switch u.Connection {
	case ConnectionOpen:
		m.onOpenLocked(gen)
	case ConnectionClose:
		code := CodeConnectionClosed
		if u.LastDisconnect != nil && u.LastDisconnect.Code != 0 {
			code = u.LastDisconnect.Code
		}
		m.onCloseLocked(code)
	}
}

func (m *Manager) onOpenLocked(gen uint64) {
	m.attempt = 0
	m.lastCode = 0
	m.connected = true
	m.disconnected = false
	m.reconnecting = false
	m.contentReady = true
	m.stopTimerLocked(&m.reconnectTimer)
	m.setPhaseLocked(PhaseConnected)
	m.armKeepaliveLocked(gen)
	if m.cfg.Offline {
		m.armPresenceLocked(gen, 0)
	}
	m.publishLocked(Event{Kind: EventReady})
	log.Info().Msg("session connected")
}

func (m *Manager) onCloseLocked(code int) {
	m.conn = nil
	m.connected = false
	m.contentReady = false
	m.lastCode = code
	m.stopLoopsLocked()

	switch {
	case code == CodeLoggedOut:
		m.disconnected = true
		m.reconnecting = false
		m.stopTimerLocked(&m.reconnectTimer)
		m.setPhaseLocked(PhaseLoggedOut)
		m.publishLocked(Event{Kind: EventLogout, Code: code, Reason: ReasonText(code)})
		log.Warn().Int("code", code).Msg("session logged out, re-pairing required")
	case IsFatal(code):
		m.disconnected = true
		m.reconnecting = false
		m.stopTimerLocked(&m.reconnectTimer)
		m.setPhaseLocked(PhaseDisconnected)
		m.publishLocked(Event{Kind: EventDisconnected, Code: code, Reason: ReasonText(code)})
		m.publishLocked(Event{Kind: EventRestart, Code: code, Reason: ReasonText(code)})
		terminate := m.terminate
		m.events.push(func() { terminate(code) })
		log.Error().Int("code", code).Str("reason", ReasonText(code)).Msg("fatal session close")
	default:
		m.setPhaseLocked(PhaseDisconnected)
		m.publishLocked(Event{Kind: EventDisconnected, Code: code, Reason: ReasonText(code)})
		m.scheduleAfterFailureLocked(code)
	}
}

// scheduleAfterFailureLocked counts a transient failure and either arms the
// reconnect timer or gives up once the attempt limit is exceeded.
func (m *Manager) scheduleAfterFailureLocked(code int) {
	m.attempt++
	if m.cfg.MaxReconnectAttempts > 0 && m.attempt > m.cfg.MaxReconnectAttempts {
		m.disconnected = true
		m.reconnecting = false
		log.Warn().Int("attempt", m.attempt).Int("code", code).Msg("reconnect attempts exhausted")
		return
	}
	delay := m.cfg.Reconnect.Delay(m.attempt, m.rng)
	m.disconnected = false
	m.reconnecting = true
	m.armReconnectLocked(delay)
	observability.RecordReconnectScheduled()
	log.Info().Int("attempt", m.attempt).Int("code", code).Dur("delay", delay).Msg("reconnect scheduled")
}

func (m *Manager) armReconnectLocked(delay time.Duration) {
	m.stopTimerLocked(&m.reconnectTimer)
	m.reconnectSeq++
	seq := m.reconnectSeq
	m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.runScheduledReconnect(seq) })
}

func (m *Manager) runScheduledReconnect(seq uint64) {
	m.mu.Lock()
	if m.closed || !m.reconnecting || seq != m.reconnectSeq {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("scheduled reconnect failed")
	}
}

func (m *Manager) armKeepaliveLocked(gen uint64) {
	m.stopTimerLocked(&m.keepaliveTimer)
	if m.cfg.KeepaliveInterval <= 0 {
		return
	}
	m.keepaliveTimer = m.clock.AfterFunc(m.cfg.KeepaliveInterval, func() { m.keepaliveTick(gen) })
}

// keepaliveTick pings the transport. Failures are suppressed; a dead
// transport surfaces through its own close event.
func (m *Manager) keepaliveTick(gen uint64) {
	conn, ok := m.connFor(gen)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OperationTimeout)
	err := conn.Ping(ctx)
	cancel()
	if err != nil {
		log.Debug().Err(err).Msg("keepalive ping failed")
	}
	m.mu.Lock()
	if gen == m.gen && m.phase == PhaseConnected {
		m.armKeepaliveLocked(gen)
	}
	m.mu.Unlock()
}

func (m *Manager) armPresenceLocked(gen uint64, delay time.Duration) {
	m.stopTimerLocked(&m.presenceTimer)
	m.presenceTimer = m.clock.AfterFunc(delay, func() { m.presenceTick(gen) })
}

func (m *Manager) presenceTick(gen uint64) {
	conn, ok := m.connFor(gen)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OperationTimeout)
	err := conn.SendPresenceUpdate(ctx, PresenceUnavailable, "")
	cancel()
	if err != nil {
		log.Debug().Err(err).Msg("offline presence update failed")
	}
	m.mu.Lock()
	if gen == m.gen && m.phase == PhaseConnected {
		m.armPresenceLocked(gen, m.cfg.PresenceInterval)
	}
	m.mu.Unlock()
}

func (m *Manager) connFor(gen uint64) (Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.phase != PhaseConnected || m.conn == nil {
		return nil, false
	}
	return m.conn, true
}

// handleCredsUpdate persists creds whichever connection produced them; the
// key material is real even when that connection has since been replaced.
// Only the pair notification is tied to the current generation. Nothing is
// saved once the account is logged out, since those credentials are void.
func (m *Manager) handleCredsUpdate(gen uint64, creds Credentials) {
	m.mu.Lock()
	loggedOut := m.phase == PhaseLoggedOut
	m.mu.Unlock()
	if loggedOut {
		log.Debug().Msg("credentials update after logout ignored")
		return
	}

	m.credsMu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OperationTimeout)
	err := m.store.Save(ctx, m.cfg.AuthPath, creds)
	cancel()
	m.credsMu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("persist credentials failed")
		return
	}
	if !creds.Registered() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	if m.me != nil && m.me.ID == creds.Me.ID && m.me.Name == creds.Me.Name {
		return
	}
	me := *creds.Me
	m.me = &me
	m.publishLocked(Event{Kind: EventPair, Pair: &PairInfo{Phone: me.Phone(), Name: me.Name}})
	log.Info().Str("phone", me.Phone()).Msg("session paired")
}

func (m *Manager) handleMessagesUpsert(gen uint64, batch MessagesUpsert) {
	messages := NormalizeInbound(batch)
	if len(messages) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || !m.contentReady {
		return
	}
	for i := range messages {
		msg := messages[i]
		observability.RecordInboundMessage(msg.Type)
		m.publishLocked(Event{Kind: EventMessage, Message: &msg})
	}
}

func (m *Manager) handlePresenceUpdate(gen uint64, info PresenceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || !m.contentReady {
		return
	}
	m.publishLocked(Event{Kind: EventPresence, Presence: &info})
}

func (m *Manager) publishLocked(ev Event) {
	ev.At = m.clock.Now()
	m.events.publish(ev)
}

func (m *Manager) setPhaseLocked(phase Phase) {
	if m.phase == phase {
		return
	}
	log.Debug().Str("from", string(m.phase)).Str("to", string(phase)).Msg("session phase")
	m.phase = phase
	m.since = m.clock.Now()
	observability.RecordSessionTransition(string(phase))
}

func (m *Manager) stopLoopsLocked() {
	m.stopTimerLocked(&m.keepaliveTimer)
	m.stopTimerLocked(&m.presenceTimer)
}

func (m *Manager) stopTimerLocked(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

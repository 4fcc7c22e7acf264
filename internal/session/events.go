package session

import (
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
)

type EventKind string

const (
	EventQR           EventKind = "qr"
	EventReady        EventKind = "ready"
	EventPair         EventKind = "pair"
	EventDisconnected EventKind = "disconnected"
	EventLogout       EventKind = "logout"
	EventRestart      EventKind = "restart"
	EventMessage      EventKind = "message"
	EventPresence     EventKind = "presenceUpdate"
)

// PairInfo identifies the account that completed pairing.
type PairInfo struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}

// Event is one lifecycle or content notification. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind     EventKind
	At       time.Time
	QR       string
	Pair     *PairInfo
	Code     int
	Reason   string
	Message  *InboundMessage
	Presence *PresenceInfo
}

type Handler func(Event)

type subscription struct {
	id      uint64
	kind    EventKind
	handler Handler
}

// dispatcher delivers events in publish order on one goroutine, so handlers
// never run under the manager lock and never observe reordering.
type dispatcher struct {
	mu      sync.Mutex
	ready   *sync.Cond
	pending *queue.Queue
	subs    []subscription
	nextID  uint64
	closed  bool
	done    chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		pending: queue.New(),
		done:    make(chan struct{}),
	}
	d.ready = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// subscribe registers h for kind; an empty kind receives every event.
func (d *dispatcher) subscribe(kind EventKind, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription{id: id, kind: kind, handler: h})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, sub := range d.subs {
			if sub.id == id {
				d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

func (d *dispatcher) publish(ev Event) {
	d.push(func() { d.deliver(ev) })
}

// push queues an arbitrary step behind every previously published event.
func (d *dispatcher) push(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending.Add(fn)
	d.ready.Signal()
}

func (d *dispatcher) deliver(ev Event) {
	d.mu.Lock()
	targets := make([]Handler, 0, len(d.subs))
	for _, sub := range d.subs {
		if sub.kind == "" || sub.kind == ev.Kind {
			targets = append(targets, sub.handler)
		}
	}
	d.mu.Unlock()

	for _, h := range targets {
		callHandler(ev, h)
	}
}

func callHandler(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("event", string(ev.Kind)).Interface("panic", r).Msg("session event handler panicked")
		}
	}()
	h(ev)
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for d.pending.Length() == 0 && !d.closed {
			d.ready.Wait()
		}
		if d.pending.Length() == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.pending.Remove().(func())
		d.mu.Unlock()
		fn()
	}
}

// close stops accepting events, drains what is queued and waits for the
// dispatch goroutine to exit.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.ready.Broadcast()
	d.mu.Unlock()
	<-d.done
}

// flush blocks until every step queued before the call has run.
func (d *dispatcher) flush() {
	done := make(chan struct{})
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.pending.Add(func() { close(done) })
	d.ready.Signal()
	d.mu.Unlock()
	<-done
}

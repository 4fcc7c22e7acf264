package session

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/wabridge/internal/testutil/testlog"
)

func TestConnectOpenEmitsReady(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.connected(t)
	h.m.Flush()

	st := h.m.State()
	if !st.Connected || st.Disconnected || st.Reconnecting || st.Attempt != 0 {
		t.Fatalf("unexpected state after open: %+v", st)
	}
	if got := h.rec.kinds(); !reflect.DeepEqual(got, []string{"ready"}) {
		t.Fatalf("unexpected events %v", got)
	}
	cfg := h.proto.configs[0]
	if cfg.SyncFullHistory || cfg.MarkOnlineOnConnect {
		t.Fatalf("history sync and online marking must be off: %+v", cfg)
	}
	if cfg.Browser != [3]string{"Chrome", "Windows", "120.0.0.0"} {
		t.Fatalf("unexpected browser identity %v", cfg.Browser)
	}
}

func TestConnectConcurrentCallsOpenOnce(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.m.Connect(context.Background())
		}()
	}
	wg.Wait()
	if got := h.proto.opens(); got != 1 {
		t.Fatalf("expected exactly one open, got %d", got)
	}

	h.proto.conn(0).open()
	if err := h.m.Connect(context.Background()); err != nil {
		t.Fatalf("connect while connected: %v", err)
	}
	if got := h.proto.opens(); got != 1 {
		t.Fatalf("connect while connected opened again: %d", got)
	}
}

func TestQRThenPairEmittedOncePerIdentity(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	if err := h.m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := h.proto.conn(0)
	conn.emitConnection(ConnectionUpdate{QR: "2@abc,def"})
	conn.emitCreds(Credentials{Data: []byte(`{"noise":"k"}`)})
	paired := Credentials{Me: &Identity{ID: "15550100000:7@s.whatsapp.net", Name: "Desk"}, Data: []byte(`{"noise":"k2"}`)}
	conn.emitCreds(paired)
	conn.emitCreds(paired)
	h.m.Flush()

	if got := h.rec.kinds(); !reflect.DeepEqual(got, []string{"qr", "pair"}) {
		t.Fatalf("unexpected events %v", got)
	}
	qr := h.rec.ofKind(EventQR)[0]
	if qr.QR != "2@abc,def" {
		t.Fatalf("unexpected qr payload %q", qr.QR)
	}
	pair := h.rec.ofKind(EventPair)[0].Pair
	if pair.Phone != "15550100000" || pair.Name != "Desk" {
		t.Fatalf("unexpected pair info %+v", pair)
	}
	if h.store.saves != 3 {
		t.Fatalf("expected every creds update persisted, got %d saves", h.store.saves)
	}
}

func TestTransientCloseSchedulesReconnect(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	first := h.connected(t)

	first.close(CodeConnectionLost)
	h.m.Flush()
	st := h.m.State()
	if st.Connected || st.Disconnected || !st.Reconnecting || st.Attempt != 1 {
		t.Fatalf("unexpected state after transient close: %+v", st)
	}
	disc := h.rec.ofKind(EventDisconnected)
	if len(disc) != 1 || disc[0].Code != CodeConnectionLost {
		t.Fatalf("expected one disconnected(408), got %+v", disc)
	}

	h.clock.Advance(4 * time.Second)
	if h.proto.opens() != 1 {
		t.Fatal("reconnect fired before delay elapsed")
	}
	h.clock.Advance(time.Second)
	if h.proto.opens() != 2 {
		t.Fatalf("expected reconnect after 5s, opens=%d", h.proto.opens())
	}

	second := h.proto.conn(1)
	second.open()
	if st := h.m.State(); st.Attempt != 0 || !st.Connected || st.Reconnecting {
		t.Fatalf("open must reset attempts: %+v", st)
	}

	// Events from the superseded connection are ignored.
	first.close(CodeConnectionReplaced)
	if st := h.m.State(); !st.Connected {
		t.Fatalf("stale close changed state: %+v", st)
	}
}

func TestLogoutIsTerminal(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	conn := h.connected(t)

	conn.close(CodeLoggedOut)
	h.clock.Advance(time.Hour)
	h.m.Flush()

	st := h.m.State()
	if st.Phase != PhaseLoggedOut || !st.Disconnected || st.Reconnecting {
		t.Fatalf("unexpected state after logout: %+v", st)
	}
	if h.proto.opens() != 1 {
		t.Fatalf("logout must not reconnect, opens=%d", h.proto.opens())
	}
	if got := h.rec.kinds(); !reflect.DeepEqual(got, []string{"ready", "logout"}) {
		t.Fatalf("unexpected events %v", got)
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("timers left pending after logout: %d", h.clock.Pending())
	}

	conn.emitCreds(Credentials{Data: []byte(`{"noise":"void"}`)})
	if h.store.saves != 0 {
		t.Fatalf("credentials saved after logout: %d", h.store.saves)
	}
}

func TestFatalCodesTerminateAfterEvents(t *testing.T) {
	for _, code := range []int{CodeBadSession, CodeRestartRequired, CodeMultideviceMismatch} {
		t.Run(ReasonText(code), func(t *testing.T) {
			testlog.Start(t)
			h := newHarness(t, nil)
			conn := h.connected(t)

			conn.close(code)
			h.m.Flush()

			want := []string{"ready", "disconnected", "restart", "terminate:" + strconv.Itoa(code)}
			if got := h.rec.kinds(); !reflect.DeepEqual(got, want) {
				t.Fatalf("got %v want %v", got, want)
			}
			h.clock.Advance(time.Hour)
			if h.proto.opens() != 1 {
				t.Fatalf("fatal close must not reconnect in process")
			}
		})
	}
}

func TestMaxReconnectAttemptsStopsRetrying(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, func(c *Config) { c.MaxReconnectAttempts = 2 })
	h.connected(t).close(CodeConnectionClosed)

	for i := 1; i <= 2; i++ {
		h.clock.Advance(5 * time.Second)
		if h.proto.opens() != i+1 {
			t.Fatalf("attempt %d did not reopen", i)
		}
		h.proto.conn(i).close(CodeConnectionClosed)
	}

	st := h.m.State()
	if !st.Disconnected || st.Reconnecting || st.Attempt != 3 {
		t.Fatalf("expected permanent disconnect, got %+v", st)
	}
	h.clock.Advance(time.Hour)
	if h.proto.opens() != 3 {
		t.Fatalf("retried past the limit: opens=%d", h.proto.opens())
	}
}

func TestFailedReconnectIsRescheduled(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.connected(t)

	if err := h.m.Disconnect(true); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	h.proto.setOpenErr(errors.New("dial refused"))
	h.clock.Advance(5 * time.Second)

	st := h.m.State()
	if st.Phase != PhaseDisconnected || !st.Reconnecting || st.Attempt != 1 {
		t.Fatalf("expected rescheduled reconnect, got %+v", st)
	}

	h.proto.setOpenErr(nil)
	h.clock.Advance(5 * time.Second)
	if h.proto.opens() != 3 {
		t.Fatalf("expected third open, got %d", h.proto.opens())
	}
}

func TestInitialConnectFailureReturnsError(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.proto.setOpenErr(errors.New("dial refused"))
	if err := h.m.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if h.clock.Pending() != 0 {
		t.Fatal("initial failure must not schedule a reconnect")
	}
	st := h.m.State()
	if st.Phase != PhaseDisconnected || !st.Disconnected || st.Reconnecting {
		t.Fatalf("failed connect should leave a settled disconnected state: %+v", st)
	}

	h.proto.setOpenErr(nil)
	if err := h.m.Connect(context.Background()); err != nil {
		t.Fatalf("retry connect: %v", err)
	}
	h.proto.conn(0).open()
	if st := h.m.State(); !st.Connected || st.Disconnected {
		t.Fatalf("open must clear disconnected: %+v", st)
	}
}

func TestStaleCredsArePersistedWithoutPair(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	first := h.connected(t)
	if err := h.m.Disconnect(false); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	paired := Credentials{Me: &Identity{ID: "15550100000:7@s.whatsapp.net", Name: "Desk"}, Data: []byte(`{"noise":"late"}`)}
	first.emitCreds(paired)
	h.m.Flush()

	if h.store.saves != 1 || string(h.store.creds.Data) != `{"noise":"late"}` {
		t.Fatalf("late creds not persisted: saves=%d creds=%s", h.store.saves, h.store.creds.Data)
	}
	if got := h.rec.ofKind(EventPair); len(got) != 0 {
		t.Fatalf("superseded connection emitted pair: %+v", got)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	if err := h.m.Disconnect(false); err != nil {
		t.Fatalf("disconnect idle: %v", err)
	}
	conn := h.connected(t)

	if err := h.m.Disconnect(false); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := h.m.Disconnect(false); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if _, _, ends := conn.counts(); ends != 1 {
		t.Fatalf("transport ended %d times", ends)
	}
	st := h.m.State()
	if st.Connected || !st.Disconnected || st.Reconnecting {
		t.Fatalf("unexpected state %+v", st)
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("timers pending after disconnect: %d", h.clock.Pending())
	}
}

func TestDisconnectWithReconnectEmitsRestart(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.connected(t)

	if err := h.m.Disconnect(true); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	h.m.Flush()
	if got := h.rec.kinds(); !reflect.DeepEqual(got, []string{"ready", "restart"}) {
		t.Fatalf("unexpected events %v", got)
	}
	if !h.m.State().Reconnecting {
		t.Fatal("expected reconnecting")
	}
	h.clock.Advance(5 * time.Second)
	if h.proto.opens() != 2 {
		t.Fatalf("expected scheduled reconnect, opens=%d", h.proto.opens())
	}
}

func TestKeepaliveAndOfflinePresenceStopOnClose(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	conn := h.connected(t)

	h.clock.Advance(0)
	if _, presences, _ := conn.counts(); presences != 1 {
		t.Fatalf("expected immediate offline presence, got %d", presences)
	}
	h.clock.Advance(10 * time.Second)
	if _, presences, _ := conn.counts(); presences != 2 {
		t.Fatalf("expected second presence after 10s, got %d", presences)
	}
	h.clock.Advance(5 * time.Minute)
	pings, presences, _ := conn.counts()
	if pings != 1 {
		t.Fatalf("expected one keepalive ping, got %d", pings)
	}
	if st := h.m.State(); !st.Connected {
		t.Fatalf("failed ping must not disconnect: %+v", st)
	}

	conn.close(CodeConnectionLost)
	h.clock.Advance(4 * time.Second)
	if p, pr, _ := conn.counts(); p != pings || pr != presences {
		t.Fatalf("loops kept running after close: pings %d->%d presences %d->%d", pings, p, presences, pr)
	}
}

func TestOnlineModeSkipsPresenceLoop(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, func(c *Config) { c.Offline = false })
	conn := h.connected(t)
	h.clock.Advance(time.Minute)
	if _, presences, _ := conn.counts(); presences != 0 {
		t.Fatalf("online mode sent %d presences", presences)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	_, err := h.m.SendMessage(context.Background(), "15550100000", "hi", SendOptions{})
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	if h.proto.opens() != 0 {
		t.Fatal("send without lazy reconnect must not connect")
	}
}

func TestSendLazyReconnectStartsConnect(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, func(c *Config) { c.LazyReconnect = true })
	_, err := h.m.SendMessage(context.Background(), "15550100000", "hi", SendOptions{})
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.proto.opens() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("lazy reconnect never opened a session")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendBlankDestinationIsInvalid(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	for _, dest := range []string{"", "   "} {
		_, err := h.m.SendMessage(context.Background(), dest, "hi", SendOptions{})
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("dest %q: expected ErrInvalidRequest, got %v", dest, err)
		}
	}
}

func TestSendToUnregisteredIndividual(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	conn := h.connected(t)

	_, err := h.m.SendMessage(context.Background(), "+1 555 0100", "hi", SendOptions{})
	var notFound *RecipientNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected RecipientNotFoundError, got %v", err)
	}
	if notFound.Input != "+1 555 0100" || notFound.ID != "15550100@s.whatsapp.net" {
		t.Fatalf("unexpected error fields %+v", notFound)
	}
	if len(conn.sent) != 0 {
		t.Fatal("message sent to unregistered recipient")
	}
}

func TestSendToRegisteredIndividualNormalizesPayload(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.proto.register = []RecipientID{"15550100@s.whatsapp.net"}
	conn := h.connected(t)

	caller := map[string]any{"text": 42.0, "mentions": []any{"a"}}
	res, err := h.m.SendMessage(context.Background(), "15550100@c.us", caller, SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ID == "" || res.RemoteJID != "15550100@s.whatsapp.net" {
		t.Fatalf("unexpected result %+v", res)
	}
	if conn.lookups != 1 {
		t.Fatalf("expected one registration lookup, got %d", conn.lookups)
	}
	if got := conn.sent[0].payload["text"]; got != "42" {
		t.Fatalf("text not coerced: %#v", got)
	}
	if _, still := caller["text"].(float64); !still {
		t.Fatal("caller payload mutated")
	}
}

func TestSendToGroupSkipsLookup(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	conn := h.connected(t)

	if _, err := h.m.SendMessage(context.Background(), "15550100-1700000000", "hello group", SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if conn.lookups != 0 {
		t.Fatal("group send must not query registration")
	}
	if conn.sent[0].to != "15550100-1700000000@g.us" || conn.sent[0].payload.Text() != "hello group" {
		t.Fatalf("unexpected send %+v", conn.sent[0])
	}
}

func TestSendProtocolErrorCarriesReason(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	conn := h.connected(t)
	conn.sendErr = codedErr{code: CodeUnavailableService}

	_, err := h.m.SendMessage(context.Background(), "status", "x", SendOptions{})
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if protoErr.Code != CodeUnavailableService || protoErr.Reason != "service unavailable" {
		t.Fatalf("unexpected protocol error %+v", protoErr)
	}
}

func TestSendPresenceUpdateGuards(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, func(c *Config) { c.Offline = false })
	if err := h.m.SendPresenceUpdate(context.Background(), PresenceComposing, "15550100"); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	if err := h.m.SendPresenceUpdate(context.Background(), Presence("bogus"), ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	conn := h.connected(t)
	if err := h.m.SendPresenceUpdate(context.Background(), PresenceComposing, "15550100"); err != nil {
		t.Fatalf("presence: %v", err)
	}
	if _, presences, _ := conn.counts(); presences != 1 {
		t.Fatalf("expected one presence, got %d", presences)
	}
}

func TestInboundMessagesEmittedInOrder(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	if err := h.m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := h.proto.conn(0)
	conn.emitMessages(MessagesUpsert{Messages: []WebMessage{textMessage("early", "ignored before open")}})
	conn.open()

	conn.emitMessages(MessagesUpsert{Type: "notify", Messages: []WebMessage{
		textMessage("m1", "one"),
		{Key: MessageKey{ID: "self", FromMe: true, RemoteJID: "a@s.whatsapp.net"}, Message: &Content{Conversation: "mine"}},
		{Key: MessageKey{ID: "empty", RemoteJID: "a@s.whatsapp.net"}, Message: &Content{ContextInfo: []byte(`{}`)}},
		{Key: MessageKey{ID: "m2", RemoteJID: "a@s.whatsapp.net"}, Message: &Content{ExtendedText: &ExtendedText{Text: "two"}}},
		textMessage("m3", "three"),
	}})
	conn.emitPresence(PresenceInfo{ID: "a@s.whatsapp.net", Presences: map[string]PresenceEntry{
		"a@s.whatsapp.net": {LastKnownPresence: PresenceComposing},
	}})
	h.m.Flush()

	msgs := h.rec.ofKind(EventMessage)
	var ids []string
	for _, ev := range msgs {
		ids = append(ids, ev.Message.ID+":"+ev.Message.Text)
	}
	if want := []string{"m1:one", "m2:two", "m3:three"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("got %v want %v", ids, want)
	}
	if presence := h.rec.ofKind(EventPresence); len(presence) != 1 || presence[0].Presence.ID != "a@s.whatsapp.net" {
		t.Fatalf("unexpected presence events %+v", presence)
	}
}

func textMessage(id, text string) WebMessage {
	return WebMessage{
		Key:     MessageKey{ID: id, RemoteJID: "15550100@s.whatsapp.net"},
		Message: &Content{Conversation: text},
	}
}

func TestCloseStopsConnect(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	if err := h.m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.m.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

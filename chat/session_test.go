package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type harness struct {
	s      *Session
	clock  *fakeClock
	dialer *fakeDialer
	tokens *fakeTokens
	rooms  *fakeRooms
	rec    *recorder
	done   chan error
}

func startSession(t *testing.T, h Handler) *harness {
	t.Helper()
	hs := &harness{
		clock:  newFakeClock(),
		dialer: &fakeDialer{},
		tokens: &fakeTokens{},
		rooms:  &fakeRooms{room: "room-1"},
		rec:    &recorder{},
		done:   make(chan error, 1),
	}
	if h == nil {
		h = hs.rec
	}
	hs.s = NewSession(Config{
		Tokens:    hs.tokens,
		Rooms:     hs.rooms,
		Handler:   h,
		Endpoints: []string{"wss://a/chat", "wss://b/chat"},
		Dial:      hs.dialer.Dial,
		Clock:     hs.clock,
		Pick:      func(int) int { return 1 },
	})
	go func() { hs.done <- hs.s.Run(context.Background()) }()
	t.Cleanup(func() {
		hs.s.Stop()
		select {
		case <-hs.done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after Stop")
		}
	})
	return hs
}

// live brings the first connection to Live and waits until the session is
// blocked reading the next frame.
func (h *harness) live(t *testing.T) *fakeConn {
	t.Helper()
	waitFor(t, "dial", func() bool { return h.dialer.dialed() == 1 })
	conn := h.dialer.conn(0)
	waitFor(t, "first read", func() bool { return h.clock.registered(DefaultReadTimeout) >= 1 })
	conn.in <- connectedFrame
	waitFor(t, "live", func() bool { return h.s.State() == Live })
	waitFor(t, "second read", func() bool { return h.clock.registered(DefaultReadTimeout) >= 2 })
	return conn
}

func TestSession_HandshakeFrame(t *testing.T) {
	h := startSession(t, nil)
	waitFor(t, "dial", func() bool { return h.dialer.dialed() == 1 })
	conn := h.dialer.conn(0)
	waitFor(t, "handshake", func() bool { return len(conn.writes()) == 1 })

	if u := h.dialer.url(0); u != "wss://b/chat" {
		t.Errorf("dialed %s, want endpoint chosen by Pick", u)
	}
	if st := h.s.State(); st != Handshaking {
		t.Errorf("state = %s, want handshaking", st)
	}

	var hs map[string]any
	if err := json.Unmarshal([]byte(conn.writes()[0]), &hs); err != nil {
		t.Fatal(err)
	}
	if hs["ver"] != "3" || hs["cmd"] != float64(CmdConnect) || hs["svcid"] != "game" || hs["cid"] != "room-1" || hs["tid"] != float64(1) {
		t.Errorf("unexpected handshake envelope %v", hs)
	}
	bdy, _ := hs["bdy"].(map[string]any)
	if bdy["accTkn"] != "access-token" || bdy["auth"] != "READ" || bdy["devType"] != float64(2001) {
		t.Errorf("unexpected handshake body %v", bdy)
	}
	if v, ok := bdy["uid"]; !ok || v != nil {
		t.Errorf("uid should be present and null, got %v", v)
	}
}

func TestSession_ChatBatchDeliveredInOrder(t *testing.T) {
	h := startSession(t, nil)
	conn := h.live(t)

	conn.in <- chatFrame(t, "alice", "one", "bob", "two", "carol", "three")
	waitFor(t, "three messages", func() bool { return len(h.rec.all()) == 3 })

	want := []received{{"alice", "one"}, {"bob", "two"}, {"carol", "three"}}
	for i, got := range h.rec.all() {
		if got != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, got, want[i])
		}
	}
	if st := h.s.State(); st != Live {
		t.Errorf("state = %s, want live", st)
	}
}

func TestSession_BadItemDoesNotDropBatch(t *testing.T) {
	h := startSession(t, nil)
	conn := h.live(t)

	conn.in <- []byte(`{"cmd":93101,"bdy":[
		{"profile":"{\"nickname\":\"alice\"}","msg":"one"},
		{"profile":"{broken","msg":"lost"},
		{"profile":"{\"nickname\":\"bob\"}","msg":"two"}
	]}`)
	waitFor(t, "two messages", func() bool { return len(h.rec.all()) == 2 })

	want := []received{{"alice", "one"}, {"bob", "two"}}
	for i, got := range h.rec.all() {
		if got != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, got, want[i])
		}
	}
}

func TestSession_KeepaliveRequestAnswered(t *testing.T) {
	h := startSession(t, nil)
	conn := h.live(t)

	conn.in <- []byte(`{"ver":"2","cmd":0}`)
	conn.in <- chatFrame(t, "alice", "after ping")
	waitFor(t, "chat after ping", func() bool { return len(h.rec.all()) == 1 })

	if n := conn.count(string(pongFrame)); n != 1 {
		t.Errorf("pong frames = %d, want 1", n)
	}
	if got := h.rec.all()[0]; got.text != "after ping" {
		t.Errorf("handler saw %+v", got)
	}
}

func TestSession_InboundPongIsSwallowed(t *testing.T) {
	h := startSession(t, nil)
	conn := h.live(t)

	conn.in <- []byte(`{"ver":"2","cmd":10000}`)
	conn.in <- []byte(`{"cmd":94008,"bdy":{}}`)
	conn.in <- []byte(`not json`)
	conn.in <- chatFrame(t, "bob", "hi")
	waitFor(t, "chat", func() bool { return len(h.rec.all()) == 1 })

	if n := len(conn.writes()); n != 1 {
		t.Errorf("writes = %d, want only the handshake", n)
	}
}

func TestSession_SilenceSendsOneKeepalive(t *testing.T) {
	h := startSession(t, nil)
	conn := h.live(t)

	h.clock.Advance(DefaultReadTimeout)
	waitFor(t, "keepalive", func() bool { return conn.count(string(pingFrame)) == 1 })
	waitFor(t, "next read", func() bool { return h.clock.registered(DefaultReadTimeout) >= 3 })

	if n := conn.count(string(pingFrame)); n != 1 {
		t.Errorf("ping frames = %d, want 1", n)
	}
	if st := h.s.State(); st != Live {
		t.Errorf("state = %s, want live", st)
	}
}

func TestSession_FailedKeepaliveReconnectsAfterBackoff(t *testing.T) {
	h := startSession(t, nil)
	conn := h.live(t)

	conn.failWrites(errors.New("broken pipe"))
	h.clock.Advance(DefaultReadTimeout)
	waitFor(t, "transport backoff", func() bool { return h.clock.registered(DefaultTransportBackoff) == 1 })

	if st := h.s.State(); st != Disconnected {
		t.Errorf("state = %s, want disconnected", st)
	}
	if !conn.isClosed() {
		t.Error("failed connection was not closed")
	}
	if h.dialer.dialed() != 1 {
		t.Fatalf("reconnected before back-off elapsed")
	}

	h.clock.Advance(DefaultTransportBackoff)
	waitFor(t, "redial", func() bool { return h.dialer.dialed() == 2 })
	if n := h.tokens.count(); n != 2 {
		t.Errorf("token requests = %d, want a fresh token per connection", n)
	}
	second := h.dialer.conn(1)
	waitFor(t, "second handshake", func() bool { return len(second.writes()) == 1 })
	var hs struct {
		TID int `json:"tid"`
	}
	_ = json.Unmarshal([]byte(second.writes()[0]), &hs)
	if hs.TID != 2 {
		t.Errorf("tid = %d, want 2", hs.TID)
	}
}

func TestSession_StalledKeepaliveTimesOut(t *testing.T) {
	h := startSession(t, nil)
	conn := h.live(t)

	conn.stallWrites()
	h.clock.Advance(DefaultReadTimeout)
	// one timer for the handshake, one for the keepalive
	waitFor(t, "keepalive write timer", func() bool { return h.clock.registered(DefaultWriteTimeout) == 2 })
	if h.clock.registered(DefaultTransportBackoff) != 0 {
		t.Fatal("backed off before the write timed out")
	}

	h.clock.Advance(DefaultWriteTimeout)
	waitFor(t, "transport backoff", func() bool { return h.clock.registered(DefaultTransportBackoff) == 1 })
	if st := h.s.State(); st != Disconnected {
		t.Errorf("state = %s, want disconnected", st)
	}
	if !conn.isClosed() {
		t.Error("stalled connection was not closed")
	}
	if h.clock.registered(DefaultAuthBackoff) != 0 {
		t.Error("stalled write used the auth back-off")
	}

	h.clock.Advance(DefaultTransportBackoff)
	waitFor(t, "redial", func() bool { return h.dialer.dialed() == 2 })
}

func TestSession_StopUnblocksStalledWrite(t *testing.T) {
	h := startSession(t, nil)
	conn := h.live(t)

	conn.stallWrites()
	h.clock.Advance(DefaultReadTimeout)
	waitFor(t, "keepalive write timer", func() bool { return h.clock.registered(DefaultWriteTimeout) == 2 })

	h.s.Stop()
	waitFor(t, "disconnect", func() bool { return h.s.State() == Disconnected })
	if !conn.isClosed() {
		t.Error("connection left open")
	}
}

func TestSession_ReadErrorReconnects(t *testing.T) {
	h := startSession(t, nil)
	conn := h.live(t)

	conn.readErr <- errors.New("connection reset")
	waitFor(t, "transport backoff", func() bool { return h.clock.registered(DefaultTransportBackoff) == 1 })
	h.clock.Advance(DefaultTransportBackoff)
	waitFor(t, "redial", func() bool { return h.dialer.dialed() == 2 })
}

func TestSession_AuthFailureBacksOffLonger(t *testing.T) {
	clock := newFakeClock()
	dialer := &fakeDialer{}
	tokens := &fakeTokens{err: errors.New("no credentials")}
	s := NewSession(Config{Tokens: tokens, Rooms: &fakeRooms{room: "r"}, Handler: &recorder{}, Dial: dialer.Dial, Clock: clock})
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	defer func() {
		s.Stop()
		<-done
	}()

	waitFor(t, "auth backoff", func() bool { return clock.registered(DefaultAuthBackoff) == 1 })
	clock.Advance(DefaultTransportBackoff)
	time.Sleep(10 * time.Millisecond)
	if dialer.dialed() != 0 || tokens.count() != 1 {
		t.Fatalf("retried before the auth back-off elapsed (dials=%d tokens=%d)", dialer.dialed(), tokens.count())
	}

	tokens.setErr(nil)
	clock.Advance(DefaultAuthBackoff - DefaultTransportBackoff)
	waitFor(t, "dial after auth backoff", func() bool { return dialer.dialed() == 1 })
}

func TestSession_MissingRoomBacksOff(t *testing.T) {
	clock := newFakeClock()
	dialer := &fakeDialer{}
	rooms := &fakeRooms{}
	s := NewSession(Config{Tokens: &fakeTokens{}, Rooms: rooms, Handler: &recorder{}, Dial: dialer.Dial, Clock: clock})
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitFor(t, "auth backoff", func() bool { return clock.registered(DefaultAuthBackoff) == 1 })
	if dialer.dialed() != 0 {
		t.Error("dialed without a room id")
	}

	rooms.mu.Lock()
	rooms.room = "late-room"
	rooms.mu.Unlock()
	clock.Advance(DefaultAuthBackoff)
	waitFor(t, "dial", func() bool { return dialer.dialed() == 1 })

	s.Stop()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestSession_RejectedHandshakeInvalidatesRoom(t *testing.T) {
	h := startSession(t, nil)
	waitFor(t, "dial", func() bool { return h.dialer.dialed() == 1 })
	h.dialer.conn(0).in <- []byte(`{"cmd":10100,"retCode":-1,"retMsg":"INVALID_CHANNEL"}`)

	waitFor(t, "auth backoff", func() bool { return h.clock.registered(DefaultAuthBackoff) >= 2 && h.s.State() == Disconnected })
	h.rooms.mu.Lock()
	n := h.rooms.invalidated
	h.rooms.mu.Unlock()
	if n != 1 {
		t.Errorf("invalidations = %d, want 1", n)
	}
}

type blockingHandler struct {
	mu      sync.Mutex
	calls   []string
	release chan struct{}
}

func (b *blockingHandler) OnChatMessage(_ context.Context, _ Profile, text string) {
	b.mu.Lock()
	b.calls = append(b.calls, text)
	first := len(b.calls) == 1
	b.mu.Unlock()
	if first {
		<-b.release
	}
}

func (b *blockingHandler) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func TestSession_HandlerCallsAreSequential(t *testing.T) {
	bh := &blockingHandler{release: make(chan struct{})}
	h := startSession(t, bh)
	conn := h.live(t)

	conn.in <- chatFrame(t, "a", "first")
	conn.in <- chatFrame(t, "b", "second")
	waitFor(t, "first call", func() bool { return bh.count() == 1 })

	time.Sleep(20 * time.Millisecond)
	if n := bh.count(); n != 1 {
		t.Fatalf("handler called %d times while first call still running", n)
	}
	close(bh.release)
	waitFor(t, "second call", func() bool { return bh.count() == 2 })
}

func TestSession_HandlerPanicKeepsSessionLive(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	h := startSession(t, HandlerFunc(func(_ context.Context, _ Profile, text string) {
		mu.Lock()
		seen = append(seen, text)
		mu.Unlock()
		if text == "boom" {
			panic("handler bug")
		}
	}))
	conn := h.live(t)

	conn.in <- chatFrame(t, "a", "boom", "b", "ok")
	waitFor(t, "both messages", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})
	if st := h.s.State(); st != Live {
		t.Errorf("state = %s, want live", st)
	}
}

func TestSession_StopInterruptsBlockedRead(t *testing.T) {
	h := startSession(t, nil)
	conn := h.live(t)

	h.s.Stop()
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
		h.done <- nil // let cleanup observe completion
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if !conn.isClosed() {
		t.Error("connection not closed on Stop")
	}
	if st := h.s.State(); st != Disconnected {
		t.Errorf("state = %s, want disconnected", st)
	}
}

func TestSession_ContextCancelEndsRun(t *testing.T) {
	clock := newFakeClock()
	dialer := &fakeDialer{err: errors.New("no route")}
	s := NewSession(Config{Tokens: &fakeTokens{}, Rooms: &fakeRooms{room: "r"}, Handler: &recorder{}, Dial: dialer.Dial, Clock: clock})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, "transport backoff", func() bool { return clock.registered(DefaultTransportBackoff) == 1 })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored context cancellation")
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{Disconnected: "disconnected", Connecting: "connecting", Handshaking: "handshaking", Live: "live"} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
}

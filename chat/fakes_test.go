package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock fires After channels only when advanced.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
	calls   map[time.Duration]int
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), calls: map[time.Duration]int{}}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, fakeWaiter{at: c.now.Add(d), ch: ch})
	c.calls[d]++
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

func (c *fakeClock) registered(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[d]
}

// fakeConn delivers frames pushed by the test and records writes.
type fakeConn struct {
	in       chan []byte
	readErr  chan error
	closed   chan struct{}
	once     sync.Once
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	stall    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), readErr: make(chan error, 1), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteFrame(p []byte) error {
	c.mu.Lock()
	if c.stall {
		c.mu.Unlock()
		<-c.closed
		return errors.New("use of closed connection")
	}
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// stallWrites makes every later write block until the conn is closed.
func (c *fakeConn) stallWrites() {
	c.mu.Lock()
	c.stall = true
	c.mu.Unlock()
}

func (c *fakeConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

func (c *fakeConn) count(frame string) int {
	n := 0
	for _, w := range c.writes() {
		if w == frame {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) url(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urls[i]
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeTokens struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTokens) EnsureValidToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "access-token", nil
}

func (f *fakeTokens) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTokens) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRooms struct {
	mu          sync.Mutex
	room        string
	invalidated int
}

func (f *fakeRooms) RoomID(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.room, nil
}

func (f *fakeRooms) Invalidate() {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

type received struct {
	nick, text string
}

type recorder struct {
	mu   sync.Mutex
	msgs []received
}

func (r *recorder) OnChatMessage(_ context.Context, p Profile, text string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, received{p.Nickname, text})
	r.mu.Unlock()
}

func (r *recorder) all() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.msgs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func chatFrame(t *testing.T, pairs ...string) []byte {
	t.Helper()
	items := make([]map[string]any, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		p, err := json.Marshal(Profile{Nickname: pairs[i]})
		if err != nil {
			t.Fatal(err)
		}
		items = append(items, map[string]any{"profile": string(p), "msg": pairs[i+1]})
	}
	b, err := json.Marshal(map[string]any{"cmd": CmdChat, "bdy": items})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

var connectedFrame = []byte(`{"cmd":10100,"retCode":0,"retMsg":"SUCCESS","bdy":{"sid":"sid-1"}}`)

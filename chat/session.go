package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chzzk-bridge/telemetry"
	"github.com/onnwee/chzzk-bridge/wsconn"
)

// ErrTransport wraps dial, write and read failures on the chat connection.
var ErrTransport = errors.New("chat: transport failure")

// errWriteTimeout marks a write that did not complete within WriteTimeout.
var errWriteTimeout = errors.New("write timed out")

// errUnavailable marks token or room lookup failures, which back off longer.
var errUnavailable = errors.New("chat: credentials or room unavailable")

const (
	DefaultReadTimeout      = 60 * time.Second
	DefaultTransportBackoff = 5 * time.Second
	DefaultAuthBackoff      = 60 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

// DefaultEndpoints is the fixed pool of chat servers.
var DefaultEndpoints = func() []string {
	out := make([]string, 0, 9)
	for i := 1; i <= 9; i++ {
		out = append(out, fmt.Sprintf("wss://kr-ss%d.chat.naver.com/chat", i))
	}
	return out
}()

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Live
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Live:
		return "live"
	default:
		return "disconnected"
	}
}

// Handler receives chat messages. Calls are sequential; the next frame is
// not read until OnChatMessage returns.
type Handler interface {
	OnChatMessage(ctx context.Context, profile Profile, text string)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, profile Profile, text string)

func (f HandlerFunc) OnChatMessage(ctx context.Context, profile Profile, text string) {
	f(ctx, profile, text)
}

// TokenProvider returns a currently-valid access token.
type TokenProvider interface {
	EnsureValidToken(ctx context.Context) (string, error)
}

// RoomResolver returns the chat room id. An empty id means "not available yet".
type RoomResolver interface {
	RoomID(ctx context.Context) (string, error)
	Invalidate()
}

// Conn is a message-oriented chat transport.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
	Close() error
}

// Dialer opens a Conn to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialWebSocket is the production Dialer.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, err := wsconn.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config wires a Session. Tokens, Rooms and Handler are required.
type Config struct {
	Tokens  TokenProvider
	Rooms   RoomResolver
	Handler Handler

	Endpoints        []string
	Dial             Dialer
	Clock            Clock
	ReadTimeout      time.Duration
	TransportBackoff time.Duration
	AuthBackoff      time.Duration
	// WriteTimeout bounds each outgoing frame; a stalled write closes the
	// connection.
	WriteTimeout time.Duration
	// Pick selects an endpoint index in [0, n).
	Pick func(n int) int
}

// Session is a logically continuous chat subscription over a sequence of
// physical connections.
type Session struct {
	cfg Config

	state    atomic.Int32
	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}

	mu       sync.Mutex
	conn     Conn
	tid      int
	attempts int
}

// NewSession applies defaults to cfg and returns an idle session.
func NewSession(cfg Config) *Session {
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = DefaultEndpoints
	}
	if cfg.Dial == nil {
		cfg.Dial = DialWebSocket
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.TransportBackoff <= 0 {
		cfg.TransportBackoff = DefaultTransportBackoff
	}
	if cfg.AuthBackoff <= 0 {
		cfg.AuthBackoff = DefaultAuthBackoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Pick == nil {
		cfg.Pick = rand.IntN
	}
	return &Session{cfg: cfg, stopCh: make(chan struct{})}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	telemetry.SetSessionState(int(st))
}

// Stop ends Run. A blocked read is interrupted by closing the connection.
func (s *Session) Stop() {
	s.stopped.Store(true)
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

func (s *Session) stopping() bool { return s.stopped.Load() }

// Run connects and keeps reconnecting until Stop is called or ctx is done.
func (s *Session) Run(ctx context.Context) error {
	log := slog.Default().With(slog.String("component", "chat"))
	for {
		if s.stopping() || ctx.Err() != nil {
			return nil
		}
		err := s.runOnce(ctx)
		if s.stopping() || ctx.Err() != nil {
			return nil
		}
		wait := s.cfg.TransportBackoff
		switch {
		case errors.Is(err, errUnavailable):
			wait = s.cfg.AuthBackoff
			log.Warn("chat session unavailable, backing off", slog.Any("err", err), slog.Duration("wait", wait))
		case wsconn.IsNormalClosure(err):
			log.Info("chat connection closed by server", slog.Duration("wait", wait))
		default:
			log.Warn("chat connection lost", slog.Any("err", err), slog.Duration("wait", wait))
		}
		select {
		case <-s.cfg.Clock.After(wait):
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// runOnce performs one connection lifetime and returns why it ended.
func (s *Session) runOnce(ctx context.Context) error {
	token, err := s.cfg.Tokens.EnsureValidToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", errUnavailable, err)
	}
	room, err := s.cfg.Rooms.RoomID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", errUnavailable, err)
	}
	if room == "" {
		return fmt.Errorf("%w: chat room not found", errUnavailable)
	}

	s.mu.Lock()
	s.attempts++
	if s.attempts > 1 {
		telemetry.IncReconnect()
	}
	s.tid++
	tid := s.tid
	s.mu.Unlock()

	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "chat"))

	s.setState(Connecting)
	defer s.setState(Disconnected)

	endpoint := s.cfg.Endpoints[s.cfg.Pick(len(s.cfg.Endpoints))]
	start := time.Now()
	conn, err := s.cfg.Dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrTransport, endpoint, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()
	// Stop may have raced the dial and missed this conn.
	if s.stopping() {
		return nil
	}

	s.setState(Handshaking)
	if err := s.write(ctx, conn, encodeHandshake(room, token, tid)); err != nil {
		return fmt.Errorf("%w: handshake: %w", ErrTransport, err)
	}
	if telemetry.HandshakeDuration != nil {
		telemetry.HandshakeDuration.Observe(time.Since(start).Seconds())
	}
	log.Info("chat handshake sent", slog.String("endpoint", endpoint), slog.String("room", room), slog.Int("tid", tid))
	return s.receive(ctx, conn, log)
}

type readResult struct {
	data []byte
	err  error
}

func (s *Session) receive(ctx context.Context, conn Conn, log *slog.Logger) error {
	results := make(chan readResult, 1)
	inflight := false
	for {
		if s.stopping() {
			return nil
		}
		if !inflight {
			inflight = true
			go func() {
				data, err := conn.ReadFrame()
				results <- readResult{data: data, err: err}
			}()
		}
		select {
		case r := <-results:
			inflight = false
			if r.err != nil {
				if s.stopping() {
					return nil
				}
				return fmt.Errorf("%w: read: %w", ErrTransport, r.err)
			}
			if err := s.dispatch(ctx, conn, r.data, log); err != nil {
				return err
			}
		case <-s.cfg.Clock.After(s.cfg.ReadTimeout):
			log.Debug("no chat traffic, sending keepalive")
			if err := s.write(ctx, conn, pingFrame); err != nil {
				return fmt.Errorf("%w: keepalive: %w", ErrTransport, err)
			}
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// write sends payload, giving up after WriteTimeout. The connection is
// closed on timeout so the blocked writer returns.
func (s *Session) write(ctx context.Context, conn Conn, payload []byte) error {
	done := make(chan error, 1)
	go func() { done <- conn.WriteFrame(payload) }()
	select {
	case err := <-done:
		return err
	case <-s.cfg.Clock.After(s.cfg.WriteTimeout):
		select {
		case err := <-done:
			return err
		default:
		}
		_ = conn.Close()
		return errWriteTimeout
	case <-s.stopCh:
		_ = conn.Close()
		return errors.New("session stopped")
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}
}

func (s *Session) dispatch(ctx context.Context, conn Conn, data []byte, log *slog.Logger) error {
	frame, err := DecodeFrame(data)
	if err != nil {
		telemetry.Count(telemetry.ChatFrames, "invalid")
		log.Debug("ignoring undecodable frame", slog.Any("err", err))
		s.markLive(log)
		return nil
	}
	telemetry.Count(telemetry.ChatFrames, frame.kind())

	if f, ok := frame.(SessionFrame); ok && f.Cmd == CmdConnected && !f.Accepted() {
		// a stale room id is the usual cause
		s.cfg.Rooms.Invalidate()
		return fmt.Errorf("%w: handshake rejected: %d %s", errUnavailable, f.RetCode, f.RetMsg)
	}
	s.markLive(log)

	switch f := frame.(type) {
	case KeepaliveFrame:
		if f.Request {
			if err := s.write(ctx, conn, pongFrame); err != nil {
				return fmt.Errorf("%w: pong: %w", ErrTransport, err)
			}
		}
	case SessionFrame:
		log.Debug("chat session event", slog.Int("cmd", f.Cmd), slog.String("sid", f.SessionID))
	case ChatBatchFrame:
		if f.Skipped > 0 {
			telemetry.Count(telemetry.ChatFrames, "invalid_item")
			log.Warn("dropped undecodable chat items", slog.Int("skipped", f.Skipped), slog.Int("kept", len(f.Items)))
		}
		for _, item := range f.Items {
			if s.stopping() {
				return nil
			}
			s.deliver(ctx, item, log)
		}
	case UnknownFrame:
		log.Debug("ignoring chat frame", slog.Int("cmd", f.Cmd))
	}
	return nil
}

// markLive completes the handshake on the first frame received.
func (s *Session) markLive(log *slog.Logger) {
	if s.State() == Handshaking {
		s.setState(Live)
		log.Info("chat session live")
	}
}

func (s *Session) deliver(ctx context.Context, item ChatItem, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("chat handler panicked", slog.Any("panic", r))
		}
	}()
	telemetry.TimeFunc(telemetry.HandlerDuration, func() {
		s.cfg.Handler.OnChatMessage(ctx, item.Profile, item.Message)
	})
}

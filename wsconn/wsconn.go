// Package wsconn wraps a client-side WebSocket connection with text-frame
// read and write helpers shared by the chat session and the OBS client.
package wsconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// DefaultWriteTimeout bounds every frame write.
const DefaultWriteTimeout = 10 * time.Second

// closeWriteTimeout bounds the best-effort close frame.
const closeWriteTimeout = time.Second

// Conn is a client WebSocket connection. Reads must come from a single
// goroutine; writes are serialized internally so control-frame replies
// issued while reading never interleave with data frames.
type Conn struct {
	// WriteTimeout is the deadline applied to each write; <= 0 means
	// DefaultWriteTimeout.
	WriteTimeout time.Duration

	nc  net.Conn
	r   io.Reader
	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

type lockedRW struct{ c *Conn }

func (l lockedRW) Read(p []byte) (int, error) { return l.c.r.Read(p) }

func (l lockedRW) Write(p []byte) (int, error) {
	l.c.wmu.Lock()
	defer l.c.wmu.Unlock()
	if err := l.c.setWriteDeadline(l.c.writeTimeout()); err != nil {
		return 0, err
	}
	return l.c.nc.Write(p)
}

func (c *Conn) writeTimeout() time.Duration {
	if c.WriteTimeout > 0 {
		return c.WriteTimeout
	}
	return DefaultWriteTimeout
}

func (c *Conn) setWriteDeadline(d time.Duration) error {
	return c.nc.SetWriteDeadline(time.Now().Add(d))
}

// Dial opens a WebSocket connection to url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Conn, error) {
	nc, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newConn(nc, br), nil
}

func newConn(nc net.Conn, br *bufio.Reader) *Conn {
	c := &Conn{nc: nc, r: nc}
	if br != nil {
		c.r = br
	}
	return c
}

// ReadFrame blocks for the next text or binary data frame. Pings are
// answered transparently; a close frame is returned as wsutil.ClosedError.
func (c *Conn) ReadFrame() ([]byte, error) {
	data, _, err := wsutil.ReadServerData(lockedRW{c})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFrame sends payload as a single text frame. A peer that stops
// reading fails the write once WriteTimeout elapses.
func (c *Conn) WriteFrame(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.setWriteDeadline(c.writeTimeout()); err != nil {
		return err
	}
	return wsutil.WriteClientText(c.nc, payload)
}

// Close sends a normal-closure frame and closes the socket. The close frame
// is skipped when another write holds the connection, so Close never waits
// behind a stalled writer; closing the socket unblocks it. Safe to call more
// than once and concurrently with a blocked ReadFrame or WriteFrame.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.wmu.TryLock() {
			if c.setWriteDeadline(closeWriteTimeout) == nil {
				_ = wsutil.WriteClientMessage(c.nc, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			}
			c.wmu.Unlock()
		}
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

// IsNormalClosure reports whether err is the peer closing with status 1000.
func IsNormalClosure(err error) bool {
	var ce wsutil.ClosedError
	if errors.As(err, &ce) {
		return ce.Code == ws.StatusNormalClosure
	}
	return false
}

// Package obs updates an OBS text source over the obs-websocket v5 protocol.
package obs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/onnwee/chzzk-bridge/wsconn"
)

// obs-websocket opcodes.
const (
	opHello      = 0
	opIdentify   = 1
	opIdentified = 2
	opRequest    = 6
	opResponse   = 7

	rpcVersion = 1
)

// ErrNotConnected is returned when a request is made before Connect.
var ErrNotConnected = errors.New("obs: not connected")

// Conn is the message transport used by Client.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
	Close() error
}

// Client is a minimal obs-websocket v5 client that issues requests one at a time.
type Client struct {
	// Address is host:port of the obs-websocket server.
	Address  string
	Password string
	Dial     func(ctx context.Context, url string) (Conn, error)

	mu   sync.Mutex
	conn Conn
}

type message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type hello struct {
	ObsWebSocketVersion string `json:"obsWebSocketVersion"`
	RPCVersion          int    `json:"rpcVersion"`
	Authentication      *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication,omitempty"`
}

type identify struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type request struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type response struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment"`
	} `json:"requestStatus"`
}

// AuthResponse computes the Identify authentication string:
// base64(sha256(base64(sha256(password + salt)) + challenge)).
func AuthResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

func (c *Client) dial(ctx context.Context, url string) (Conn, error) {
	if c.Dial != nil {
		return c.Dial(ctx, url)
	}
	conn, err := wsconn.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connected reports whether a session is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials and completes the Hello / Identify / Identified exchange.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := c.dial(ctx, "ws://"+c.Address)
	if err != nil {
		return fmt.Errorf("obs connect: %w", err)
	}
	if err := c.identify(ctx, conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("obs identify: %w", err)
	}
	c.conn = conn
	return nil
}

func (c *Client) identify(ctx context.Context, conn Conn) error {
	msg, err := readMessage(ctx, conn)
	if err != nil {
		return err
	}
	if msg.Op != opHello {
		return fmt.Errorf("expected Hello, got op %d", msg.Op)
	}
	var h hello
	if err := json.Unmarshal(msg.D, &h); err != nil {
		return fmt.Errorf("decode Hello: %w", err)
	}
	id := identify{RPCVersion: rpcVersion}
	if h.Authentication != nil {
		if c.Password == "" {
			return errors.New("server requires a password")
		}
		id.Authentication = AuthResponse(c.Password, h.Authentication.Salt, h.Authentication.Challenge)
	}
	if err := writeMessage(conn, opIdentify, id); err != nil {
		return err
	}
	msg, err = readMessage(ctx, conn)
	if err != nil {
		return err
	}
	if msg.Op != opIdentified {
		return fmt.Errorf("expected Identified, got op %d", msg.Op)
	}
	return nil
}

// Call sends one request and waits for its response.
func (c *Client) Call(ctx context.Context, requestType string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	req := request{RequestType: requestType, RequestID: uuid.NewString(), RequestData: data}
	if err := writeMessage(c.conn, opRequest, req); err != nil {
		return fmt.Errorf("obs %s: %w", requestType, err)
	}
	for {
		msg, err := readMessage(ctx, c.conn)
		if err != nil {
			return fmt.Errorf("obs %s: %w", requestType, err)
		}
		if msg.Op != opResponse {
			continue
		}
		var resp response
		if err := json.Unmarshal(msg.D, &resp); err != nil {
			return fmt.Errorf("obs %s: decode response: %w", requestType, err)
		}
		if resp.RequestID != req.RequestID {
			continue
		}
		if !resp.RequestStatus.Result {
			return fmt.Errorf("obs %s failed: code %d: %s", requestType, resp.RequestStatus.Code, resp.RequestStatus.Comment)
		}
		return nil
	}
}

// SetInputText replaces the text setting of a text input.
func (c *Client) SetInputText(ctx context.Context, inputName, text string) error {
	return c.Call(ctx, "SetInputSettings", map[string]any{
		"inputName":     inputName,
		"inputSettings": map[string]string{"text": text},
	})
}

// Close drops the connection. The client may Connect again afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func writeMessage(conn Conn, op int, d any) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	b, err := json.Marshal(message{Op: op, D: payload})
	if err != nil {
		return err
	}
	return conn.WriteFrame(b)
}

// readMessage reads one message, closing conn if ctx ends first.
func readMessage(ctx context.Context, conn Conn) (message, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := conn.ReadFrame()
		ch <- result{b, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return message{}, r.err
		}
		var m message
		if err := json.Unmarshal(r.data, &m); err != nil {
			return message{}, fmt.Errorf("decode message: %w", err)
		}
		return m, nil
	case <-ctx.Done():
		_ = conn.Close()
		return message{}, ctx.Err()
	}
}

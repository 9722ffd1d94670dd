package obs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOBS speaks enough obs-websocket v5 to accept SetInputSettings.
type fakeOBS struct {
	password  string
	salt      string
	challenge string
	fail      bool

	mu       sync.Mutex
	texts    []string
	inputs   []string
	sessions int
}

func (f *fakeOBS) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		f.mu.Lock()
		f.sessions++
		f.mu.Unlock()

		hello := map[string]any{"obsWebSocketVersion": "5.1.0", "rpcVersion": 1}
		if f.password != "" {
			hello["authentication"] = map[string]string{"challenge": f.challenge, "salt": f.salt}
		}
		send := func(op int, d any) {
			b, _ := json.Marshal(map[string]any{"op": op, "d": d})
			_ = wsutil.WriteServerText(conn, b)
		}
		send(0, hello)

		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			var msg struct {
				Op int             `json:"op"`
				D  json.RawMessage `json:"d"`
			}
			if json.Unmarshal(data, &msg) != nil {
				return
			}
			switch msg.Op {
			case 1:
				var id struct {
					RPCVersion     int    `json:"rpcVersion"`
					Authentication string `json:"authentication"`
				}
				_ = json.Unmarshal(msg.D, &id)
				if f.password != "" && id.Authentication != AuthResponse(f.password, f.salt, f.challenge) {
					_ = wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(4009, "Authentication failed"))
					return
				}
				send(2, map[string]int{"negotiatedRpcVersion": 1})
			case 6:
				var req struct {
					RequestType string `json:"requestType"`
					RequestID   string `json:"requestId"`
					RequestData struct {
						InputName     string            `json:"inputName"`
						InputSettings map[string]string `json:"inputSettings"`
					} `json:"requestData"`
				}
				_ = json.Unmarshal(msg.D, &req)
				f.mu.Lock()
				fail := f.fail
				if !fail {
					f.texts = append(f.texts, req.RequestData.InputSettings["text"])
					f.inputs = append(f.inputs, req.RequestData.InputName)
				}
				f.mu.Unlock()
				status := map[string]any{"result": !fail, "code": 100}
				if fail {
					status["code"] = 600
					status["comment"] = "No source was found"
				}
				send(7, map[string]any{"requestType": req.RequestType, "requestId": req.RequestID, "requestStatus": status})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeOBS) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func addr(srv *httptest.Server) string { return strings.TrimPrefix(srv.URL, "http://") }

func TestFormatQueue(t *testing.T) {
	assert.Equal(t, "", FormatQueue(nil))
	assert.Equal(t, "1. a", FormatQueue([]string{"a"}))
	assert.Equal(t, "1. a   2. b   3. 치즈", FormatQueue([]string{"a", "b", "치즈"}))
}

func TestAuthResponse(t *testing.T) {
	// Reference values from the obs-websocket protocol documentation example.
	got := AuthResponse("supersecretpassword", "lM1GncleQOaCu9lT1yeUZhFYnqhsLLP1G5lAGo3ixaI=", "+IxH4CnCiqpX1rM9scsNynZzbOe4KhDeYcTNS3PDaeY=")
	assert.Equal(t, "1Ct943GAT+6YQUUX47Ia/ncufilbe6+oD6lY+5kaCu4=", got)
}

func TestClient_ConnectWithPasswordAndSetText(t *testing.T) {
	fake := &fakeOBS{password: "pw", salt: "salt", challenge: "challenge"}
	srv := fake.serve(t)

	c := &Client{Address: addr(srv), Password: "pw"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()
	assert.True(t, c.Connected())

	require.NoError(t, c.SetInputText(ctx, "Queue", "1. a"))
	assert.Equal(t, []string{"1. a"}, fake.received())
}

func TestClient_WrongPassword(t *testing.T) {
	fake := &fakeOBS{password: "pw", salt: "s", challenge: "c"}
	srv := fake.serve(t)

	c := &Client{Address: addr(srv), Password: "nope"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, c.Connect(ctx))
	assert.False(t, c.Connected())
}

func TestClient_RequestFailureReported(t *testing.T) {
	fake := &fakeOBS{fail: true}
	srv := fake.serve(t)

	c := &Client{Address: addr(srv)}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	err := c.SetInputText(ctx, "Missing", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No source was found")
}

func TestClient_CallBeforeConnect(t *testing.T) {
	c := &Client{Address: "127.0.0.1:1"}
	assert.ErrorIs(t, c.SetInputText(context.Background(), "x", "y"), ErrNotConnected)
}

func TestOverlay_UpdateReconnectsOnce(t *testing.T) {
	fake := &fakeOBS{}
	srv := fake.serve(t)

	o := &Overlay{Client: &Client{Address: addr(srv)}, Source: "Queue"}
	o.Start(context.Background())
	require.True(t, o.Client.Connected())

	// drop the connection underneath the overlay
	o.Client.mu.Lock()
	_ = o.Client.conn.Close()
	o.Client.mu.Unlock()

	o.Update(context.Background(), []string{"a", "b"})
	assert.Equal(t, []string{"1. a   2. b"}, fake.received())
	fake.mu.Lock()
	assert.Equal(t, 2, fake.sessions)
	assert.Equal(t, []string{"Queue"}, fake.inputs)
	fake.mu.Unlock()
	o.Close()
}

func TestOverlay_DisabledWithoutSource(t *testing.T) {
	o := &Overlay{Client: &Client{Address: "127.0.0.1:1"}}
	assert.False(t, o.Enabled())
	o.Start(context.Background())
	o.Update(context.Background(), []string{"a"})
	assert.False(t, o.Client.Connected())

	var nilOverlay *Overlay
	assert.False(t, nilOverlay.Enabled())
}

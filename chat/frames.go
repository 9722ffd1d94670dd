package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Command numbers carried in the "cmd" field of every frame.
const (
	CmdPing      = 0
	CmdPong      = 10000
	CmdConnect   = 100
	CmdConnected = 10100
	CmdChat      = 93101
	CmdDonation  = 93102
)

// Frame is one decoded inbound frame: KeepaliveFrame, ChatBatchFrame,
// SessionFrame or UnknownFrame.
type Frame interface {
	kind() string
}

// KeepaliveFrame is a ping or pong. Request is true when the server expects
// a pong back.
type KeepaliveFrame struct {
	Request bool
}

// ChatBatchFrame carries one or more chat (or donation) messages in order.
type ChatBatchFrame struct {
	Cmd   int
	Items []ChatItem
	// Skipped counts items that could not be decoded and were dropped.
	Skipped int
}

// SessionFrame is a session-level event such as the handshake acknowledgement.
type SessionFrame struct {
	Cmd       int
	RetCode   int
	RetMsg    string
	SessionID string
}

// UnknownFrame is any frame with a command this client does not handle.
type UnknownFrame struct {
	Cmd int
	Raw []byte
}

func (KeepaliveFrame) kind() string { return "keepalive" }
func (ChatBatchFrame) kind() string { return "chat" }
func (SessionFrame) kind() string   { return "session" }
func (UnknownFrame) kind() string   { return "unknown" }

// Accepted reports whether a handshake acknowledgement signals success.
func (f SessionFrame) Accepted() bool { return f.RetCode == 0 }

// ChatItem is a single message and its author.
type ChatItem struct {
	Profile Profile
	Message string
}

// Profile is the author metadata attached to each chat item.
type Profile struct {
	UserIDHash   string   `json:"userIdHash"`
	Nickname     string   `json:"nickname"`
	UserRoleCode string   `json:"userRoleCode"`
	Badge        *Badge   `json:"badge,omitempty"`
	Privileges   []string `json:"privileges,omitempty"`
}

// Badge is the role badge shown next to a nickname.
type Badge struct {
	ImageURL string `json:"imageUrl"`
}

// Role codes assigned by CHZZK.
const (
	RoleStreamer       = "streamer"
	RoleChannelManager = "streaming_channel_manager"
	RoleChatManager    = "streaming_chat_manager"
)

// IsModerator reports whether the author is the streamer or a channel manager.
func (p Profile) IsModerator() bool {
	switch p.UserRoleCode {
	case RoleStreamer, RoleChannelManager, RoleChatManager:
		return true
	}
	for _, priv := range p.Privileges {
		if priv == "streamer" || priv == "channel_manager" {
			return true
		}
	}
	return p.Badge != nil && strings.Contains(p.Badge.ImageURL, "streamer")
}

type rawFrame struct {
	Cmd     *int            `json:"cmd"`
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Bdy     json.RawMessage `json:"bdy"`
}

type rawItem struct {
	Profile json.RawMessage `json:"profile"`
	Msg     *string         `json:"msg"`
	Content *string         `json:"content"`
}

// DecodeFrame parses one inbound text frame.
func DecodeFrame(data []byte) (Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if raw.Cmd == nil {
		return nil, fmt.Errorf("decode frame: missing cmd")
	}
	switch *raw.Cmd {
	case CmdPing:
		return KeepaliveFrame{Request: true}, nil
	case CmdPong:
		return KeepaliveFrame{}, nil
	case CmdConnected:
		f := SessionFrame{Cmd: CmdConnected, RetCode: raw.RetCode, RetMsg: raw.RetMsg}
		var body struct {
			SID string `json:"sid"`
		}
		if len(raw.Bdy) > 0 && json.Unmarshal(raw.Bdy, &body) == nil {
			f.SessionID = body.SID
		}
		return f, nil
	case CmdChat, CmdDonation:
		items, skipped, err := decodeItems(raw.Bdy)
		if err != nil {
			return nil, err
		}
		return ChatBatchFrame{Cmd: *raw.Cmd, Items: items, Skipped: skipped}, nil
	default:
		return UnknownFrame{Cmd: *raw.Cmd, Raw: data}, nil
	}
}

// decodeItems decodes each batch entry on its own; a malformed entry is
// skipped without losing its neighbours.
func decodeItems(bdy json.RawMessage) ([]ChatItem, int, error) {
	var raws []json.RawMessage
	if len(bdy) > 0 && !bytes.Equal(bdy, []byte("null")) {
		if err := json.Unmarshal(bdy, &raws); err != nil {
			return nil, 0, fmt.Errorf("decode chat batch: %w", err)
		}
	}
	items := make([]ChatItem, 0, len(raws))
	skipped := 0
	for _, b := range raws {
		var r rawItem
		if err := json.Unmarshal(b, &r); err != nil {
			skipped++
			continue
		}
		p, err := decodeProfile(r.Profile)
		if err != nil {
			skipped++
			continue
		}
		var msg string
		switch {
		case r.Msg != nil:
			msg = *r.Msg
		case r.Content != nil:
			msg = *r.Content
		}
		items = append(items, ChatItem{Profile: p, Message: msg})
	}
	return items, skipped, nil
}

// decodeProfile accepts the profile either as a JSON-encoded string (the
// usual form) or as an inline object. Anonymous senders carry "null".
func decodeProfile(raw json.RawMessage) (Profile, error) {
	var p Profile
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return p, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return p, fmt.Errorf("decode profile: %w", err)
		}
		if s == "" || s == "null" {
			return p, nil
		}
		raw = []byte(s)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

type handshake struct {
	Ver   string        `json:"ver"`
	Cmd   int           `json:"cmd"`
	SvcID string        `json:"svcid"`
	CID   string        `json:"cid"`
	Bdy   handshakeBody `json:"bdy"`
	TID   int           `json:"tid"`
}

type handshakeBody struct {
	UID     *string `json:"uid"`
	DevType int     `json:"devType"`
	AccTkn  string  `json:"accTkn"`
	Auth    string  `json:"auth"`
}

func encodeHandshake(room, token string, tid int) []byte {
	b, _ := json.Marshal(handshake{
		Ver:   "3",
		Cmd:   CmdConnect,
		SvcID: "game",
		CID:   room,
		Bdy:   handshakeBody{DevType: 2001, AccTkn: token, Auth: "READ"},
		TID:   tid,
	})
	return b
}

var (
	pingFrame = []byte(`{"ver":"2","cmd":0}`)
	pongFrame = []byte(`{"ver":"2","cmd":10000}`)
)

package chzzk

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/chzzk-bridge/telemetry"
)

// Resolver maps the configured channel id to its chat room id. The result
// is cached until Invalidate is called.
type Resolver struct {
	ChannelID  string
	HTTPClient *http.Client
	// APIBase overrides the production API host.
	APIBase string

	mu     sync.Mutex
	roomID string
}

func (r *Resolver) base() string {
	if r.APIBase != "" {
		return r.APIBase
	}
	return DefaultAPIBase
}

// Cached returns the cached room id without resolving.
func (r *Resolver) Cached() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID
}

// Invalidate drops the cached room id so the next RoomID call resolves again.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.roomID = ""
	r.mu.Unlock()
}

// RoomID returns the chat room id. ("", nil) means the channel currently has
// no chat room (e.g. offline) and the caller should retry later. Transport
// failures wrap ErrResolution.
func (r *Resolver) RoomID(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.roomID != "" {
		return r.roomID, nil
	}
	id, err := r.resolve(ctx)
	if err != nil {
		return "", err
	}
	r.roomID = id
	if id != "" {
		slog.Info("chat room resolved", slog.String("channel", r.ChannelID), slog.String("room", id))
	}
	return id, nil
}

func (r *Resolver) resolve(ctx context.Context) (id string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "chzzk", "channel.resolve", attribute.String("channel", r.ChannelID))
	defer func() { telemetry.EndSpan(span, err) }()

	u := fmt.Sprintf("%s/polling/v2/channels/%s/live-status", r.base(), url.PathEscape(r.ChannelID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrResolution, err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := httpClient(r.HTTPClient).Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrResolution, err)
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		slog.Warn("live-status lookup failed", slog.Any("err", rejection(resp)))
		return "", nil
	}
	var env envelope[struct {
		ChatChannelID *string `json:"chatChannelId"`
	}]
	if err := decodeJSON(resp.Body, &env); err != nil {
		slog.Warn("live-status response malformed", slog.Any("err", err))
		return "", nil
	}
	if env.Code != http.StatusOK || env.Content.ChatChannelID == nil {
		return "", nil
	}
	return *env.Content.ChatChannelID, nil
}

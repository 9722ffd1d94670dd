package chzzk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/onnwee/chzzk-bridge/telemetry"
)

// Sender posts chat messages to the channel as the authenticated account.
type Sender struct {
	Authority *Authority
	// Base is the underlying transport; nil means http.DefaultTransport.
	Base        http.RoundTripper
	OpenAPIBase string
}

// NewSender builds a Sender that authenticates through authority.
func NewSender(authority *Authority, base http.RoundTripper) *Sender {
	return &Sender{Authority: authority, Base: base, OpenAPIBase: authority.OpenAPIBase}
}

func (s *Sender) client() *http.Client {
	return &http.Client{Transport: &oauth2.Transport{Source: s.Authority, Base: s.Base}}
}

// Send posts message. It reports false on any failure and never retries.
func (s *Sender) Send(ctx context.Context, message string) bool {
	err := s.send(ctx, message)
	if err != nil {
		result := "error"
		if errors.Is(err, ErrRemoteRejection) {
			result = "rejected"
		}
		telemetry.Count(telemetry.ChatSends, result)
		telemetry.LoggerWithCorr(ctx).Warn("chat send failed", slog.Any("err", err))
		return false
	}
	telemetry.Count(telemetry.ChatSends, "ok")
	return true
}

func (s *Sender) send(ctx context.Context, message string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "chzzk", "chat.send")
	defer func() { telemetry.EndSpan(span, err) }()

	if _, err := s.Authority.EnsureValidToken(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}
	base := s.OpenAPIBase
	if base == "" {
		base = DefaultOpenAPIBase
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/open/v1/chats/send", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rejection(resp)
	}
	return nil
}

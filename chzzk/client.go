// Package chzzk talks to the CHZZK HTTP APIs: token exchange, chat room
// resolution and outbound chat messages.
package chzzk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

const (
	DefaultOpenAPIBase = "https://openapi.chzzk.naver.com"
	DefaultAPIBase     = "https://api.chzzk.naver.com"
	DefaultAccountBase = "https://chzzk.naver.com"

	userAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	maxErrorBody = 4 << 10
)

var (
	// ErrAuthFailure is returned when no valid access token can be produced.
	ErrAuthFailure = errors.New("chzzk: authentication failed")
	// ErrResolution is returned when the chat room lookup fails in transport.
	ErrResolution = errors.New("chzzk: chat room resolution failed")
	// ErrRemoteRejection matches any *RemoteRejection via errors.Is.
	ErrRemoteRejection = errors.New("chzzk: remote rejected request")
)

// RemoteRejection is a non-success HTTP response from a CHZZK endpoint.
type RemoteRejection struct {
	StatusCode int
	Body       string
}

func (e *RemoteRejection) Error() string {
	return fmt.Sprintf("chzzk: remote rejected request: %d: %s", e.StatusCode, e.Body)
}

func (e *RemoteRejection) Is(target error) bool { return target == ErrRemoteRejection }

func rejection(resp *http.Response) *RemoteRejection {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &RemoteRejection{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

func httpClient(hc *http.Client) *http.Client {
	if hc != nil {
		return hc
	}
	return http.DefaultClient
}

// envelope is the common {"code":..,"message":..,"content":..} response shape.
type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Content T      `json:"content"`
}

// flexSeconds decodes a duration in seconds sent either as a JSON number or
// as a numeric string.
type flexSeconds int64

func (s *flexSeconds) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" || raw == `""` {
		*s = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = flexSeconds(n)
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid seconds value %s", string(b))
	}
	*s = flexSeconds(int64(f))
	return nil
}

func decodeJSON(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

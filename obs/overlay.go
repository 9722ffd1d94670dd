package obs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/chzzk-bridge/telemetry"
)

// FormatQueue renders names as "1. a   2. b". An empty queue renders as "".
func FormatQueue(names []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%d. %s", i+1, n)
	}
	return strings.Join(parts, "   ")
}

// Overlay keeps an OBS text source in sync with the participation queue.
// With no source name it is disabled and Update does nothing.
type Overlay struct {
	Client  *Client
	Source  string
	Timeout time.Duration
}

// Enabled reports whether updates are sent to OBS.
func (o *Overlay) Enabled() bool { return o != nil && o.Client != nil && o.Source != "" }

// Start connects if enabled. Failure is logged; Update retries later.
func (o *Overlay) Start(ctx context.Context) {
	if !o.Enabled() {
		slog.Warn("OBS_TEXT_SOURCE_NAME not set; OBS overlay disabled")
		return
	}
	if err := o.Client.Connect(ctx); err != nil {
		slog.Error("failed to connect to OBS", slog.Any("err", err))
		return
	}
	slog.Info("connected to OBS", slog.String("address", o.Client.Address))
}

// Update writes the formatted queue to the text source, reconnecting once
// if the first attempt fails.
func (o *Overlay) Update(ctx context.Context, names []string) {
	if !o.Enabled() {
		return
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "obs"), slog.String("source", o.Source))
	text := FormatQueue(names)
	err := o.set(ctx, text)
	if err != nil {
		log.Warn("OBS update failed, reconnecting", slog.Any("err", err))
		_ = o.Client.Close()
		err = o.set(ctx, text)
	}
	if err != nil {
		telemetry.Count(telemetry.OverlayUpdates, "error")
		log.Error("failed to update OBS text source", slog.Any("err", err))
		return
	}
	telemetry.Count(telemetry.OverlayUpdates, "ok")
	log.Debug("updated OBS text source", slog.Int("entries", len(names)))
}

func (o *Overlay) set(ctx context.Context, text string) error {
	if err := o.Client.Connect(ctx); err != nil {
		return err
	}
	return o.Client.SetInputText(ctx, o.Source, text)
}

// Close disconnects from OBS.
func (o *Overlay) Close() {
	if o.Enabled() {
		if err := o.Client.Close(); err != nil {
			slog.Debug("closing OBS connection", slog.Any("err", err))
		}
	}
}

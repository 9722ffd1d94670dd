// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ChatReconnects  prometheus.Counter
	ChatFrames      *prometheus.CounterVec // kind=keepalive|chat|session|unknown|invalid|invalid_item
	TokenExchanges  *prometheus.CounterVec // grant, result
	ChatSends       *prometheus.CounterVec // result=ok|rejected|error
	Verifications   *prometheus.CounterVec // result=issued|matched|expired|failed
	OverlayUpdates  *prometheus.CounterVec // result

	// Histograms (seconds)
	HandshakeDuration prometheus.Observer
	HandlerDuration   prometheus.Observer

	// Gauges
	SessionStateGauge prometheus.Gauge // numeric chat.State
	QueueDepthGauge   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ChatReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chzzk_chat_reconnects_total", Help: "Number of chat transport reconnect attempts"})
		ChatFrames = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chzzk_chat_frames_total", Help: "Inbound chat frames by kind"}, []string{"kind"})
		TokenExchanges = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chzzk_token_exchanges_total", Help: "Token endpoint exchanges by grant and result"}, []string{"grant", "result"})
		ChatSends = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chzzk_chat_sends_total", Help: "Outbound chat messages by result"}, []string{"result"})
		Verifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chzzk_verifications_total", Help: "Verification code lifecycle events"}, []string{"result"})
		OverlayUpdates = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chzzk_overlay_updates_total", Help: "Overlay text updates by result"}, []string{"result"})
		HandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chzzk_chat_handshake_duration_seconds", Help: "Dial + handshake duration seconds", Buckets: prometheus.DefBuckets})
		HandlerDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chzzk_chat_handler_duration_seconds", Help: "Per-message handler duration seconds", Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5}})
		SessionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chzzk_chat_session_state", Help: "Chat session state (0=disconnected,1=connecting,2=handshaking,3=live)"})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chzzk_queue_depth", Help: "Current participation queue length"})
	})
}

// SetSessionState records the numeric session state.
func SetSessionState(n int) {
	if SessionStateGauge != nil {
		SessionStateGauge.Set(float64(n))
	}
}

// SetQueueDepth records the current participation queue length.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// IncReconnect counts a reconnect attempt.
func IncReconnect() {
	if ChatReconnects != nil {
		ChatReconnects.Inc()
	}
}

// Count increments vec with the given label values if metrics are initialized.
func Count(vec *prometheus.CounterVec, labels ...string) {
	if vec != nil {
		vec.WithLabelValues(labels...).Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

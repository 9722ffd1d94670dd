package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/onnwee/chzzk-bridge/obs"
)

// Snapshotter returns the queue in order.
type Snapshotter interface {
	Snapshot() []string
}

// Check is one named readiness condition.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Queue  Snapshotter
	Checks []Check
	// Status reports runtime details for /status; nil yields an empty object.
	Status func() map[string]any
}

// HandleHealthz is the liveness check.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs every check in order and reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range h.Checks {
		if err := check.Fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.Name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports session, credential and queue details.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := map[string]any{}
	if h.Status != nil {
		status = h.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

type queueResponse struct {
	Count   int      `json:"count"`
	Entries []string `json:"entries"`
}

// HandleQueue returns the participation queue as JSON.
func (h *Handlers) HandleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := h.snapshot()
	writeJSON(w, http.StatusOK, queueResponse{Count: len(entries), Entries: entries})
}

// HandleOverlay returns the queue in overlay text form for browser sources.
func (h *Handlers) HandleOverlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(obs.FormatQueue(h.snapshot())))
}

func (h *Handlers) snapshot() []string {
	if h.Queue == nil {
		return []string{}
	}
	s := h.Queue.Snapshot()
	if s == nil {
		return []string{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

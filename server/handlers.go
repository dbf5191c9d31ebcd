// Package server exposes the bridge's operational HTTP surface: liveness,
// readiness, a JSON status snapshot, and Prometheus metrics.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/mc-bridge/bridge"
)

// BridgeProbe reports bridge activity.
type BridgeProbe interface {
	Status() bridge.Status
	Tailing() bool
}

// ChatProbe reports chat connectivity.
type ChatProbe interface {
	Connected() bool
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	bridge BridgeProbe
	chat   ChatProbe
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(b BridgeProbe, c ChatProbe) *Handlers {
	return &Handlers{bridge: b, chat: c}
}

// HandleHealthz responds to liveness probes. The process is alive if it answers.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once the log tail is running and chat is connected.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	checks := []struct {
		name string
		ok   func() bool
	}{
		{"chat", h.chat.Connected},
		{"tail", h.bridge.Tailing},
	}
	for _, check := range checks {
		if !check.ok() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus returns the bridge counters.
func (h *Handlers) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		bridge.Status
		ChatConnected bool `json:"chat_connected"`
	}{h.bridge.Status(), h.chat.Connected()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}

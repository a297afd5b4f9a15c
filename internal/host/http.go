// ABOUTME: HTTP surface of the host: health checks, directory listing, and metrics.
// ABOUTME: Served on server.http_addr, or the Tailscale node when enabled.

package host

import (
	"encoding/json"
	"fmt"
	"net/http"
)

func (h *Host) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReady)
	mux.HandleFunc("/api/directory", h.handleDirectory)

	if h.config.Metrics.Enabled {
		mux.Handle(h.config.Metrics.Path, h.metrics.Handler())
	}
	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (h *Host) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one worker is connected.
func (h *Host) handleReady(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	workers := len(h.conns)
	h.mu.Unlock()

	if workers == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no workers connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d workers, %d agent types)", workers, h.directory.Len())
}

type directoryResponse struct {
	HostID  string  `json:"host_id"`
	Entries []Entry `json:"entries"`
}

// handleDirectory lists which worker serves each agent type.
func (h *Host) handleDirectory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(directoryResponse{HostID: h.hostID, Entries: h.directory.Entries()}); err != nil {
		h.logger.Error("encoding directory response", "error", err)
	}
}

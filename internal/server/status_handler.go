package server

// Status endpoint for CLI queries. Loopback-only: the daemon may be
// reachable over the LAN when mDNS exposure is on, but status stays local.

import (
	"net/http"
	"os"
	"time"

	"github.com/diffdeck/diffdeck/internal/session"
)

// StatusResponse contains daemon status information returned by /status.
// The "diffdeck status" command renders this.
type StatusResponse struct {
	// ListeningAddress is the address the server is bound to.
	ListeningAddress string `json:"listening_address"`

	// PID is the server's process id.
	PID int `json:"pid"`

	// UptimeSeconds is how long the server has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// ConnectedClients is the number of attached WebSocket viewers.
	ConnectedClients int `json:"connected_clients"`

	// SessionCount is the number of live sessions.
	SessionCount int `json:"session_count"`

	// Sessions lists the session summaries, newest last.
	Sessions []session.Summary `json:"sessions"`

	// StartedAt is when the server came up, RFC 3339.
	StartedAt string `json:"started_at"`
}

// handleStatus answers status queries from local CLI processes.
// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		http.Error(w, "Forbidden: status endpoint is local-only", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		ListeningAddress: s.Addr(),
		PID:              os.Getpid(),
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		ConnectedClients: s.ClientCount(),
		SessionCount:     s.registry.Len(),
		Sessions:         s.registry.Summaries(),
		StartedAt:        s.startedAt.Format(time.RFC3339),
	})
}

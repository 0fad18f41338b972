package server

// HTTP endpoints for session management and daemon introspection. All
// responses are JSON; failures render {"error":{"code","message"}} with a
// status derived from the error code.

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	apperrors "github.com/diffdeck/diffdeck/internal/errors"
	"github.com/diffdeck/diffdeck/internal/git"
	"github.com/diffdeck/diffdeck/internal/session"
)

// SessionCreateResponse is the response for POST /api/sessions.
type SessionCreateResponse struct {
	// SessionID identifies the created session.
	SessionID string `json:"session_id"`

	// URL is the viewer URL for this session.
	URL string `json:"url"`
}

// SessionListResponse is the response for GET /api/sessions.
type SessionListResponse struct {
	Sessions []session.Summary `json:"sessions"`
}

// SessionResultResponse is the response for GET /api/sessions/{id}/result.
// CLI processes poll this instead of holding a WebSocket.
type SessionResultResponse struct {
	Status session.Status  `json:"status"`
	Result *session.Result `json:"result,omitempty"`
	Error  *session.Fault  `json:"error,omitempty"`
}

// ContextUpdateRequest is the request body for
// POST /api/sessions/{id}/context. Absent fields are left untouched.
type ContextUpdateRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Reasoning   *string `json:"reasoning,omitempty"`
}

// FindingsRequest is the request body for POST /api/sessions/{id}/findings.
type FindingsRequest struct {
	Findings []session.Finding `json:"findings"`
}

// RefChangeRequest is the request body for POST /api/sessions/{id}/ref.
type RefChangeRequest struct {
	Ref string `json:"ref"`
}

// RefsResponse is the response for GET /api/refs: the data a ref picker
// needs.
type RefsResponse struct {
	Current  string       `json:"current"`
	Branches []string     `json:"branches"`
	Commits  []git.Commit `json:"commits"`
}

// createMux creates the HTTP mux with all endpoints.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket viewers attach here.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Liveness probe used by the daemon lifecycle manager.
	mux.HandleFunc("/health", s.handleHealth)

	// Rich status for the CLI. Loopback-only.
	mux.HandleFunc("/status", s.handleStatus)

	// Session management API.
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionByID)

	// Branch and commit listings for ref pickers.
	mux.HandleFunc("/api/refs", s.handleRefs)

	return mux
}

// handleHealth answers the liveness probe.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"pid":    os.Getpid(),
	})
}

// handleSessions lists sessions or creates one.
// GET  /api/sessions
// POST /api/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, SessionListResponse{Sessions: s.registry.Summaries()})

	case http.MethodPost:
		var req CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.InvalidMessage("invalid JSON body"))
			return
		}

		snap, err := s.CreateSession(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, SessionCreateResponse{
			SessionID: snap.ID,
			URL:       s.ViewerURL(snap.ID),
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionByID routes requests under /api/sessions/{id}.
//
// Routes:
//   - GET    /api/sessions/{id} - full session snapshot
//   - DELETE /api/sessions/{id} - close and remove the session
//   - GET    /api/sessions/{id}/result - verdict polling
//   - POST   /api/sessions/{id}/context - update title/description/reasoning
//   - POST   /api/sessions/{id}/findings - append findings
//   - POST   /api/sessions/{id}/ref - change the comparison ref
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	path = strings.TrimSuffix(path, "/")

	switch {
	case strings.HasSuffix(path, "/result"):
		s.handleSessionResult(w, r, strings.TrimSuffix(path, "/result"))
	case strings.HasSuffix(path, "/context"):
		s.handleSessionContext(w, r, strings.TrimSuffix(path, "/context"))
	case strings.HasSuffix(path, "/findings"):
		s.handleSessionFindings(w, r, strings.TrimSuffix(path, "/findings"))
	case strings.HasSuffix(path, "/ref"):
		s.handleSessionRef(w, r, strings.TrimSuffix(path, "/ref"))
	case path != "" && !strings.Contains(path, "/"):
		s.handleSessionRoot(w, r, path)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleSessionRoot serves the snapshot and deletion of one session.
func (s *Server) handleSessionRoot(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		snap, ok := s.registry.Get(id)
		if !ok {
			writeError(w, apperrors.SessionNotFound(id))
			return
		}
		writeJSON(w, http.StatusOK, snap)

	case http.MethodDelete:
		if err := s.CloseSession(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"closed": true})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionResult reports verdict state for polling callers.
// GET /api/sessions/{id}/result
func (s *Server) handleSessionResult(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, ok := s.registry.Get(id)
	if !ok {
		writeError(w, apperrors.SessionNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, SessionResultResponse{
		Status: snap.Status,
		Result: snap.Result,
		Error:  snap.Err,
	})
}

// handleSessionContext applies a partial context update.
// POST /api/sessions/{id}/context
func (s *Server) handleSessionContext(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ContextUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidMessage("invalid JSON body"))
		return
	}

	err := s.UpdateContext(id, session.ContextPatch{
		Title:       req.Title,
		Description: req.Description,
		Reasoning:   req.Reasoning,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"updated": true})
}

// handleSessionFindings appends findings to a session.
// POST /api/sessions/{id}/findings
func (s *Server) handleSessionFindings(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req FindingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidMessage("invalid JSON body"))
		return
	}
	if len(req.Findings) == 0 {
		writeError(w, apperrors.InvalidMessage("findings must not be empty"))
		return
	}

	if err := s.AddFindings(id, req.Findings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"added": len(req.Findings)})
}

// handleSessionRef changes the comparison ref of a live session.
// POST /api/sessions/{id}/ref
func (s *Server) handleSessionRef(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RefChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidMessage("invalid JSON body"))
		return
	}

	if err := s.ChangeRef(id, req.Ref); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ref": req.Ref})
}

// handleRefs lists branches and recent commits for ref pickers.
// GET /api/refs?dir=PATH
func (s *Server) handleRefs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dir := r.URL.Query().Get("dir")
	if dir == "" {
		dir = s.opts.Dir
	}
	if dir == "" {
		dir, _ = os.Getwd()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	branches, err := git.Branches(ctx, dir)
	if err != nil {
		writeError(w, err)
		return
	}
	commits, err := git.Commits(ctx, dir, 20)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RefsResponse{
		Current:  git.CurrentBranch(ctx, dir),
		Branches: branches,
		Commits:  commits,
	})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a coded error as {"error":{"code","message"}}.
func writeError(w http.ResponseWriter, err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	writeJSON(w, httpStatusForCode(code), map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// httpStatusForCode maps error codes to HTTP statuses. Unknown codes are
// treated as internal.
func httpStatusForCode(code string) int {
	switch code {
	case apperrors.CodeSessionNotFound, apperrors.CodeGithubNotFound:
		return http.StatusNotFound
	case apperrors.CodeServerInvalidMessage, apperrors.CodeSessionInvalidDecision, apperrors.CodeGithubBadRef, apperrors.CodeConfigInvalid:
		return http.StatusBadRequest
	case apperrors.CodeSessionAlreadyCompleted:
		return http.StatusConflict
	case apperrors.CodeGithubNoToken, apperrors.CodeGithubAuth:
		return http.StatusUnauthorized
	case apperrors.CodeGitNotFound, apperrors.CodeGitNotRepository, apperrors.CodeGitCommandFailed, apperrors.CodeGitTimeout:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// isLoopbackRequest reports whether the request originated from a loopback
// address. Used to restrict introspection endpoints to local callers.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// No port in RemoteAddr; treat the whole string as the host.
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

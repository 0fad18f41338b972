// Package server provides the review server: an HTTP API for session
// management plus a WebSocket push channel that keeps at most one viewer
// per session in sync with the live diff.
package server

import (
	"encoding/json"
	"time"

	"github.com/diffdeck/diffdeck/internal/diff"
	"github.com/diffdeck/diffdeck/internal/session"
)

// MessageType identifies the kind of message being sent over WebSocket.
// Each type has a specific payload structure defined below.
type MessageType string

const (
	// MessageTypeReviewInit carries the full session state for a viewer
	// that just attached: diff model, briefing, and metadata.
	// Payload: ReviewInitPayload
	MessageTypeReviewInit MessageType = "review:init"

	// MessageTypeDiffUpdate carries a replacement diff model plus the
	// file-level delta the poller computed against the previous model.
	// Payload: DiffUpdatePayload
	MessageTypeDiffUpdate MessageType = "diff:update"

	// MessageTypeContextUpdate notifies the viewer that the session's
	// title, description, reasoning, or findings changed.
	// Payload: ContextUpdatePayload
	MessageTypeContextUpdate MessageType = "context:update"

	// MessageTypeDiffError reports a session-scoped acquisition failure,
	// e.g. a requested ref change that git rejected.
	// Payload: DiffErrorPayload
	MessageTypeDiffError MessageType = "diff:error"

	// MessageTypeSessionList carries the full session directory. Sent to
	// every client on attach.
	// Payload: SessionListPayload
	MessageTypeSessionList MessageType = "session:list"

	// MessageTypeSessionAdded announces a new session to all clients.
	// Payload: SessionAddedPayload
	MessageTypeSessionAdded MessageType = "session:added"

	// MessageTypeSessionUpdated announces that a session's summary
	// changed (new diff, status transition, verdict).
	// Payload: SessionUpdatedPayload
	MessageTypeSessionUpdated MessageType = "session:updated"

	// MessageTypeSessionRemoved announces that a session was closed.
	// Payload: SessionRemovedPayload
	MessageTypeSessionRemoved MessageType = "session:removed"

	// MessageTypeReviewSubmit is sent by the viewer to deliver the
	// verdict for a session.
	// Payload: ReviewSubmitPayload
	MessageTypeReviewSubmit MessageType = "review:submit"

	// MessageTypeDiffChangeRef is sent by the viewer to re-compare
	// against a different ref.
	// Payload: DiffChangeRefPayload
	MessageTypeDiffChangeRef MessageType = "diff:change_ref"

	// MessageTypeSessionSelect binds the client to a session's push
	// channel. The buffered init, if any, is replayed on selection.
	// Payload: SessionSelectPayload
	MessageTypeSessionSelect MessageType = "session:select"

	// MessageTypeSessionClose is sent by the viewer to close and remove
	// a session without a verdict.
	// Payload: SessionClosePayload
	MessageTypeSessionClose MessageType = "session:close"

	// MessageTypeError is a server->client notice for a rejected inbound
	// message. The connection stays open.
	// Payload: ErrorPayload
	MessageTypeError MessageType = "error"
)

// Message is the envelope for all WebSocket messages.
// Every message has a type and an optional ID for request/response
// correlation. The Payload field contains type-specific data.
type Message struct {
	// Type identifies what kind of message this is.
	Type MessageType `json:"type"`

	// ID is an optional message identifier for correlation. Error notices
	// echo the ID of the message they reject.
	ID string `json:"id,omitempty"`

	// Payload contains the message-specific data.
	Payload interface{} `json:"payload"`
}

// ReviewInitPayload is the complete picture a viewer needs to render a
// session from scratch.
type ReviewInitPayload struct {
	// SessionID identifies the session this init belongs to.
	SessionID string `json:"session_id"`

	// Title, Description, and Reasoning are the requester-supplied
	// context for the change.
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Reasoning   string `json:"reasoning,omitempty"`

	// Dir is the working directory the diff was acquired from.
	Dir string `json:"dir,omitempty"`

	// Ref is the comparison specifier currently in effect.
	Ref string `json:"ref,omitempty"`

	// Branch is the checked-out branch, when known.
	Branch string `json:"branch,omitempty"`

	// Diff is the full parsed model.
	Diff *diff.DiffSet `json:"diff"`

	// Briefing is the analyzer payload, forwarded opaquely.
	Briefing json.RawMessage `json:"briefing,omitempty"`

	// Findings are the annotations pushed by the requesting side so far.
	Findings []session.Finding `json:"findings,omitempty"`

	// CreatedAt is when the session was created (Unix milliseconds).
	CreatedAt int64 `json:"created_at"`
}

// DiffUpdatePayload carries a refreshed diff model.
type DiffUpdatePayload struct {
	// SessionID identifies the session this update belongs to.
	SessionID string `json:"session_id"`

	// Diff is the replacement model. Viewers swap wholesale; the delta is
	// advisory highlighting.
	Diff *diff.DiffSet `json:"diff"`

	// Changed lists which files moved since the previous model.
	Changed []diff.FileChange `json:"changed,omitempty"`

	// Timestamp is when the change was detected (Unix milliseconds).
	Timestamp int64 `json:"timestamp"`
}

// ContextUpdatePayload carries edits to the session's briefing text.
type ContextUpdatePayload struct {
	SessionID   string            `json:"session_id"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Reasoning   string            `json:"reasoning,omitempty"`
	Findings    []session.Finding `json:"findings,omitempty"`
}

// DiffErrorPayload reports a session-scoped failure to the viewer.
type DiffErrorPayload struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// SessionListPayload carries the full session directory.
type SessionListPayload struct {
	Sessions []session.Summary `json:"sessions"`
}

// SessionAddedPayload announces a new session.
type SessionAddedPayload struct {
	Session session.Summary `json:"session"`
}

// SessionUpdatedPayload announces a changed session summary.
type SessionUpdatedPayload struct {
	Session session.Summary `json:"session"`
}

// SessionRemovedPayload announces a removed session.
type SessionRemovedPayload struct {
	SessionID string `json:"session_id"`
}

// ReviewSubmitPayload is the viewer's verdict. SessionID may be omitted
// when the client is already bound to a session.
type ReviewSubmitPayload struct {
	SessionID    string            `json:"session_id,omitempty"`
	Decision     string            `json:"decision"`
	Comments     []session.Comment `json:"comments,omitempty"`
	FileStatuses map[string]string `json:"file_statuses,omitempty"`
	Summary      string            `json:"summary,omitempty"`
}

// DiffChangeRefPayload asks the server to re-compare against a new ref.
type DiffChangeRefPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Ref       string `json:"ref"`
}

// SessionSelectPayload binds the client to a session.
type SessionSelectPayload struct {
	SessionID string `json:"session_id"`
}

// SessionClosePayload closes a session without a verdict.
type SessionClosePayload struct {
	SessionID string `json:"session_id,omitempty"`
}

// ErrorPayload carries error information to the client.
type ErrorPayload struct {
	// Code is a stable error code for programmatic handling.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// NewReviewInitMessage builds the init message from a session snapshot.
func NewReviewInitMessage(s session.Session) Message {
	return Message{
		Type: MessageTypeReviewInit,
		Payload: ReviewInitPayload{
			SessionID:   s.ID,
			Title:       s.Options.Title,
			Description: s.Options.Description,
			Reasoning:   s.Options.Reasoning,
			Dir:         s.Options.Dir,
			Ref:         s.Options.Ref,
			Branch:      s.Branch,
			Diff:        s.Diff,
			Briefing:    s.Briefing,
			Findings:    s.Findings,
			CreatedAt:   s.CreatedAt.UnixMilli(),
		},
	}
}

// NewDiffUpdateMessage builds an update message for a refreshed model.
func NewDiffUpdateMessage(sessionID string, set *diff.DiffSet, changed []diff.FileChange) Message {
	return Message{
		Type: MessageTypeDiffUpdate,
		Payload: DiffUpdatePayload{
			SessionID: sessionID,
			Diff:      set,
			Changed:   changed,
			Timestamp: time.Now().UnixMilli(),
		},
	}
}

// NewContextUpdateMessage builds a context update from a session snapshot.
func NewContextUpdateMessage(s session.Session) Message {
	return Message{
		Type: MessageTypeContextUpdate,
		Payload: ContextUpdatePayload{
			SessionID:   s.ID,
			Title:       s.Options.Title,
			Description: s.Options.Description,
			Reasoning:   s.Options.Reasoning,
			Findings:    s.Findings,
		},
	}
}

// NewDiffErrorMessage builds a session-scoped error notice.
func NewDiffErrorMessage(sessionID, code, message string) Message {
	return Message{
		Type: MessageTypeDiffError,
		Payload: DiffErrorPayload{
			SessionID: sessionID,
			Code:      code,
			Message:   message,
		},
	}
}

// NewSessionListMessage builds the directory message sent on attach.
func NewSessionListMessage(summaries []session.Summary) Message {
	return Message{
		Type:    MessageTypeSessionList,
		Payload: SessionListPayload{Sessions: summaries},
	}
}

// NewSessionAddedMessage announces a new session to all clients.
func NewSessionAddedMessage(sum session.Summary) Message {
	return Message{
		Type:    MessageTypeSessionAdded,
		Payload: SessionAddedPayload{Session: sum},
	}
}

// NewSessionUpdatedMessage announces a changed session summary.
func NewSessionUpdatedMessage(sum session.Summary) Message {
	return Message{
		Type:    MessageTypeSessionUpdated,
		Payload: SessionUpdatedPayload{Session: sum},
	}
}

// NewSessionRemovedMessage announces a removed session.
func NewSessionRemovedMessage(sessionID string) Message {
	return Message{
		Type:    MessageTypeSessionRemoved,
		Payload: SessionRemovedPayload{SessionID: sessionID},
	}
}

// NewErrorMessage creates an error notice to send to clients. The id, when
// non-empty, correlates the notice to the inbound message it rejects.
func NewErrorMessage(id, code, message string) Message {
	return Message{
		Type: MessageTypeError,
		ID:   id,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}

// Package session holds the review-session model and the in-memory
// registry that owns every live session in a server process. Sessions are
// ephemeral: nothing here persists across a daemon restart.
package session

import (
	"encoding/json"
	"time"

	"github.com/diffdeck/diffdeck/internal/diff"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Decision is the reviewer's verdict.
type Decision string

const (
	DecisionApproved             Decision = "approved"
	DecisionChangesRequested     Decision = "changes_requested"
	DecisionApprovedWithComments Decision = "approved_with_comments"
	DecisionDismissed            Decision = "dismissed"
)

// ValidDecision reports whether d is one of the allowed verdicts.
func ValidDecision(d Decision) bool {
	switch d {
	case DecisionApproved, DecisionChangesRequested, DecisionApprovedWithComments, DecisionDismissed:
		return true
	}
	return false
}

// Comment is one reviewer comment, anchored to a file and line.
type Comment struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Body     string `json:"body"`
	Severity string `json:"severity,omitempty"`
}

// Result is the reviewer's verdict plus its supporting detail. Comment
// order is preserved as submitted.
type Result struct {
	Decision     Decision          `json:"decision"`
	Comments     []Comment         `json:"comments,omitempty"`
	FileStatuses map[string]string `json:"file_statuses,omitempty"`
	Summary      string            `json:"summary,omitempty"`
}

// Finding is an annotation pushed by the requesting side before or during
// review (a lint hit, a self-flagged risky edit).
type Finding struct {
	ID       string `json:"id"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
}

// Options captures how a session was requested.
type Options struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Reasoning   string `json:"reasoning,omitempty"`
	Dir         string `json:"dir,omitempty"`
	Ref         string `json:"ref,omitempty"`
	PR          string `json:"pr,omitempty"`
}

// Fault records a terminal wait condition (verdict timeout, viewer gone)
// in a wire-friendly shape. The session stays inspectable afterwards.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Session is one review session. Instances handed out by the registry are
// value copies; all mutation goes through registry methods.
type Session struct {
	ID        string          `json:"id"`
	Options   Options         `json:"options"`
	Branch    string          `json:"branch,omitempty"`
	Status    Status          `json:"status"`
	Result    *Result         `json:"result,omitempty"`
	Err       *Fault          `json:"error,omitempty"`
	Diff      *diff.DiffSet   `json:"diff,omitempty"`
	Briefing  json.RawMessage `json:"briefing,omitempty"`
	Findings  []Finding       `json:"findings,omitempty"`
	CreatedAt time.Time       `json:"created_at"`

	// changeGen counts diff updates; viewedGen is the generation the
	// viewer last saw. Their difference drives the new-changes flag.
	changeGen uint64
	viewedGen uint64
	seq       uint64
}

// Completed reports whether a verdict has been recorded.
func (s *Session) Completed() bool {
	return s.Status == StatusCompleted
}

// Summary is the lightweight directory projection of a session. Summaries
// are derived on demand and never stored.
type Summary struct {
	ID            string    `json:"id"`
	Dir           string    `json:"dir,omitempty"`
	Branch        string    `json:"branch,omitempty"`
	Title         string    `json:"title,omitempty"`
	Files         int       `json:"files"`
	Additions     int       `json:"additions"`
	Deletions     int       `json:"deletions"`
	Status        Status    `json:"status"`
	Decision      Decision  `json:"decision,omitempty"`
	HasNewChanges bool      `json:"has_new_changes"`
	CreatedAt     time.Time `json:"created_at"`
}

// Summarize projects a session into its directory summary.
func Summarize(s Session) Summary {
	sum := Summary{
		ID:            s.ID,
		Dir:           s.Options.Dir,
		Branch:        s.Branch,
		Title:         s.Options.Title,
		Status:        s.Status,
		HasNewChanges: s.changeGen > s.viewedGen,
		CreatedAt:     s.CreatedAt,
	}
	if s.Result != nil {
		sum.Decision = s.Result.Decision
	}
	if s.Diff != nil {
		sum.Files = len(s.Diff.Files)
		sum.Additions, sum.Deletions = s.Diff.Stats()
	}
	return sum
}

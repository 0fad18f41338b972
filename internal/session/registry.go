package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/diffdeck/diffdeck/internal/diff"
)

// EventKind classifies a registry mutation for directory listeners.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventUpdated EventKind = "updated"
	EventRemoved EventKind = "removed"
)

// ContextPatch is a partial update of a session's briefing text. Nil
// fields are left untouched.
type ContextPatch struct {
	Title       *string
	Description *string
	Reasoning   *string
	Briefing    []byte
}

// Registry is the in-memory session store. It is always an injected
// instance; there is no package-level registry. All reads hand out value
// copies, and internal updates replace slices and pointers wholesale, so
// a snapshot taken before a mutation stays valid.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	counter  uint64
	onEvent  func(kind EventKind, s Session)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// SetOnEvent installs the mutation listener. Called once at wiring time,
// before the registry is shared; the callback runs outside the registry
// lock and may call back into it.
func (r *Registry) SetOnEvent(fn func(kind EventKind, s Session)) {
	r.mu.Lock()
	r.onEvent = fn
	r.mu.Unlock()
}

// Create adds a new pending session and returns a snapshot of it.
func (r *Registry) Create(opts Options) Session {
	r.mu.Lock()
	r.counter++
	s := &Session{
		ID:        fmt.Sprintf("rs-%d-%d", time.Now().UnixMilli(), r.counter),
		Options:   opts,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		seq:       r.counter,
	}
	r.sessions[s.ID] = s
	snap := *s
	fn := r.onEvent
	r.mu.Unlock()

	if fn != nil {
		fn(EventAdded, snap)
	}
	return snap
}

// Get returns a snapshot of the session with the given id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns snapshots of all sessions in creation order.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Summaries derives the directory projection for all sessions, in
// creation order.
func (r *Registry) Summaries() []Summary {
	sessions := r.List()
	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Summarize(s))
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SetStatus updates a session's lifecycle state. Unknown ids are no-ops.
func (r *Registry) SetStatus(id string, status Status) {
	r.update(id, func(s *Session) {
		s.Status = status
	})
}

// SetBranch records the branch resolved for the session's working
// directory. Unknown ids are no-ops.
func (r *Registry) SetBranch(id, branch string) {
	r.update(id, func(s *Session) {
		s.Branch = branch
	})
}

// SetResult records the verdict and completes the session. Unknown ids
// are no-ops.
func (r *Registry) SetResult(id string, res *Result) {
	r.update(id, func(s *Session) {
		s.Result = res
		s.Status = StatusCompleted
	})
}

// SetDiff replaces the session's current diff. Unknown ids are no-ops.
func (r *Registry) SetDiff(id string, set *diff.DiffSet) {
	r.update(id, func(s *Session) {
		s.Diff = set
		s.changeGen++
	})
}

// SetRef replaces the ref recorded in the session's options. Unknown ids
// are no-ops.
func (r *Registry) SetRef(id, ref string) {
	r.update(id, func(s *Session) {
		s.Options.Ref = ref
	})
}

// SetContext applies a partial briefing update. Unknown ids are no-ops.
func (r *Registry) SetContext(id string, patch ContextPatch) {
	r.update(id, func(s *Session) {
		if patch.Title != nil {
			s.Options.Title = *patch.Title
		}
		if patch.Description != nil {
			s.Options.Description = *patch.Description
		}
		if patch.Reasoning != nil {
			s.Options.Reasoning = *patch.Reasoning
		}
		if patch.Briefing != nil {
			s.Briefing = append([]byte(nil), patch.Briefing...)
		}
	})
}

// AddFindings appends findings to the session. Unknown ids are no-ops.
func (r *Registry) AddFindings(id string, findings ...Finding) {
	if len(findings) == 0 {
		return
	}
	r.update(id, func(s *Session) {
		next := make([]Finding, 0, len(s.Findings)+len(findings))
		next = append(next, s.Findings...)
		next = append(next, findings...)
		s.Findings = next
	})
}

// SetErr records a terminal wait condition. Unknown ids are no-ops.
func (r *Registry) SetErr(id, code, message string) {
	r.update(id, func(s *Session) {
		s.Err = &Fault{Code: code, Message: message}
	})
}

// MarkViewed records that a viewer looked at the session, clearing the
// new-changes flag until the next diff update. Unknown ids are no-ops.
func (r *Registry) MarkViewed(id string) {
	r.update(id, func(s *Session) {
		s.viewedGen = s.changeGen
	})
}

// Delete removes a session. Unknown ids are no-ops.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	snap := *s
	fn := r.onEvent
	r.mu.Unlock()

	if fn != nil {
		fn(EventRemoved, snap)
	}
}

// update applies mutate under the write lock, then notifies the listener
// with a post-mutation snapshot. Unknown ids are no-ops.
func (r *Registry) update(id string, mutate func(*Session)) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	mutate(s)
	snap := *s
	fn := r.onEvent
	r.mu.Unlock()

	if fn != nil {
		fn(EventUpdated, snap)
	}
}

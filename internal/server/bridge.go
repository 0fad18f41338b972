// Package server provides the review server. This file implements the
// per-session live-sync bridge: a bridge owns the push channel for one
// review session, with at most one attached viewer, a one-slot init
// buffer for viewers that have not attached yet, and the verdict wait
// with its reconnect grace window.
package server

import (
	"context"
	"log"
	"sync"
	"time"

	apperrors "github.com/diffdeck/diffdeck/internal/errors"
	"github.com/diffdeck/diffdeck/internal/session"
)

// DefaultGracePeriod is how long a detached viewer may reconnect before
// an outstanding verdict wait fails.
const DefaultGracePeriod = 2 * time.Second

// DefaultVerdictTimeout bounds AwaitVerdict when the caller's context
// carries no earlier deadline.
const DefaultVerdictTimeout = 10 * time.Minute

// TerminalFunc is called exactly once when a bridge reaches a terminal
// state: either a verdict (res non-nil) or a failed wait (err non-nil).
// It runs outside the bridge lock and may touch the registry.
type TerminalFunc func(res *session.Result, err error)

// Bridge is the live-sync channel for one session. All state transitions
// are serialized by mu; every push to the viewer happens under mu, which
// is what guarantees init-before-update ordering per client.
type Bridge struct {
	sessionID string

	mu sync.Mutex

	// client is the attached viewer. Zero or one at any time.
	client *Client

	// initSent records whether the attached client has received its init.
	// Updates for a client that has not are dropped; the buffered init
	// already reflects them.
	initSent bool

	// pendingInit is the one-slot init buffer. A push before any viewer
	// attaches parks here and is replayed verbatim to the first attacher.
	pendingInit *Message

	// graceTimer runs while a viewer is detached with the session not yet
	// terminal. Expiry fails the verdict wait.
	graceTimer *time.Timer
	grace      time.Duration

	verdictTimeout time.Duration

	// terminal is closed exactly once, when a verdict arrives or the wait
	// fails. result/err hold the outcome for late waiters.
	terminal chan struct{}
	done     bool
	result   *session.Result
	err      error

	onTerminal TerminalFunc
}

// NewBridge creates a bridge for the given session. Zero durations select
// the defaults. onTerminal may be nil.
func NewBridge(sessionID string, grace, verdictTimeout time.Duration, onTerminal TerminalFunc) *Bridge {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if verdictTimeout <= 0 {
		verdictTimeout = DefaultVerdictTimeout
	}
	return &Bridge{
		sessionID:      sessionID,
		grace:          grace,
		verdictTimeout: verdictTimeout,
		terminal:       make(chan struct{}),
		onTerminal:     onTerminal,
	}
}

// SessionID returns the session this bridge serves.
func (b *Bridge) SessionID() string {
	return b.sessionID
}

// Attach binds a viewer to the bridge. A pending grace timer is cancelled:
// reattaching within the window is a reconnect, not a new review. If the
// init buffer is filled, it is replayed to the new viewer immediately.
// Attaching replaces any previously bound viewer.
func (b *Bridge) Attach(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cancelGraceLocked()
	b.client = c
	b.initSent = false

	if b.pendingInit != nil {
		c.enqueue(*b.pendingInit)
		b.initSent = true
	}
}

// Unbind releases the viewer without starting the grace timer. Used when
// a still-connected client selects a different session; the verdict wait
// keeps running until its own timeout.
func (b *Bridge) Unbind(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != c {
		return
	}
	b.client = nil
	b.initSent = false
}

// Detach handles a lost connection. If the session is not yet terminal,
// the grace timer starts; expiry without a reattach fails the wait.
func (b *Bridge) Detach(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != c {
		// A replaced or already-unbound client going away is not a detach.
		return
	}
	b.client = nil
	b.initSent = false

	if b.done {
		return
	}
	b.cancelGraceLocked()
	b.graceTimer = time.AfterFunc(b.grace, b.graceExpired)
}

// Attached reports whether a viewer is currently bound.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil
}

// PushInit stores the init message and delivers it to an attached viewer
// that has not received one. A second push while the viewer already has
// its init only updates the buffer for future reconnects; the update
// channel covers the live viewer.
func (b *Bridge) PushInit(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pendingInit = &msg
	if b.client != nil && !b.initSent {
		b.client.enqueue(msg)
		b.initSent = true
	}
}

// Push delivers a session-scoped message to the attached viewer. Dropped
// when no viewer is bound or the viewer has not received its init yet.
// Returns whether the message was handed to a viewer.
func (b *Bridge) Push(msg Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil || !b.initSent {
		return false
	}
	b.client.enqueue(msg)
	return true
}

// Submit records the verdict and releases all waiters. Returns
// session.already_completed if the bridge is already terminal.
func (b *Bridge) Submit(res *session.Result) error {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return apperrors.AlreadyCompleted(b.sessionID)
	}
	after := b.terminalizeLocked(res, nil, true)
	b.mu.Unlock()

	if after != nil {
		after()
	}
	return nil
}

// Close fails any outstanding wait because the session is going away.
// The terminal callback is skipped: the caller is deleting the session,
// so there is nothing left to record on.
func (b *Bridge) Close() {
	b.mu.Lock()
	after := b.terminalizeLocked(nil, apperrors.ClientDisconnected(), false)
	b.mu.Unlock()

	if after != nil {
		after()
	}
}

// AwaitVerdict blocks until a verdict, a failed wait, the configured
// timeout, or ctx cancellation. The timeout is per-waiter: it does not
// make the session terminal, and the session stays queryable afterwards.
func (b *Bridge) AwaitVerdict(ctx context.Context) (*session.Result, error) {
	timer := time.NewTimer(b.verdictTimeout)
	defer timer.Stop()

	select {
	case <-b.terminal:
		b.mu.Lock()
		res, err := b.result, b.err
		b.mu.Unlock()
		return res, err

	case <-timer.C:
		return nil, apperrors.VerdictTimeout(b.verdictTimeout)

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// graceExpired runs when the reconnect window closes with no viewer.
func (b *Bridge) graceExpired() {
	b.mu.Lock()
	if b.client != nil || b.done {
		b.mu.Unlock()
		return
	}
	after := b.terminalizeLocked(nil, apperrors.ClientDisconnected(), true)
	b.mu.Unlock()

	log.Printf("bridge: session %s viewer gone past grace window", b.sessionID)
	if after != nil {
		after()
	}
}

// terminalizeLocked transitions to the terminal state. Caller holds mu.
// The returned func, when non-nil, must be invoked after unlocking: the
// callback re-enters the registry, which must never happen under mu.
func (b *Bridge) terminalizeLocked(res *session.Result, err error, notify bool) func() {
	if b.done {
		return nil
	}
	b.done = true
	b.result = res
	b.err = err
	b.cancelGraceLocked()
	close(b.terminal)

	if !notify || b.onTerminal == nil {
		return nil
	}
	cb := b.onTerminal
	return func() { cb(res, err) }
}

func (b *Bridge) cancelGraceLocked() {
	if b.graceTimer != nil {
		b.graceTimer.Stop()
		b.graceTimer = nil
	}
}

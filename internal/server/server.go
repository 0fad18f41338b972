package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/diffdeck/diffdeck/internal/briefing"
	"github.com/diffdeck/diffdeck/internal/diff"
	apperrors "github.com/diffdeck/diffdeck/internal/errors"
	"github.com/diffdeck/diffdeck/internal/git"
	"github.com/diffdeck/diffdeck/internal/github"
	"github.com/diffdeck/diffdeck/internal/session"
)

// channelBufferSize is the buffer size for the broadcast channel and
// per-client send channels. If the buffer fills up, messages are dropped
// for slow clients rather than blocking the sender.
const channelBufferSize = 256

// EventJournal records coarse operational events. Implemented by the
// journal package; defined here so the server does not depend on its
// storage choices.
type EventJournal interface {
	Record(kind, sessionID, project, detail string)
}

// PRSource fetches pull-request data for session seeding. Implemented by
// the github package.
type PRSource interface {
	Diff(ctx context.Context, ref github.PRRef) (string, error)
	Get(ctx context.Context, ref github.PRRef) (*github.PullRequest, error)
}

// Options configures a Server. Zero values select working defaults, so
// tests can construct a server from a registry alone.
type Options struct {
	// Addr is the listen address. Port 0 picks a free port.
	Addr string

	// Dir is the default working directory for sessions that do not name
	// one.
	Dir string

	// PollInterval is the diff re-acquisition interval for live sessions.
	PollInterval time.Duration

	// GracePeriod is the viewer reconnect window.
	GracePeriod time.Duration

	// VerdictTimeout bounds verdict waits.
	VerdictTimeout time.Duration

	// AcquireTimeout bounds a single git invocation inside a poll tick.
	AcquireTimeout time.Duration

	// Acquire obtains raw diff text. Nil uses git.Acquire.
	Acquire diff.AcquireFunc

	// ResolveBranch names the checked-out branch for session summaries.
	// Nil uses git.CurrentBranch.
	ResolveBranch func(ctx context.Context, dir string) string

	// Analyzer produces briefing payloads. Nil means sessions carry no
	// briefing.
	Analyzer briefing.Analyzer

	// PRs fetches pull-request diffs. Nil uses a client configured from
	// the environment; the token is only required when a PR session is
	// actually requested.
	PRs PRSource

	// Journal records operational events. Nil disables journaling.
	Journal EventJournal
}

// Server owns the HTTP surface, the WebSocket clients, and one bridge and
// poller per live session. All session state lives in the injected
// registry; the server holds only connection plumbing.
type Server struct {
	opts Options

	// upgrader converts HTTP connections to WebSocket connections.
	upgrader websocket.Upgrader

	// mu protects clients, bridges, pollers, and the stopped flag.
	mu      sync.RWMutex
	clients map[*Client]bool
	bridges map[string]*Bridge
	pollers map[string]*diff.Poller
	stopped bool

	// broadcast receives directory messages fanned out to all clients.
	broadcast chan Message

	httpServer *http.Server
	listenAddr string

	registry  *session.Registry
	parser    *diff.Parser
	startedAt time.Time
}

// NewServer creates a server around the given registry. Directory events
// for every registry mutation are broadcast to all connected clients.
func NewServer(registry *session.Registry, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Acquire == nil {
		opts.Acquire = git.Acquire
	}
	if opts.ResolveBranch == nil {
		opts.ResolveBranch = git.CurrentBranch
	}
	if opts.PRs == nil {
		opts.PRs = github.NewClientFromEnv()
	}

	s := &Server{
		opts:      opts,
		clients:   make(map[*Client]bool),
		bridges:   make(map[string]*Bridge),
		pollers:   make(map[string]*diff.Poller),
		broadcast: make(chan Message, channelBufferSize),
		registry:  registry,
		parser:    diff.NewParser(),
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			// The server binds loopback by default; when mDNS exposure is
			// enabled the viewer is served from another origin anyway.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	registry.SetOnEvent(s.onRegistryEvent)
	return s
}

// Registry returns the injected session registry.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// StartAsync starts the server and returns a channel that reports startup
// success or failure. The listener is created synchronously, so Addr()
// and URL() are valid as soon as the channel yields nil.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	mux := s.createMux()

	// Create the listener first to detect port conflicts immediately.
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		errCh <- apperrors.Wrap(apperrors.CodeServerStartFailed,
			fmt.Sprintf("failed to listen on %s", s.opts.Addr), err)
		close(errCh)
		return errCh
	}

	s.mu.Lock()
	s.listenAddr = ln.Addr().String()
	s.httpServer = &http.Server{Handler: mux}
	s.mu.Unlock()

	go s.runBroadcaster()

	go func() {
		log.Printf("server: listening on %s", s.listenAddr)
		errCh <- nil
		close(errCh)

		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	return errCh
}

// Stop shuts the server down: pollers stopped, bridges released, client
// connections closed. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	for client := range s.clients {
		client.closeSend()
	}
	s.clients = make(map[*Client]bool)

	pollers := make([]*diff.Poller, 0, len(s.pollers))
	for _, p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.pollers = make(map[string]*diff.Poller)

	bridges := make([]*Bridge, 0, len(s.bridges))
	for _, b := range s.bridges {
		bridges = append(bridges, b)
	}

	// Closing broadcast lets runBroadcaster exit. Must happen after
	// stopped=true so concurrent Broadcast calls cannot panic.
	close(s.broadcast)
	httpServer := s.httpServer
	s.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
	for _, b := range bridges {
		b.Close()
	}

	if httpServer != nil {
		return httpServer.Close()
	}
	return nil
}

// Addr returns the bound listen address, valid after StartAsync succeeds.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenAddr
}

// Port returns the bound port, or 0 before startup.
func (s *Server) Port() int {
	addr := s.Addr()
	if addr == "" {
		return 0
	}
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return 0
	}
	return tcp.Port
}

// URL returns the base HTTP URL of the server.
func (s *Server) URL() string {
	return "http://" + s.Addr()
}

// ViewerURL returns the URL a reviewer opens for one session.
func (s *Server) ViewerURL(sessionID string) string {
	return s.URL() + "/?session=" + sessionID
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// StartedAt returns when the server was constructed.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// Broadcast sends a directory message to all connected clients without
// blocking. Messages sent after Stop are dropped.
func (s *Server) Broadcast(msg Message) {
	// Hold RLock while checking stopped AND sending so Stop cannot close
	// the channel mid-send.
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return
	}

	select {
	case s.broadcast <- msg:
	default:
		log.Printf("server: broadcast channel full, dropping %s", msg.Type)
	}
}

// runBroadcaster fans broadcast messages out to every client.
func (s *Server) runBroadcaster() {
	for msg := range s.broadcast {
		s.mu.RLock()
		for client := range s.clients {
			client.enqueue(msg)
		}
		s.mu.RUnlock()
	}
}

// onRegistryEvent turns registry mutations into directory broadcasts.
func (s *Server) onRegistryEvent(kind session.EventKind, snap session.Session) {
	switch kind {
	case session.EventAdded:
		s.Broadcast(NewSessionAddedMessage(session.Summarize(snap)))
	case session.EventUpdated:
		s.Broadcast(NewSessionUpdatedMessage(session.Summarize(snap)))
	case session.EventRemoved:
		s.Broadcast(NewSessionRemovedMessage(snap.ID))
	}
}

// ---------------------------------------------------------------------------
// Session orchestration
// ---------------------------------------------------------------------------

// CreateSessionRequest is the shape accepted by POST /api/sessions and the
// in-process creation path. Exactly one source is used: a local ref, a
// pre-parsed or raw diff, or a pull-request reference.
type CreateSessionRequest struct {
	Ref         string        `json:"ref,omitempty"`
	Dir         string        `json:"dir,omitempty"`
	Diff        *diff.DiffSet `json:"diff,omitempty"`
	DiffText    string        `json:"diff_text,omitempty"`
	PR          string        `json:"pr,omitempty"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Reasoning   string        `json:"reasoning,omitempty"`
}

// CreateSession creates a review session from a local ref, a supplied
// diff, or a pull request. On success the session already carries its
// first diff model and its init message is buffered in the bridge.
func (s *Server) CreateSession(ctx context.Context, req CreateSessionRequest) (session.Session, error) {
	dir := req.Dir
	if dir == "" {
		dir = s.opts.Dir
	}
	if dir == "" {
		dir, _ = os.Getwd()
	}

	opts := session.Options{
		Title:       req.Title,
		Description: req.Description,
		Reasoning:   req.Reasoning,
		Dir:         dir,
		Ref:         req.Ref,
		PR:          req.PR,
	}

	switch {
	case req.PR != "":
		return s.createPRSession(ctx, opts)
	case req.Diff != nil || req.DiffText != "":
		return s.createStaticSession(opts, req.Diff, req.DiffText)
	default:
		if opts.Ref == "" {
			opts.Ref = diff.RefWorkingCopy
		}
		return s.createLocalSession(ctx, opts)
	}
}

// createLocalSession acquires the first diff synchronously, then starts
// the poller for live updates.
func (s *Server) createLocalSession(ctx context.Context, opts session.Options) (session.Session, error) {
	snap := s.registry.Create(opts)
	id := snap.ID
	s.createBridge(id)

	poller := diff.NewPoller(diff.PollerConfig{
		Dir:            opts.Dir,
		Ref:            opts.Ref,
		PollInterval:   s.opts.PollInterval,
		AcquireTimeout: s.opts.AcquireTimeout,
		Acquire:        s.opts.Acquire,
		OnUpdate: func(set *diff.DiffSet, changed []diff.FileChange) {
			s.onPollUpdate(id, set, changed)
		},
		OnError: func(err error) {
			s.onPollError(id, err)
		},
	})

	initial, err := poller.PollOnce(ctx)
	if err != nil {
		s.dropSession(id)
		return session.Session{}, err
	}

	s.registry.SetBranch(id, s.opts.ResolveBranch(ctx, opts.Dir))
	s.registry.SetDiff(id, initial)
	s.applyBriefing(id, initial)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.dropSession(id)
		return session.Session{}, apperrors.New(apperrors.CodeServerStartFailed, "server is shutting down")
	}
	s.pollers[id] = poller
	s.mu.Unlock()
	poller.Start()

	s.refreshInit(id)
	s.journal("session_created", id, opts.Dir, opts.Ref)
	final, _ := s.registry.Get(id)
	return final, nil
}

// createStaticSession seeds a session from caller-supplied diff content.
// No poller runs; the model never changes on its own.
func (s *Server) createStaticSession(opts session.Options, model *diff.DiffSet, raw string) (session.Session, error) {
	if model == nil {
		model = s.parser.Parse(raw, "", "")
	}

	snap := s.registry.Create(opts)
	id := snap.ID
	s.createBridge(id)

	s.registry.SetDiff(id, model)
	s.applyBriefing(id, model)

	s.refreshInit(id)
	s.journal("session_created", id, opts.Dir, "static")
	final, _ := s.registry.Get(id)
	return final, nil
}

// createPRSession fetches the pull request's diff and metadata, seeding
// the session identically to the local path.
func (s *Server) createPRSession(ctx context.Context, opts session.Options) (session.Session, error) {
	ref, err := github.ParseRef(opts.PR)
	if err != nil {
		return session.Session{}, err
	}

	pr, err := s.opts.PRs.Get(ctx, ref)
	if err != nil {
		return session.Session{}, err
	}
	raw, err := s.opts.PRs.Diff(ctx, ref)
	if err != nil {
		return session.Session{}, err
	}

	if opts.Title == "" {
		opts.Title = pr.Title
	}
	if opts.Description == "" {
		opts.Description = pr.Body
	}
	model := s.parser.Parse(raw, pr.BaseRef, pr.HeadRef)

	snap := s.registry.Create(opts)
	id := snap.ID
	s.createBridge(id)

	s.registry.SetBranch(id, pr.HeadRef)
	s.registry.SetDiff(id, model)
	s.applyBriefing(id, model)

	s.refreshInit(id)
	s.journal("session_created", id, opts.Dir, opts.PR)
	final, _ := s.registry.Get(id)
	return final, nil
}

// SubmitVerdict validates and records a verdict for a session. A second
// verdict is rejected with session.already_completed.
func (s *Server) SubmitVerdict(p ReviewSubmitPayload) error {
	if p.SessionID == "" {
		return apperrors.InvalidMessage("session_id is required")
	}
	if _, ok := s.registry.Get(p.SessionID); !ok {
		return apperrors.SessionNotFound(p.SessionID)
	}
	decision := session.Decision(p.Decision)
	if !session.ValidDecision(decision) {
		return apperrors.InvalidDecision(p.Decision)
	}

	res := &session.Result{
		Decision:     decision,
		Comments:     p.Comments,
		FileStatuses: p.FileStatuses,
		Summary:      p.Summary,
	}
	return s.bridgeFor(p.SessionID).Submit(res)
}

// AwaitVerdict blocks until the session's verdict or a terminal wait
// condition.
func (s *Server) AwaitVerdict(ctx context.Context, sessionID string) (*session.Result, error) {
	if _, ok := s.registry.Get(sessionID); !ok {
		return nil, apperrors.SessionNotFound(sessionID)
	}
	return s.bridgeFor(sessionID).AwaitVerdict(ctx)
}

// ChangeRef swaps the comparison ref for a live session. The next poll
// tick notifies unconditionally; an acquisition failure surfaces as a
// diff:error push.
func (s *Server) ChangeRef(sessionID, ref string) error {
	if ref == "" {
		return apperrors.InvalidMessage("ref is required")
	}
	if _, ok := s.registry.Get(sessionID); !ok {
		return apperrors.SessionNotFound(sessionID)
	}

	s.mu.RLock()
	poller := s.pollers[sessionID]
	s.mu.RUnlock()
	if poller == nil {
		return apperrors.InvalidMessage("session has no live source to re-compare")
	}

	poller.SetRef(ref)
	s.registry.SetRef(sessionID, ref)
	s.refreshInit(sessionID)
	return nil
}

// UpdateContext applies a briefing-text patch and pushes the change to
// the attached viewer.
func (s *Server) UpdateContext(sessionID string, patch session.ContextPatch) error {
	if _, ok := s.registry.Get(sessionID); !ok {
		return apperrors.SessionNotFound(sessionID)
	}
	s.registry.SetContext(sessionID, patch)
	s.refreshInit(sessionID)

	snap, _ := s.registry.Get(sessionID)
	s.pushToSession(sessionID, NewContextUpdateMessage(snap))
	return nil
}

// AddFindings appends findings, assigning ids to any that lack one, and
// pushes the updated context to the attached viewer.
func (s *Server) AddFindings(sessionID string, findings []session.Finding) error {
	if _, ok := s.registry.Get(sessionID); !ok {
		return apperrors.SessionNotFound(sessionID)
	}
	for i := range findings {
		if findings[i].ID == "" {
			findings[i].ID = uuid.New().String()
		}
	}
	s.registry.AddFindings(sessionID, findings...)
	s.refreshInit(sessionID)

	snap, _ := s.registry.Get(sessionID)
	s.pushToSession(sessionID, NewContextUpdateMessage(snap))
	return nil
}

// CloseSession tears a session down without a verdict: waiters released,
// poller stopped, registry entry removed.
func (s *Server) CloseSession(sessionID string) error {
	if _, ok := s.registry.Get(sessionID); !ok {
		return apperrors.SessionNotFound(sessionID)
	}

	s.mu.Lock()
	bridge := s.bridges[sessionID]
	poller := s.pollers[sessionID]
	delete(s.bridges, sessionID)
	delete(s.pollers, sessionID)
	for client := range s.clients {
		if client.boundSession() == sessionID {
			client.setBoundSession("")
		}
	}
	s.mu.Unlock()

	if bridge != nil {
		bridge.Close()
	}
	if poller != nil {
		poller.Stop()
	}

	s.registry.Delete(sessionID)
	s.journal("session_closed", sessionID, "", "")
	return nil
}

// selectSession binds a client to a session's bridge, replaying the
// buffered init. A pending session transitions to in_progress on its
// first viewer.
func (s *Server) selectSession(c *Client, sessionID string) error {
	snap, ok := s.registry.Get(sessionID)
	if !ok {
		return apperrors.SessionNotFound(sessionID)
	}

	if prev := c.boundSession(); prev != "" && prev != sessionID {
		if pb := s.lookupBridge(prev); pb != nil {
			pb.Unbind(c)
		}
	}

	s.bridgeFor(sessionID).Attach(c)
	c.setBoundSession(sessionID)

	if snap.Status == session.StatusPending {
		s.registry.SetStatus(sessionID, session.StatusInProgress)
	}
	s.registry.MarkViewed(sessionID)
	return nil
}

// onPollUpdate handles a detected diff change for one session.
func (s *Server) onPollUpdate(sessionID string, set *diff.DiffSet, changed []diff.FileChange) {
	s.registry.SetDiff(sessionID, set)
	s.applyBriefing(sessionID, set)
	s.refreshInit(sessionID)

	delivered := s.pushToSession(sessionID, NewDiffUpdateMessage(sessionID, set, changed))
	if delivered {
		// A watching viewer has seen the new state.
		s.registry.MarkViewed(sessionID)
	}
}

// onPollError surfaces an acquisition failure to the viewer and the log.
// The poller keeps running; the next successful tick recovers.
func (s *Server) onPollError(sessionID string, err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	log.Printf("server: session %s poll failed: %s", sessionID, message)
	s.pushToSession(sessionID, NewDiffErrorMessage(sessionID, code, message))
}

// applyBriefing recomputes and stores the analyzer payload. Analyzer
// failures are logged and skipped; a briefing is never load-bearing.
func (s *Server) applyBriefing(sessionID string, set *diff.DiffSet) {
	if s.opts.Analyzer == nil {
		return
	}
	raw, err := s.opts.Analyzer.Analyze(set)
	if err != nil {
		log.Printf("server: briefing analysis failed for %s: %v", sessionID, err)
		return
	}
	s.registry.SetContext(sessionID, session.ContextPatch{Briefing: raw})
}

// bridgeFor returns the session's bridge, creating one if needed.
func (s *Server) bridgeFor(sessionID string) *Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bridges[sessionID]; ok {
		return b
	}
	b := s.newBridgeLocked(sessionID)
	s.bridges[sessionID] = b
	return b
}

func (s *Server) lookupBridge(sessionID string) *Bridge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bridges[sessionID]
}

func (s *Server) createBridge(sessionID string) *Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.newBridgeLocked(sessionID)
	s.bridges[sessionID] = b
	return b
}

// newBridgeLocked wires the terminal callback: verdicts and failed waits
// are recorded on the session, and polling stops either way.
func (s *Server) newBridgeLocked(sessionID string) *Bridge {
	return NewBridge(sessionID, s.opts.GracePeriod, s.opts.VerdictTimeout, func(res *session.Result, err error) {
		if res != nil {
			s.registry.SetResult(sessionID, res)
			s.journal("verdict", sessionID, "", string(res.Decision))
		} else if err != nil {
			code, message := apperrors.ToCodeAndMessage(err)
			s.registry.SetErr(sessionID, code, message)
			s.journal("wait_failed", sessionID, "", code)
		}
		s.stopPolling(sessionID)
	})
}

// stopPolling stops and forgets the session's poller, if any.
func (s *Server) stopPolling(sessionID string) {
	s.mu.Lock()
	poller := s.pollers[sessionID]
	delete(s.pollers, sessionID)
	s.mu.Unlock()

	if poller != nil {
		poller.Stop()
	}
}

// pushToSession delivers a message through the session's bridge. Returns
// whether an initialized viewer received it.
func (s *Server) pushToSession(sessionID string, msg Message) bool {
	if b := s.lookupBridge(sessionID); b != nil {
		return b.Push(msg)
	}
	return false
}

// refreshInit rebuilds the bridge's buffered init from the current
// session state, so a viewer that attaches later never renders a stale
// snapshot. The live viewer is unaffected; it follows the update channel.
func (s *Server) refreshInit(sessionID string) {
	snap, ok := s.registry.Get(sessionID)
	if !ok {
		return
	}
	if b := s.lookupBridge(sessionID); b != nil {
		b.PushInit(NewReviewInitMessage(snap))
	}
}

// dropSession removes a half-created session after a failed creation.
func (s *Server) dropSession(sessionID string) {
	s.mu.Lock()
	delete(s.bridges, sessionID)
	delete(s.pollers, sessionID)
	s.mu.Unlock()
	s.registry.Delete(sessionID)
}

// journal records an operational event when journaling is wired.
func (s *Server) journal(kind, sessionID, project, detail string) {
	if s.opts.Journal == nil {
		return
	}
	s.opts.Journal.Record(kind, sessionID, project, detail)
}

// removeClient unregisters a disconnected client and notifies its bridge,
// starting the reconnect grace window.
func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()

	if id := c.boundSession(); id != "" {
		if b := s.lookupBridge(id); b != nil {
			b.Detach(c)
		}
	}
}

// handleWebSocket upgrades the connection and registers the client. The
// session directory is sent first; an optional ?session= query binds the
// client immediately.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan Message, channelBufferSize),
		done:   make(chan struct{}),
		server: s,
		// Each ref change costs a git invocation on the next tick.
		refLimiter: rate.NewLimiter(rate.Limit(2), 5),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = true
	s.mu.Unlock()

	log.Printf("client %s connected (%d total)", client.id, s.ClientCount())

	client.enqueue(NewSessionListMessage(s.registry.Summaries()))
	go client.writePump()

	if want := r.URL.Query().Get("session"); want != "" {
		if err := s.selectSession(client, want); err != nil {
			code, message := apperrors.ToCodeAndMessage(err)
			client.enqueue(NewErrorMessage("", code, message))
		}
	}

	go client.readPump()
}

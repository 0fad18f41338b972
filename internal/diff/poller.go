package diff

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Well-known ref specifiers. Anything else is passed to the acquire
// function verbatim (branch names, commit hashes, "A..B" ranges).
const (
	// RefWorkingCopy compares HEAD against the working tree, split into a
	// staged and an unstaged half.
	RefWorkingCopy = "working-copy"

	// RefStaged compares HEAD against the index.
	RefStaged = "staged"

	// RefUnstaged compares the index against the working tree.
	RefUnstaged = "unstaged"
)

// AcquireFunc obtains raw unified diff text for one ref specifier in a
// directory. The context bounds a single acquisition.
type AcquireFunc func(ctx context.Context, ref, dir string) (string, error)

// PollerConfig holds configuration for the diff poller.
type PollerConfig struct {
	// Dir is the repository directory handed to the acquire function.
	Dir string

	// Ref is the initial ref specifier. Defaults to RefWorkingCopy.
	Ref string

	// PollInterval is how often to re-acquire the diff.
	PollInterval time.Duration

	// AcquireTimeout bounds one acquisition. Defaults to 10 seconds.
	AcquireTimeout time.Duration

	// Acquire obtains the raw diff text. Required.
	Acquire AcquireFunc

	// OnUpdate is called when the diff content changed since the last
	// notification, with the full new set and the file-level delta.
	OnUpdate func(set *DiffSet, changed []FileChange)

	// OnError is called when acquisition fails. The tick is skipped and
	// polling continues. If nil, errors are silently ignored.
	OnError func(err error)
}

// Poller re-acquires a diff on an interval and notifies on content change.
// Change detection hashes the raw text, so formatting-identical output
// produces no notification.
type Poller struct {
	config   PollerConfig
	parser   *Parser
	stopCh   chan struct{} // Signals the polling loop to stop.
	doneCh   chan struct{} // Closes when the polling loop exits.
	mu       sync.Mutex    // Guards lifecycle state, ref and baseline updates.
	ref      string
	lastHash string   // Tracks last raw-text hash to suppress duplicates.
	force    bool     // One-shot flag set by Refresh.
	prev     *DiffSet // Last notified (or baseline) set, for the delta.
	running  bool
	stopping bool
}

// NewPoller creates a new diff poller with the given configuration.
func NewPoller(config PollerConfig) *Poller {
	ref := config.Ref
	if ref == "" {
		ref = RefWorkingCopy
	}
	return &Poller{
		config: config,
		parser: NewParser(),
		ref:    ref,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins polling in a goroutine. The first acquisition records a
// baseline without notifying, so a pre-existing diff does not fire
// OnUpdate. Start is safe to call after Stop.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running || p.stopping {
		p.mu.Unlock()
		return
	}
	p.running = true
	// Recreate channels to allow restart after Stop
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.pollLoop()
}

// Stop halts the polling loop and waits for it to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running || p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.mu.Unlock()

	close(stopCh)
	<-doneCh

	p.mu.Lock()
	p.running = false
	p.stopping = false
	p.mu.Unlock()
}

// Done returns a channel that closes when the poller has stopped. The
// channel is recreated on each Start, so call Done after Start.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneCh
}

// SetRef switches the comparison to a new ref specifier and resets the
// baseline, so the next tick notifies unconditionally even if the new
// ref's content happens to hash like the old one.
func (p *Poller) SetRef(ref string) {
	if ref == "" {
		ref = RefWorkingCopy
	}
	p.mu.Lock()
	p.ref = ref
	p.lastHash = ""
	p.prev = nil
	p.mu.Unlock()
}

// Ref returns the current ref specifier.
func (p *Poller) Ref() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ref
}

// Refresh makes the next tick notify even if the content is unchanged.
// It does not poll by itself; the notification rides the regular interval.
func (p *Poller) Refresh() {
	p.mu.Lock()
	p.force = true
	p.mu.Unlock()
}

// PollOnce performs a single synchronous acquisition, records it as the
// baseline and returns the parsed set without firing callbacks. Useful
// for building an initial model before Start.
func (p *Poller) PollOnce(ctx context.Context) (*DiffSet, error) {
	raw, set, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.lastHash = hashDiff(raw)
	p.prev = set
	p.mu.Unlock()
	return set, nil
}

// pollLoop runs the main polling loop.
func (p *Poller) pollLoop() {
	defer close(p.doneCh)

	p.mu.Lock()
	seeded := p.lastHash != ""
	p.mu.Unlock()
	if seeded {
		// A baseline from PollOnce (or a previous run) is still valid;
		// poll immediately instead of waiting out the first interval.
		p.poll()
	} else {
		p.baseline()
	}

	interval := p.config.PollInterval
	if interval <= 0 {
		interval = 1 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

// baseline acquires once and records the state without notifying.
func (p *Poller) baseline() {
	ctx, cancel := p.tickContext()
	defer cancel()

	raw, set, err := p.acquire(ctx)
	if err != nil {
		// Leave the baseline unset; the first successful poll notifies.
		if p.config.OnError != nil {
			p.config.OnError(err)
		}
		return
	}
	p.mu.Lock()
	if p.lastHash == "" {
		p.lastHash = hashDiff(raw)
		p.prev = set
	}
	p.mu.Unlock()
}

// poll acquires the diff once and notifies when content moved.
func (p *Poller) poll() {
	ctx, cancel := p.tickContext()
	defer cancel()

	raw, set, err := p.acquire(ctx)
	if err != nil {
		if p.config.OnError != nil {
			p.config.OnError(err)
		}
		return
	}

	currentHash := hashDiff(raw)

	p.mu.Lock()
	changed := currentHash != p.lastHash
	forced := p.force
	if !changed && !forced {
		p.mu.Unlock()
		return
	}
	p.force = false
	p.lastHash = currentHash
	prev := p.prev
	p.prev = set
	p.mu.Unlock()

	if p.config.OnUpdate != nil {
		p.config.OnUpdate(set, Delta(prev, set))
	}
}

// acquire fetches and parses the diff for the current ref. The working
// copy ref is acquired as two halves so staged and unstaged entries for
// the same path stay distinct.
func (p *Poller) acquire(ctx context.Context) (string, *DiffSet, error) {
	p.mu.Lock()
	ref := p.ref
	p.mu.Unlock()

	base, head := labelsForRef(ref)

	if ref != RefWorkingCopy {
		raw, err := p.config.Acquire(ctx, ref, p.config.Dir)
		if err != nil {
			return "", nil, err
		}
		return raw, p.parser.Parse(raw, base, head), nil
	}

	staged, err := p.config.Acquire(ctx, RefStaged, p.config.Dir)
	if err != nil {
		return "", nil, err
	}
	unstaged, err := p.config.Acquire(ctx, RefUnstaged, p.config.Dir)
	if err != nil {
		return "", nil, err
	}

	set := &DiffSet{Base: base, Head: head, Files: []DiffFile{}}
	stagedSet := p.parser.Parse(staged, base, head)
	for _, f := range stagedSet.Files {
		f.Stage = StageStaged
		set.Files = append(set.Files, f)
	}
	unstagedSet := p.parser.Parse(unstaged, base, head)
	for _, f := range unstagedSet.Files {
		f.Stage = StageUnstaged
		set.Files = append(set.Files, f)
	}

	// Hash both halves with a separator so content migrating between
	// index and working tree still counts as a change.
	return staged + "\x00" + unstaged, set, nil
}

func (p *Poller) tickContext() (context.Context, context.CancelFunc) {
	timeout := p.config.AcquireTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// labelsForRef derives display labels for the two sides of a comparison.
func labelsForRef(ref string) (base, head string) {
	switch ref {
	case RefWorkingCopy:
		return "HEAD", "working tree"
	case RefStaged:
		return "HEAD", "index"
	case RefUnstaged:
		return "index", "working tree"
	}
	if i := strings.Index(ref, ".."); i >= 0 {
		base = ref[:i]
		head = strings.TrimPrefix(ref[i+2:], ".")
		if base == "" {
			base = "HEAD"
		}
		if head == "" {
			head = "working tree"
		}
		return base, head
	}
	return ref, "working tree"
}

// hashDiff computes a content hash of the raw diff text. The empty string
// is hashed too, so a cleared baseline ("") never collides with real
// content.
func hashDiff(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

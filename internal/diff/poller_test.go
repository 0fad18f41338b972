package diff

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeAcquirer serves scripted diff text keyed by ref and records calls.
type fakeAcquirer struct {
	mu          sync.Mutex
	raw         map[string]string
	err         error
	calls       []string
	sawDeadline bool
}

func newFakeAcquirer() *fakeAcquirer {
	return &fakeAcquirer{raw: make(map[string]string)}
}

func (f *fakeAcquirer) acquire(ctx context.Context, ref, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ref)
	if _, ok := ctx.Deadline(); ok {
		f.sawDeadline = true
	}
	if f.err != nil {
		return "", f.err
	}
	return f.raw[ref], nil
}

func (f *fakeAcquirer) set(ref, raw string) {
	f.mu.Lock()
	f.raw[ref] = raw
	f.mu.Unlock()
}

func (f *fakeAcquirer) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeAcquirer) refs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

const simpleDiff = `diff --git a/x.ts b/x.ts
--- a/x.ts
+++ b/x.ts
@@ -1,2 +1,2 @@
-old
+new
 context`

const biggerDiff = `diff --git a/x.ts b/x.ts
--- a/x.ts
+++ b/x.ts
@@ -1,2 +1,3 @@
-old
+new
+more
 context`

func TestPoller_BaselineIsSilent(t *testing.T) {
	acq := newFakeAcquirer()
	acq.set("main", simpleDiff)

	var mu sync.Mutex
	updates := 0

	p := NewPoller(PollerConfig{
		Ref:          "main",
		PollInterval: 10 * time.Millisecond,
		Acquire:      acq.acquire,
		OnUpdate: func(set *DiffSet, changed []FileChange) {
			mu.Lock()
			updates++
			mu.Unlock()
		},
	})

	p.Start()
	time.Sleep(80 * time.Millisecond)
	p.Stop()

	mu.Lock()
	count := updates
	mu.Unlock()

	// The pre-existing diff is the baseline, not an update.
	if count != 0 {
		t.Errorf("expected 0 updates for unchanged content, got %d", count)
	}
}

func TestPoller_DetectsChange(t *testing.T) {
	acq := newFakeAcquirer()
	acq.set("main", simpleDiff)

	var mu sync.Mutex
	updates := 0
	var lastSet *DiffSet
	var lastChanged []FileChange

	p := NewPoller(PollerConfig{
		Ref:          "main",
		PollInterval: 10 * time.Millisecond,
		Acquire:      acq.acquire,
		OnUpdate: func(set *DiffSet, changed []FileChange) {
			mu.Lock()
			updates++
			lastSet = set
			lastChanged = changed
			mu.Unlock()
		},
	})

	p.Start()
	defer p.Stop()

	// Let the baseline settle, then change the content.
	time.Sleep(40 * time.Millisecond)
	acq.set("main", biggerDiff)
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	count := updates
	set := lastSet
	changed := lastChanged
	mu.Unlock()

	// Exactly one notification: the content changed once and then held.
	if count != 1 {
		t.Fatalf("expected 1 update, got %d", count)
	}
	if len(set.Files) != 1 || set.Files[0].Additions != 2 {
		t.Errorf("unexpected set: %+v", set.Files)
	}
	if len(changed) != 1 || changed[0].Path != "x.ts" || changed[0].Kind != FileModified {
		t.Errorf("unexpected delta: %+v", changed)
	}
}

func TestPoller_Refresh_NotifiesOnce(t *testing.T) {
	acq := newFakeAcquirer()
	acq.set("main", simpleDiff)

	var mu sync.Mutex
	updates := 0
	var lastChanged []FileChange

	p := NewPoller(PollerConfig{
		Ref:          "main",
		PollInterval: 10 * time.Millisecond,
		Acquire:      acq.acquire,
		OnUpdate: func(set *DiffSet, changed []FileChange) {
			mu.Lock()
			updates++
			lastChanged = changed
			mu.Unlock()
		},
	})

	p.Start()
	defer p.Stop()

	time.Sleep(40 * time.Millisecond)
	p.Refresh()
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	count := updates
	changed := lastChanged
	mu.Unlock()

	// Refresh forces exactly one notification even though nothing moved.
	if count != 1 {
		t.Fatalf("expected 1 forced update, got %d", count)
	}
	if len(changed) != 0 {
		t.Errorf("expected empty delta on forced refresh, got %+v", changed)
	}
}

func TestPoller_SetRef_NotifiesUnconditionally(t *testing.T) {
	acq := newFakeAcquirer()
	// Both refs serve byte-identical content, so only the baseline reset
	// can make the switch visible.
	acq.set("main", simpleDiff)
	acq.set("feature", simpleDiff)

	var mu sync.Mutex
	updates := 0
	var lastChanged []FileChange

	p := NewPoller(PollerConfig{
		Ref:          "main",
		PollInterval: 10 * time.Millisecond,
		Acquire:      acq.acquire,
		OnUpdate: func(set *DiffSet, changed []FileChange) {
			mu.Lock()
			updates++
			lastChanged = changed
			mu.Unlock()
		},
	})

	p.Start()
	defer p.Stop()

	time.Sleep(40 * time.Millisecond)
	p.SetRef("feature")
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	count := updates
	changed := lastChanged
	mu.Unlock()

	if count != 1 {
		t.Fatalf("expected 1 update after ref change, got %d", count)
	}
	// The baseline was cleared, so the whole set reads as new.
	if len(changed) != 1 || changed[0].Kind != FileNew {
		t.Errorf("expected all-new delta after ref change, got %+v", changed)
	}
	if p.Ref() != "feature" {
		t.Errorf("expected ref 'feature', got '%s'", p.Ref())
	}
}

func TestPoller_ErrorsAreSwallowed(t *testing.T) {
	acq := newFakeAcquirer()
	acq.setErr(errors.New("git exploded"))

	var mu sync.Mutex
	updates := 0
	pollErrors := 0

	p := NewPoller(PollerConfig{
		Ref:          "main",
		PollInterval: 10 * time.Millisecond,
		Acquire:      acq.acquire,
		OnUpdate: func(set *DiffSet, changed []FileChange) {
			mu.Lock()
			updates++
			mu.Unlock()
		},
		OnError: func(err error) {
			mu.Lock()
			pollErrors++
			mu.Unlock()
		},
	})

	p.Start()
	defer p.Stop()

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	errCount := pollErrors
	updateCount := updates
	mu.Unlock()

	if errCount == 0 {
		t.Error("expected OnError to be called for failing acquisition")
	}
	if updateCount != 0 {
		t.Errorf("expected no updates while failing, got %d", updateCount)
	}

	// Recovery: the first successful poll notifies, since no baseline was
	// ever recorded.
	acq.setErr(nil)
	acq.set("main", simpleDiff)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	updateCount = updates
	mu.Unlock()

	if updateCount != 1 {
		t.Errorf("expected 1 update after recovery, got %d", updateCount)
	}
}

func TestPoller_NoOnErrorCallback(t *testing.T) {
	acq := newFakeAcquirer()
	acq.setErr(errors.New("git exploded"))

	// No OnError callback - should not panic.
	p := NewPoller(PollerConfig{
		Ref:          "main",
		PollInterval: 10 * time.Millisecond,
		Acquire:      acq.acquire,
	})

	p.Start()
	time.Sleep(50 * time.Millisecond)
	p.Stop()
	// Test passes if no panic occurred.
}

func TestPoller_WorkingCopySplit(t *testing.T) {
	acq := newFakeAcquirer()
	acq.set(RefStaged, simpleDiff)
	acq.set(RefUnstaged, biggerDiff)

	p := NewPoller(PollerConfig{
		Ref:     RefWorkingCopy,
		Acquire: acq.acquire,
	})

	set, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce failed: %v", err)
	}

	if set.Base != "HEAD" || set.Head != "working tree" {
		t.Errorf("unexpected labels: %s / %s", set.Base, set.Head)
	}
	if len(set.Files) != 2 {
		t.Fatalf("expected 2 files (one per half), got %d", len(set.Files))
	}
	if set.Files[0].Stage != StageStaged || set.Files[1].Stage != StageUnstaged {
		t.Errorf("unexpected stages: %s, %s", set.Files[0].Stage, set.Files[1].Stage)
	}
	if set.Files[0].Path != "x.ts" || set.Files[1].Path != "x.ts" {
		t.Errorf("expected the same path in both halves, got %s / %s", set.Files[0].Path, set.Files[1].Path)
	}

	refs := acq.refs()
	if len(refs) != 2 || refs[0] != RefStaged || refs[1] != RefUnstaged {
		t.Errorf("expected staged+unstaged acquisitions, got %v", refs)
	}
}

func TestPoller_PollOnce_SeedsBaseline(t *testing.T) {
	acq := newFakeAcquirer()
	acq.set("main", simpleDiff)

	var mu sync.Mutex
	updates := 0

	p := NewPoller(PollerConfig{
		Ref:          "main",
		PollInterval: 10 * time.Millisecond,
		Acquire:      acq.acquire,
		OnUpdate: func(set *DiffSet, changed []FileChange) {
			mu.Lock()
			updates++
			mu.Unlock()
		},
	})

	if _, err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce failed: %v", err)
	}

	p.Start()
	defer p.Stop()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	count := updates
	mu.Unlock()

	if count != 0 {
		t.Errorf("expected no updates after PollOnce seeded the baseline, got %d", count)
	}

	acq.set("main", biggerDiff)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	count = updates
	mu.Unlock()

	if count != 1 {
		t.Errorf("expected 1 update after content change, got %d", count)
	}
}

func TestPoller_AcquisitionIsBounded(t *testing.T) {
	acq := newFakeAcquirer()
	acq.set("main", simpleDiff)

	p := NewPoller(PollerConfig{
		Ref:          "main",
		PollInterval: 10 * time.Millisecond,
		Acquire:      acq.acquire,
	})

	p.Start()
	time.Sleep(30 * time.Millisecond)
	p.Stop()

	acq.mu.Lock()
	sawDeadline := acq.sawDeadline
	acq.mu.Unlock()

	if !sawDeadline {
		t.Error("expected per-tick acquisitions to carry a deadline")
	}
}

func TestPoller_StartStop(t *testing.T) {
	acq := newFakeAcquirer()

	p := NewPoller(PollerConfig{
		Ref:          "main",
		PollInterval: 10 * time.Millisecond,
		Acquire:      acq.acquire,
	})

	p.Start()

	// Starting again should be a no-op
	p.Start()

	time.Sleep(30 * time.Millisecond)

	p.Stop()

	// Stopping again should be a no-op
	p.Stop()

	// Verify done channel is closed
	select {
	case <-p.Done():
		// Good
	default:
		t.Error("Done channel should be closed after Stop")
	}
}

func TestPoller_RestartAfterStop(t *testing.T) {
	acq := newFakeAcquirer()
	acq.set("main", simpleDiff)

	var mu sync.Mutex
	updates := 0

	p := NewPoller(PollerConfig{
		Ref:          "main",
		PollInterval: 10 * time.Millisecond,
		Acquire:      acq.acquire,
		OnUpdate: func(set *DiffSet, changed []FileChange) {
			mu.Lock()
			updates++
			mu.Unlock()
		},
	})

	// First run
	p.Start()
	time.Sleep(40 * time.Millisecond)
	p.Stop()

	// Change content between runs. The baseline survives Stop, so the
	// second run should notice.
	acq.set("main", biggerDiff)

	// Second run - should NOT panic
	p.Start()
	time.Sleep(40 * time.Millisecond)
	p.Stop()

	mu.Lock()
	count := updates
	mu.Unlock()

	if count != 1 {
		t.Errorf("expected 1 update across both runs, got %d", count)
	}

	// Verify Done() returns a closed channel after second stop
	select {
	case <-p.Done():
		// Good
	default:
		t.Error("Done channel should be closed after second Stop")
	}
}

func TestPoller_DefaultsToWorkingCopy(t *testing.T) {
	acq := newFakeAcquirer()

	p := NewPoller(PollerConfig{Acquire: acq.acquire})

	if p.Ref() != RefWorkingCopy {
		t.Errorf("expected default ref '%s', got '%s'", RefWorkingCopy, p.Ref())
	}
}

func TestLabelsForRef(t *testing.T) {
	tests := []struct {
		ref      string
		wantBase string
		wantHead string
	}{
		{RefWorkingCopy, "HEAD", "working tree"},
		{RefStaged, "HEAD", "index"},
		{RefUnstaged, "index", "working tree"},
		{"main..feature", "main", "feature"},
		{"main...feature", "main", "feature"},
		{"abc123", "abc123", "working tree"},
		{"..feature", "HEAD", "feature"},
	}

	for _, tt := range tests {
		base, head := labelsForRef(tt.ref)
		if base != tt.wantBase || head != tt.wantHead {
			t.Errorf("labelsForRef(%q) = %q/%q, want %q/%q", tt.ref, base, head, tt.wantBase, tt.wantHead)
		}
	}
}

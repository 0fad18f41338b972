// Package diff turns raw unified-diff text into a structured, addressable
// model and keeps that model synchronized with a working tree by polling.
// Parsing is a pure function; the poller wraps it with hash-based change
// detection so consumers are only notified when content actually moved.
package diff

// ChangeKind classifies a single diff line.
type ChangeKind string

const (
	ChangeAdd     ChangeKind = "add"
	ChangeDelete  ChangeKind = "delete"
	ChangeContext ChangeKind = "context"
)

// Change is one line within a hunk.
type Change struct {
	Kind ChangeKind `json:"kind"`

	// Line is the resulting line number: the new-side number for additions
	// and context lines, the old-side number for deletions.
	Line int `json:"line"`

	// Text is the line content without its leading marker character.
	Text string `json:"text"`
}

// Hunk is one contiguous diff region.
type Hunk struct {
	OldStart int      `json:"old_start"`
	OldLines int      `json:"old_lines"`
	NewStart int      `json:"new_start"`
	NewLines int      `json:"new_lines"`
	Changes  []Change `json:"changes"`
}

// FileStatus describes what happened to a file.
type FileStatus string

const (
	StatusAdded    FileStatus = "added"
	StatusModified FileStatus = "modified"
	StatusDeleted  FileStatus = "deleted"
	StatusRenamed  FileStatus = "renamed"
)

// Stage tags which half of a working-copy comparison a file came from.
// Empty means the comparison had no staged/unstaged split.
type Stage string

const (
	StageStaged   Stage = "staged"
	StageUnstaged Stage = "unstaged"
)

// DiffFile is one file's changes. Files are built during parse and never
// mutated afterwards; a new poll tick replaces the whole set.
type DiffFile struct {
	Path      string     `json:"path"`
	OldPath   string     `json:"old_path,omitempty"`
	Status    FileStatus `json:"status"`
	Hunks     []Hunk     `json:"hunks"`
	Language  string     `json:"language"`
	Binary    bool       `json:"binary"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Stage     Stage      `json:"stage,omitempty"`
}

// DiffSet is one full comparison. File order is parse order.
type DiffSet struct {
	Base  string     `json:"base"`
	Head  string     `json:"head"`
	Files []DiffFile `json:"files"`
}

// Stats returns total additions and deletions across all files.
func (s *DiffSet) Stats() (additions, deletions int) {
	for _, f := range s.Files {
		additions += f.Additions
		deletions += f.Deletions
	}
	return additions, deletions
}

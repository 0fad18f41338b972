package diff

// FileChangeKind classifies how a file moved between two consecutive polls.
type FileChangeKind string

const (
	FileNew      FileChangeKind = "new"
	FileModified FileChangeKind = "modified"
	FileRemoved  FileChangeKind = "removed"
)

// FileChange is one entry of a poll-to-poll delta.
type FileChange struct {
	Path  string         `json:"path"`
	Stage Stage          `json:"stage,omitempty"`
	Kind  FileChangeKind `json:"kind"`
}

// fileKey identifies a file within a set. Path alone is not enough: the
// same path can appear once staged and once unstaged, and those are
// distinct entries.
type fileKey struct {
	path  string
	stage Stage
}

// Delta compares two diff sets file by file and reports which files
// appeared, changed or disappeared. A file counts as modified when its
// addition or deletion totals moved. Either set may be nil; a nil prev
// reports every file of next as new.
func Delta(prev, next *DiffSet) []FileChange {
	prevFiles := make(map[fileKey]DiffFile)
	if prev != nil {
		for _, f := range prev.Files {
			prevFiles[fileKey{f.Path, f.Stage}] = f
		}
	}

	var changes []FileChange
	seen := make(map[fileKey]bool)
	if next != nil {
		for _, f := range next.Files {
			key := fileKey{f.Path, f.Stage}
			seen[key] = true
			before, ok := prevFiles[key]
			if !ok {
				changes = append(changes, FileChange{Path: f.Path, Stage: f.Stage, Kind: FileNew})
				continue
			}
			if before.Additions != f.Additions || before.Deletions != f.Deletions {
				changes = append(changes, FileChange{Path: f.Path, Stage: f.Stage, Kind: FileModified})
			}
		}
	}
	if prev != nil {
		for _, f := range prev.Files {
			if !seen[fileKey{f.Path, f.Stage}] {
				changes = append(changes, FileChange{Path: f.Path, Stage: f.Stage, Kind: FileRemoved})
			}
		}
	}
	return changes
}

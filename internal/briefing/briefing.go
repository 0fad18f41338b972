// Package briefing derives a compact orientation payload from a parsed
// diff: what changed, in which languages, and which paths deserve extra
// attention. The payload is opaque to the rest of the system; the server
// forwards it to viewers verbatim.
package briefing

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"

	"github.com/diffdeck/diffdeck/internal/diff"
)

// Analyzer produces a briefing payload for a diff. Implementations must
// be deterministic: the same model always yields the same payload.
type Analyzer interface {
	Analyze(set *diff.DiffSet) (json.RawMessage, error)
}

// RiskFlag marks a file that deserves reviewer attention.
type RiskFlag struct {
	// Path is the file the flag applies to.
	Path string `json:"path"`

	// Kind classifies the flag: "sensitive", "ci_config", "lockfile",
	// "dotfile", "large_deletion".
	Kind string `json:"kind"`

	// Detail is a short human-readable explanation.
	Detail string `json:"detail"`
}

// Payload is the heuristic briefing shape. Viewers may ignore fields they
// do not understand.
type Payload struct {
	Files     int            `json:"files"`
	Additions int            `json:"additions"`
	Deletions int            `json:"deletions"`
	Languages map[string]int `json:"languages,omitempty"`
	Risks     []RiskFlag     `json:"risks,omitempty"`
}

// sensitivePathTokens flags security-relevant files by substring match.
var sensitivePathTokens = []string{
	"auth", "token", "cert", "secret", "key", "credential", "password", "permission",
}

// ciConfigPaths flags continuous-integration configuration by path prefix
// or basename.
var ciConfigPaths = []string{
	".github/workflows/", ".gitlab-ci", ".circleci/", "Jenkinsfile", ".travis.yml",
}

// lockfileNames are dependency lockfiles; reviewers usually skim rather
// than read them, which makes them a hiding spot.
var lockfileNames = map[string]bool{
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	"Gemfile.lock":      true,
	"Cargo.lock":        true,
	"poetry.lock":       true,
	"composer.lock":     true,
	"go.sum":            true,
}

// largeDeletionThreshold is the per-file deletion count above which a
// mostly-deleted file gets flagged.
const largeDeletionThreshold = 100

// Heuristic is the default Analyzer: pure path and count heuristics, no
// external tooling.
type Heuristic struct{}

// NewHeuristic returns the default analyzer.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Analyze implements Analyzer.
func (h *Heuristic) Analyze(set *diff.DiffSet) (json.RawMessage, error) {
	p := Payload{}
	if set != nil {
		p.Files = len(set.Files)
		p.Additions, p.Deletions = set.Stats()
		p.Languages = languageHistogram(set)
		p.Risks = riskFlags(set)
	}
	return json.Marshal(p)
}

func languageHistogram(set *diff.DiffSet) map[string]int {
	if len(set.Files) == 0 {
		return nil
	}
	hist := make(map[string]int)
	for _, f := range set.Files {
		hist[f.Language]++
	}
	return hist
}

func riskFlags(set *diff.DiffSet) []RiskFlag {
	var flags []RiskFlag
	for _, f := range set.Files {
		flags = append(flags, flagsForFile(f)...)
	}
	// Deterministic order regardless of map iteration upstream.
	sort.SliceStable(flags, func(i, j int) bool {
		if flags[i].Path != flags[j].Path {
			return flags[i].Path < flags[j].Path
		}
		return flags[i].Kind < flags[j].Kind
	})
	return flags
}

func flagsForFile(f diff.DiffFile) []RiskFlag {
	var flags []RiskFlag
	base := filepath.Base(f.Path)

	if isSensitivePath(f.Path) {
		flags = append(flags, RiskFlag{
			Path:   f.Path,
			Kind:   "sensitive",
			Detail: "path suggests credentials or access control",
		})
	}
	if isCIConfig(f.Path) {
		flags = append(flags, RiskFlag{
			Path:   f.Path,
			Kind:   "ci_config",
			Detail: "changes CI configuration",
		})
	}
	if lockfileNames[base] {
		flags = append(flags, RiskFlag{
			Path:   f.Path,
			Kind:   "lockfile",
			Detail: "dependency lockfile changed",
		})
	}
	if strings.HasPrefix(base, ".") && !lockfileNames[base] && !isCIConfig(f.Path) {
		flags = append(flags, RiskFlag{
			Path:   f.Path,
			Kind:   "dotfile",
			Detail: "hidden configuration file changed",
		})
	}
	if f.Deletions >= largeDeletionThreshold && f.Deletions > f.Additions*2 {
		flags = append(flags, RiskFlag{
			Path:   f.Path,
			Kind:   "large_deletion",
			Detail: "removes a large amount of code",
		})
	}
	return flags
}

// isSensitivePath reports whether path contains any sensitive token
// (case-insensitive substring match).
func isSensitivePath(path string) bool {
	lower := strings.ToLower(path)
	for _, tok := range sensitivePathTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

func isCIConfig(path string) bool {
	base := filepath.Base(path)
	for _, p := range ciConfigPaths {
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) || strings.Contains(path, "/"+p) {
				return true
			}
			continue
		}
		if base == p || strings.HasPrefix(base, p) {
			return true
		}
	}
	return false
}

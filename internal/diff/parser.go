package diff

import (
	"regexp"
	"strconv"
	"strings"
)

// Parser turns raw git diff output into a DiffSet.
//
// Parsing is deliberately lenient: it never returns an error. Sections it
// cannot make sense of are skipped, so one malformed file never hides the
// rest of the diff. Empty or whitespace-only input yields an empty set.
type Parser struct{}

// NewParser creates a new diff parser.
func NewParser() *Parser {
	return &Parser{}
}

// fileHeaderRegex matches the diff file boundary like:
// diff --git a/path/to/file b/path/to/file
var fileHeaderRegex = regexp.MustCompile(`^diff --git a/(.+) b/(.+)$`)

// hunkHeaderRegex matches hunk headers like:
// @@ -1,5 +1,7 @@
// @@ -0,0 +1,10 @@ (new file)
// @@ -1 +1 @@ (single-line, counts default to 1)
var hunkHeaderRegex = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// binaryFilesRegex matches the marker git emits instead of hunks for
// binary content, including the surrounding paths.
var binaryFilesRegex = regexp.MustCompile(`^Binary files (.+) and (.+) differ$`)

// nullDevice is the sentinel git uses as the old path of an added file and
// the new path of a deleted one.
const nullDevice = "/dev/null"

// Parse consumes raw unified diff text and returns the structured set.
// Base and head are carried through as labels only; they do not influence
// parsing.
func (p *Parser) Parse(raw, base, head string) *DiffSet {
	set := &DiffSet{Base: base, Head: head, Files: []DiffFile{}}
	if strings.TrimSpace(raw) == "" {
		return set
	}

	lines := strings.Split(raw, "\n")
	// A trailing newline leaves one empty element behind; without this it
	// would be classified as a phantom context line of the last hunk.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	i := 0
	for i < len(lines) {
		matches := fileHeaderRegex.FindStringSubmatch(lines[i])
		if matches == nil {
			// Anything outside a file section is noise (mode lines of a
			// skipped section, stray text) and is dropped.
			i++
			continue
		}
		file, next := p.parseFileSection(lines, i, matches[1], matches[2])
		if file != nil {
			set.Files = append(set.Files, *file)
		}
		i = next
	}
	return set
}

// parseFileSection consumes one file section starting at the boundary line
// and returns the parsed file plus the index of the next unconsumed line.
// A nil file means the section was unparseable and should be skipped.
func (p *Parser) parseFileSection(lines []string, start int, headerOld, headerNew string) (*DiffFile, int) {
	var (
		oldPath    string
		newPath    string
		renameFrom string
		renameTo   string
		binary     bool
	)

	i := start + 1
	for i < len(lines) {
		line := lines[i]
		if isSectionBoundary(line) {
			break
		}
		if hunkHeaderRegex.MatchString(line) {
			break
		}
		switch {
		case strings.HasPrefix(line, "--- "):
			oldPath = strings.TrimPrefix(line, "--- ")
		case strings.HasPrefix(line, "+++ "):
			newPath = strings.TrimPrefix(line, "+++ ")
		case strings.HasPrefix(line, "rename from "):
			renameFrom = strings.TrimPrefix(line, "rename from ")
		case strings.HasPrefix(line, "rename to "):
			renameTo = strings.TrimPrefix(line, "rename to ")
		case strings.HasPrefix(line, "GIT binary patch"):
			binary = true
		default:
			if matches := binaryFilesRegex.FindStringSubmatch(line); matches != nil {
				binary = true
				if oldPath == "" {
					oldPath = matches[1]
				}
				if newPath == "" {
					newPath = matches[2]
				}
			}
			// index, mode and similarity lines carry nothing we need.
		}
		i++
	}

	if oldPath == "" {
		oldPath = "a/" + headerOld
	}
	if newPath == "" {
		newPath = "b/" + headerNew
	}
	oldPath = stripTreePrefix(oldPath)
	newPath = stripTreePrefix(newPath)

	file := &DiffFile{Hunks: []Hunk{}, Binary: binary}
	switch {
	case renameFrom != "" && renameTo != "":
		file.Status = StatusRenamed
		file.Path = renameTo
		file.OldPath = renameFrom
	case oldPath == nullDevice:
		file.Status = StatusAdded
		file.Path = newPath
	case newPath == nullDevice:
		file.Status = StatusDeleted
		file.Path = oldPath
	default:
		file.Status = StatusModified
		file.Path = newPath
	}
	if file.Path == "" || file.Path == nullDevice {
		// No usable path at all; skip the whole section.
		return nil, i
	}
	file.Language = DetectLanguage(file.Path)

	if binary {
		// Binary sections carry no hunks worth walking.
		return file, i
	}

	i = p.parseHunks(lines, i, file)
	return file, i
}

// parseHunks consumes consecutive hunks until the next file boundary and
// returns the index of the next unconsumed line.
func (p *Parser) parseHunks(lines []string, start int, file *DiffFile) int {
	i := start
	for i < len(lines) {
		matches := hunkHeaderRegex.FindStringSubmatch(lines[i])
		if matches == nil {
			return i
		}

		hunk := Hunk{Changes: []Change{}}
		hunk.OldStart, _ = strconv.Atoi(matches[1])
		hunk.OldLines = 1 // default when the count is omitted
		if matches[2] != "" {
			hunk.OldLines, _ = strconv.Atoi(matches[2])
		}
		hunk.NewStart, _ = strconv.Atoi(matches[3])
		hunk.NewLines = 1
		if matches[4] != "" {
			hunk.NewLines, _ = strconv.Atoi(matches[4])
		}

		oldLine := hunk.OldStart
		newLine := hunk.NewStart
		i++
		for i < len(lines) {
			line := lines[i]
			if hunkHeaderRegex.MatchString(line) || isSectionBoundary(line) {
				break
			}
			if strings.HasPrefix(line, `\`) {
				// "\ No newline at end of file" belongs to the preceding
				// line, not the model.
				i++
				continue
			}
			switch {
			case len(line) > 0 && line[0] == '+':
				hunk.Changes = append(hunk.Changes, Change{Kind: ChangeAdd, Line: newLine, Text: line[1:]})
				newLine++
				file.Additions++
			case len(line) > 0 && line[0] == '-':
				hunk.Changes = append(hunk.Changes, Change{Kind: ChangeDelete, Line: oldLine, Text: line[1:]})
				oldLine++
				file.Deletions++
			default:
				text := line
				if len(text) > 0 && text[0] == ' ' {
					text = text[1:]
				}
				hunk.Changes = append(hunk.Changes, Change{Kind: ChangeContext, Line: newLine, Text: text})
				oldLine++
				newLine++
			}
			i++
		}
		file.Hunks = append(file.Hunks, hunk)
	}
	return i
}

// isSectionBoundary reports whether a line opens a new file section. Any
// "diff " line counts, so an unparseable variant (diff --cc and friends)
// ends the current section instead of leaking into its hunk content.
// Content lines always carry a marker character, so this never misfires
// inside a hunk.
func isSectionBoundary(line string) bool {
	return strings.HasPrefix(line, "diff ")
}

// stripTreePrefix removes the a/ or b/ tree prefix git puts in front of
// paths. The null device sentinel passes through untouched.
func stripTreePrefix(p string) string {
	if p == nullDevice {
		return p
	}
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		return p[2:]
	}
	return p
}

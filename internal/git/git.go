// Package git shells out to the git binary for diff text and repository
// metadata. It is the system's only VCS touchpoint; everything downstream
// consumes its raw diff strings and metadata structs and never runs git
// itself.
package git

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/diffdeck/diffdeck/internal/diff"
	apperrors "github.com/diffdeck/diffdeck/internal/errors"
)

// Commit is one entry of the recent-commit listing.
type Commit struct {
	Hash       string `json:"hash"`
	Subject    string `json:"subject"`
	Author     string `json:"author"`
	AuthoredAt int64  `json:"authored_at"`
}

// Acquire returns the raw unified diff for a ref specifier. It satisfies
// diff.AcquireFunc, so a poller can be wired to it directly.
func Acquire(ctx context.Context, ref, dir string) (string, error) {
	return run(ctx, dir, argsForRef(ref)...)
}

// argsForRef maps a ref specifier to git argv. Range specifiers and
// branch/commit names are passed through verbatim.
func argsForRef(ref string) []string {
	switch ref {
	case "", diff.RefWorkingCopy:
		return []string{"diff", "HEAD"}
	case diff.RefStaged:
		return []string{"diff", "--cached"}
	case diff.RefUnstaged:
		return []string{"diff"}
	}
	return []string{"diff", ref}
}

// RepoRoot resolves the top-level directory of the work tree containing dir.
func RepoRoot(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the checked-out branch name, or "HEAD" when the
// repository is in detached-head state or has no commits.
func CurrentBranch(ctx context.Context, dir string) string {
	out, err := run(ctx, dir, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "HEAD"
	}
	return strings.TrimSpace(out)
}

// Branches lists local branch names sorted by refname.
func Branches(ctx context.Context, dir string) ([]string, error) {
	out, err := run(ctx, dir, "for-each-ref", "--sort=refname", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// Commits returns up to limit commits reachable from HEAD, newest first
// along the first-parent chain. An empty repository yields an empty slice.
func Commits(ctx context.Context, dir string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 20
	}

	// NUL-separated format: hash\0subject\0author\0ISO8601-date
	format := "%H%x00%s%x00%aN%x00%aI"
	out, err := run(ctx, dir, "log", "--first-parent",
		fmt.Sprintf("--format=%s", format), fmt.Sprintf("-n%d", limit), "HEAD")
	if err != nil {
		if isMissingHeadRevision(err) {
			return []Commit{}, nil
		}
		return nil, err
	}

	commits := []Commit{}
	for _, line := range splitLines(out) {
		parts := strings.SplitN(line, "\x00", 4)
		if len(parts) != 4 {
			continue
		}
		commits = append(commits, Commit{
			Hash:       parts[0],
			Subject:    parts[1],
			Author:     parts[2],
			AuthoredAt: parseISO8601Millis(parts[3]),
		})
	}
	return commits, nil
}

// Version returns the installed git version line, for diagnostics.
func Version(ctx context.Context) (string, error) {
	out, err := run(ctx, "", "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// run executes one git command and maps failures to coded errors.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", classify(dir, strings.Join(args, " "), stderr.String(), ctx, err)
	}
	return stdout.String(), nil
}

// classify maps a failed git invocation to a coded error. Ordering
// matters: binary-missing and deadline beat stderr sniffing.
func classify(dir, args, stderr string, ctx context.Context, err error) error {
	var pathErr *exec.Error
	if stderrors.As(err, &pathErr) && stderrors.Is(pathErr.Err, exec.ErrNotFound) {
		return apperrors.GitNotFound()
	}

	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodeGitTimeout,
			fmt.Sprintf("git %s timed out", args), err)
	}

	msg := strings.TrimSpace(stderr)
	if strings.Contains(strings.ToLower(msg), "not a git repository") {
		if dir == "" {
			dir = "."
		}
		return apperrors.NotARepository(dir)
	}

	return apperrors.GitCommandFailed(args, msg, err)
}

// isMissingHeadRevision reports whether an error came from HEAD not
// resolving, which is how an empty repository fails.
func isMissingHeadRevision(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "needed a single revision") ||
		strings.Contains(msg, "unknown revision or path not in the working tree") ||
		strings.Contains(msg, "bad revision 'head'") ||
		strings.Contains(msg, "does not have any commits yet")
}

// splitLines splits command output into non-empty lines. Returns an empty
// slice (not nil) for empty output. Handles CRLF endings.
func splitLines(s string) []string {
	s = strings.TrimRight(s, "\r\n")
	if s == "" {
		return []string{}
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}

// parseISO8601Millis parses an ISO 8601 date string to Unix milliseconds.
func parseISO8601Millis(s string) int64 {
	s = strings.TrimSpace(s)
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05-07:00", s)
		if err != nil {
			return 0
		}
	}
	return t.UnixMilli()
}

// Package main provides CLI commands for diffdeck.
// This file implements the `diffdeck doctor` diagnostic command.
//
// The doctor command runs a sequence of preflight checks against the local
// environment and reports actionable remediation guidance for any issues.
// It supports both human-readable (default) and machine-readable (--json)
// output.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/diffdeck/diffdeck/internal/config"
	"github.com/diffdeck/diffdeck/internal/daemon"
	apperrors "github.com/diffdeck/diffdeck/internal/errors"
	"github.com/diffdeck/diffdeck/internal/git"
	"github.com/diffdeck/diffdeck/internal/journal"
)

// DoctorResult is the top-level JSON output for `diffdeck doctor --json`.
type DoctorResult struct {
	// Version is the doctor output schema version. Always "1".
	Version string `json:"version"`

	// Checks is the ordered list of diagnostic checks that were evaluated.
	Checks []DoctorCheck `json:"checks"`

	// Summary contains aggregate pass/warn/fail counts derived from Checks.
	Summary DoctorSummary `json:"summary"`
}

// DoctorCheck is one diagnostic check in the doctor output.
type DoctorCheck struct {
	// ID is a stable, machine-readable identifier for the check (e.g., "git.binary").
	ID string `json:"id"`

	// Status is the check result: "pass", "warn", or "fail".
	Status string `json:"status"`

	// Message is a human-readable summary of what was found.
	Message string `json:"message"`

	// NextAction is a concrete remediation step the operator should take.
	NextAction string `json:"next_action"`
}

// DoctorSummary holds aggregate counts of check outcomes.
type DoctorSummary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Stable check IDs used by the doctor command.
// These are part of the public CLI contract and must not change.
const (
	checkIDGitBinary  = "git.binary"
	checkIDGitRepo    = "git.repository"
	checkIDConfigFile = "config.file"
	checkIDDaemonRec  = "daemon.record"
	checkIDJournal    = "journal.open"
)

// Stable status values for doctor checks.
const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

// Function-variable seams for testability.
// Tests override these to inject deterministic behavior without a real git
// binary or a running daemon.
var (
	// doctorLookPath locates the git binary on PATH.
	doctorLookPath = exec.LookPath

	// doctorGitVersion reports the git version string.
	doctorGitVersion = git.Version

	// doctorRepoRoot resolves the repository root for a directory.
	doctorRepoRoot = git.RepoRoot

	// doctorAlive probes a discovery record for liveness.
	doctorAlive = daemon.Alive
)

// runDoctor implements the `diffdeck doctor` CLI command.
// It evaluates preflight checks and reports results to stdout (human or
// JSON). Returns 0 when no checks fail, 1 when any check fails or an
// internal error occurs.
func runDoctor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var jsonMode bool
	var dir string
	var configPath string

	fs.BoolVar(&jsonMode, "json", false, "Emit machine-readable JSON to stdout")
	fs.StringVar(&dir, "dir", "", "Repository directory to check (default: current directory)")
	fs.StringVar(&configPath, "config", "", "Config file path (default: ~/.diffdeck/config.toml)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: diffdeck doctor [options]\n\nDiagnose the local diffdeck environment.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if dir == "" {
		var err error
		if dir, err = os.Getwd(); err != nil {
			fmt.Fprintf(stderr, "Error: failed to get current directory: %v\n", err)
			return 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Evaluate checks in deterministic order.
	checks := make([]DoctorCheck, 0, 5)
	checks = append(checks, evalGitBinary(ctx))
	checks = append(checks, evalGitRepository(ctx, dir))
	checks = append(checks, evalConfigFile(configPath))
	checks = append(checks, evalDaemonRecord())
	checks = append(checks, evalJournal(configPath))

	// Compute summary from check results.
	summary := DoctorSummary{}
	for _, c := range checks {
		switch c.Status {
		case statusPass:
			summary.Pass++
		case statusWarn:
			summary.Warn++
		case statusFail:
			summary.Fail++
		}
	}

	result := DoctorResult{
		Version: "1",
		Checks:  checks,
		Summary: summary,
	}

	if jsonMode {
		if err := renderDoctorJSON(stdout, result); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		renderDoctorHuman(stdout, result)
	}

	// Exit code: 0 when no failures, 1 when any failure.
	if summary.Fail > 0 {
		return 1
	}
	return 0
}

// evalGitBinary evaluates the git.binary check.
// Decision table:
//   - git not on PATH -> fail
//   - git on PATH but --version fails -> fail
//   - otherwise -> pass with the version string
func evalGitBinary(ctx context.Context) DoctorCheck {
	check := DoctorCheck{ID: checkIDGitBinary}

	path, err := doctorLookPath("git")
	if err != nil {
		check.Status = statusFail
		check.Message = "git was not found on PATH."
		check.NextAction = "Install git and make sure it is on PATH."
		return check
	}

	version, err := doctorGitVersion(ctx)
	if err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("git at %s failed to run: %v", path, err)
		check.NextAction = "Reinstall git or fix the binary at the reported path."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("%s at %s.", version, path)
	check.NextAction = "No action required."
	return check
}

// evalGitRepository evaluates the git.repository check.
// Not being inside a repository is a warning, not a failure: sessions can
// name any directory with --dir.
func evalGitRepository(ctx context.Context, dir string) DoctorCheck {
	check := DoctorCheck{ID: checkIDGitRepo}

	root, err := doctorRepoRoot(ctx, dir)
	if err != nil {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("%s is not inside a git repository.", dir)
		check.NextAction = "Run diffdeck from inside a repository, or pass --dir on review/watch."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("Repository root: %s.", root)
	check.NextAction = "No action required."
	return check
}

// evalConfigFile evaluates the config.file check.
// A missing default config is fine (defaults apply); a file that exists
// but does not parse or validate is a failure.
func evalConfigFile(configPath string) DoctorCheck {
	check := DoctorCheck{ID: checkIDConfigFile}

	cfg, err := config.Load(configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Config error: %v", err)
		check.NextAction = "Fix the config file, or delete it and rerun `diffdeck config init`."
		return check
	}

	check.Status = statusPass
	check.Message = "Config loaded."
	check.NextAction = "No action required."
	return check
}

// evalDaemonRecord evaluates the daemon.record check.
// Decision table:
//   - no record -> warn (the daemon starts on demand)
//   - record unreadable or out of range -> fail
//   - record live -> pass
//   - record stale -> delete it, warn
func evalDaemonRecord() DoctorCheck {
	check := DoctorCheck{ID: checkIDDaemonRec}

	recordPath, err := daemon.RecordPath(daemon.ServerRecordName)
	if err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Cannot resolve the discovery record path: %v", err)
		check.NextAction = "Fix the home directory environment and rerun doctor."
		return check
	}

	rec, err := daemon.ReadRecord(recordPath)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeDaemonNotRunning) {
			check.Status = statusWarn
			check.Message = "No daemon record; the daemon starts on demand."
			check.NextAction = "Nothing to do, or run `diffdeck serve` to start it now."
			return check
		}
		check.Status = statusFail
		check.Message = fmt.Sprintf("Discovery record error: %v", err)
		check.NextAction = fmt.Sprintf("Delete %s and rerun doctor.", recordPath)
		return check
	}

	if doctorAlive(rec) {
		check.Status = statusPass
		check.Message = fmt.Sprintf("Daemon is running at %s (pid %d).", rec.URL(), rec.PID)
		check.NextAction = "No action required."
		return check
	}

	if err := daemon.RemoveRecord(recordPath); err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Stale record at %s could not be removed: %v", recordPath, err)
		check.NextAction = fmt.Sprintf("Delete %s by hand.", recordPath)
		return check
	}

	check.Status = statusWarn
	check.Message = fmt.Sprintf("Removed a stale record for pid %d.", rec.PID)
	check.NextAction = "Nothing to do; the next review starts a fresh daemon."
	return check
}

// evalJournal evaluates the journal.open check.
func evalJournal(configPath string) DoctorCheck {
	check := DoctorCheck{ID: checkIDJournal}

	cfg, err := config.Load(configPath)
	if err != nil {
		// The config.file check already reports the parse failure.
		check.Status = statusWarn
		check.Message = "Journal check skipped: config did not load."
		check.NextAction = "Fix the config file first."
		return check
	}

	if !cfg.JournalEnabled {
		check.Status = statusPass
		check.Message = "Journaling is disabled."
		check.NextAction = "No action required."
		return check
	}

	jnl, err := journal.Open(cfg.JournalDBPath())
	if err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Journal error: %v", err)
		check.NextAction = fmt.Sprintf("Check permissions on %s, or disable journaling in the config.", cfg.JournalDBPath())
		return check
	}
	jnl.Close()

	check.Status = statusPass
	check.Message = fmt.Sprintf("Journal opens at %s.", cfg.JournalDBPath())
	check.NextAction = "No action required."
	return check
}

// renderDoctorJSON writes the doctor result as JSON to stdout.
// Only valid JSON is written to stdout; no extra lines.
func renderDoctorJSON(w io.Writer, result DoctorResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// renderDoctorHuman writes the doctor result in human-readable format.
func renderDoctorHuman(w io.Writer, result DoctorResult) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Diffdeck Doctor")
	fmt.Fprintln(w, "===============")
	fmt.Fprintln(w, "")

	for _, c := range result.Checks {
		icon := statusIcon(c.Status)
		fmt.Fprintf(w, "  %s %s: %s\n", icon, c.ID, c.Message)
		if c.Status != statusPass {
			fmt.Fprintf(w, "    -> %s\n", c.NextAction)
		}
	}

	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Summary: %d passed, %d warnings, %d failures\n",
		result.Summary.Pass, result.Summary.Warn, result.Summary.Fail)
	fmt.Fprintln(w, "")
}

// statusIcon returns a text marker for the check status.
func statusIcon(status string) string {
	switch status {
	case statusPass:
		return "[PASS]"
	case statusWarn:
		return "[WARN]"
	case statusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

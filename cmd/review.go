// Package main provides CLI commands for diffdeck.
// This file implements the `diffdeck review` command: create a session
// on the daemon (spawning one if needed), hand the viewer URL to the
// human, and block until they return a verdict.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/diffdeck/diffdeck/internal/config"
	apperrors "github.com/diffdeck/diffdeck/internal/errors"
	"github.com/diffdeck/diffdeck/internal/server"
	"github.com/diffdeck/diffdeck/internal/session"
)

// resultPollInterval is how often the verdict endpoint is polled while
// waiting.
const resultPollInterval = 500 * time.Millisecond

// Exit codes for review outcomes. Scripts and agent harnesses branch on
// these, so they are part of the CLI contract.
const (
	exitApproved         = 0
	exitError            = 1
	exitChangesRequested = 2
	exitDismissed        = 3
)

// reviewOutput is the --json output shape for a completed review.
type reviewOutput struct {
	SessionID string          `json:"session_id"`
	URL       string          `json:"url"`
	Status    session.Status  `json:"status,omitempty"`
	Result    *session.Result `json:"result,omitempty"`
	Error     *session.Fault  `json:"error,omitempty"`
}

func runReview(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("review", flag.ContinueOnError)
	fs.SetOutput(stderr)

	ref := fs.String("ref", "", "Ref to compare (default: working copy)")
	dir := fs.String("dir", "", "Repository directory (default: current directory)")
	pr := fs.String("pr", "", "Review a GitHub pull request (owner/repo#123 or URL)")
	title := fs.String("title", "", "Session title shown in the viewer")
	noWait := fs.Bool("no-wait", false, "Create the session and exit without waiting for a verdict")
	timeout := fs.Duration("timeout", 0, "How long to wait for a verdict (default: verdict_timeout_ms from config)")
	qr := fs.Bool("qr", false, "Display the viewer URL as a QR code")
	jsonMode := fs.Bool("json", false, "Emit machine-readable JSON to stdout")
	addr := fs.String("addr", "", "Server address override (skips daemon discovery)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, `Usage: diffdeck review [options]

Create a review session for local changes or a pull request, print the
viewer URL, and wait for the reviewer's verdict.

Exit codes: 0 approved, 2 changes requested, 3 dismissed, 1 error.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return exitError
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	waitBound := *timeout
	if waitBound <= 0 {
		waitBound = cfg.VerdictTimeout()
	}

	req := server.CreateSessionRequest{Ref: *ref, PR: *pr, Title: *title}
	if *pr == "" {
		// The daemon's working directory is not ours; always send an
		// absolute path.
		workDir := *dir
		if workDir == "" {
			workDir, err = os.Getwd()
			if err != nil {
				fmt.Fprintf(stderr, "Error: failed to get current directory: %v\n", err)
				return exitError
			}
		}
		if req.Dir, err = filepath.Abs(workDir); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
	}

	ctx := context.Background()
	baseURL, err := resolveBaseURL(ctx, *addr, true, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	var created server.SessionCreateResponse
	if err := postJSON(baseURL, "/api/sessions", req, &created); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	if *noWait {
		if *jsonMode {
			writeJSONOutput(stdout, reviewOutput{SessionID: created.SessionID, URL: created.URL})
		} else {
			fmt.Fprintf(stdout, "Session %s created.\n", created.SessionID)
			fmt.Fprintf(stdout, "Review at: %s\n", created.URL)
			if *qr {
				displayQR(stdout, created.URL)
			}
		}
		return exitApproved
	}

	if !*jsonMode {
		fmt.Fprintf(stdout, "Review at: %s\n", created.URL)
		if *qr {
			displayQR(stdout, created.URL)
		}
		fmt.Fprintln(stdout, "Waiting for verdict...")
	}

	res, err := pollResult(baseURL, created.SessionID, waitBound)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	out := reviewOutput{
		SessionID: created.SessionID,
		URL:       created.URL,
		Status:    res.Status,
		Result:    res.Result,
		Error:     res.Error,
	}

	if *jsonMode {
		writeJSONOutput(stdout, out)
	} else {
		renderResult(stdout, res)
	}

	if res.Error != nil {
		return exitError
	}
	return exitCodeForDecision(res.Result)
}

// pollResult polls the result endpoint until the session reaches a
// terminal state or the wait bound passes.
func pollResult(baseURL, sessionID string, bound time.Duration) (*server.SessionResultResponse, error) {
	deadline := time.Now().Add(bound)
	for {
		var res server.SessionResultResponse
		if err := getJSON(baseURL, "/api/sessions/"+sessionID+"/result", &res); err != nil {
			return nil, err
		}
		if res.Status == session.StatusCompleted || res.Error != nil {
			return &res, nil
		}
		if time.Now().After(deadline) {
			return nil, apperrors.VerdictTimeout(bound)
		}
		time.Sleep(resultPollInterval)
	}
}

func renderResult(w io.Writer, res *server.SessionResultResponse) {
	if res.Error != nil {
		fmt.Fprintf(w, "Review failed: %s (%s)\n", res.Error.Message, res.Error.Code)
		return
	}
	if res.Result == nil {
		fmt.Fprintln(w, "No verdict recorded.")
		return
	}

	fmt.Fprintf(w, "\nVerdict: %s\n", res.Result.Decision)
	if res.Result.Summary != "" {
		fmt.Fprintf(w, "Summary: %s\n", res.Result.Summary)
	}
	if len(res.Result.Comments) > 0 {
		fmt.Fprintf(w, "Comments (%d):\n", len(res.Result.Comments))
		for _, c := range res.Result.Comments {
			sev := c.Severity
			if sev == "" {
				sev = "note"
			}
			fmt.Fprintf(w, "  %s:%d [%s] %s\n", c.File, c.Line, sev, c.Body)
		}
	}
}

// exitCodeForDecision maps a verdict to the documented exit code.
// Approval with comments still counts as approval.
func exitCodeForDecision(res *session.Result) int {
	if res == nil {
		return exitError
	}
	switch res.Decision {
	case session.DecisionApproved, session.DecisionApprovedWithComments:
		return exitApproved
	case session.DecisionChangesRequested:
		return exitChangesRequested
	case session.DecisionDismissed:
		return exitDismissed
	default:
		return exitError
	}
}

func writeJSONOutput(w io.Writer, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

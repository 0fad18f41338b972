// Package main provides CLI commands for diffdeck.
// This file implements the `diffdeck sessions` command: list the review
// sessions held by the running daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	apperrors "github.com/diffdeck/diffdeck/internal/errors"
	"github.com/diffdeck/diffdeck/internal/server"
)

func formatAge(d time.Duration) string {
	if d < 0 {
		return "in the future"
	}
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

func runSessions(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	fs.SetOutput(stderr)

	jsonOutput := fs.Bool("json", false, "Output as JSON")
	addr := fs.String("addr", "", "Server address host:port (default: from the discovery record)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: diffdeck sessions [options]\n\nList review sessions on the running daemon.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	ctx := context.Background()
	baseURL, err := resolveBaseURL(ctx, *addr, false, stdout)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeDaemonNotRunning) {
			fmt.Fprintln(stdout, "No diffdeck daemon is running.")
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var list server.SessionListResponse
	if err := getJSON(baseURL, "/api/sessions", &list); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		writeJSONOutput(stdout, list)
		return 0
	}

	if len(list.Sessions) == 0 {
		fmt.Fprintln(stdout, "No active sessions.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tFILES\tCHANGES\tBRANCH\tTITLE\tCREATED")
	fmt.Fprintln(w, "--\t------\t-----\t-------\t------\t-----\t-------")

	now := time.Now()
	for _, s := range list.Sessions {
		title := s.Title
		if title == "" {
			title = "-"
		}
		branch := s.Branch
		if branch == "" {
			branch = "-"
		}
		status := string(s.Status)
		if s.Decision != "" {
			status = fmt.Sprintf("%s (%s)", s.Status, s.Decision)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t+%d/-%d\t%s\t%s\t%s\n",
			s.ID,
			status,
			s.Files,
			s.Additions,
			s.Deletions,
			branch,
			title,
			formatAge(now.Sub(s.CreatedAt)),
		)
	}
	w.Flush()

	return 0
}

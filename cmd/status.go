// Package main provides CLI commands for diffdeck.
// This file implements the `diffdeck status` command: show what the
// running daemon is doing, plus recent journal activity when available.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/diffdeck/diffdeck/internal/config"
	apperrors "github.com/diffdeck/diffdeck/internal/errors"
	"github.com/diffdeck/diffdeck/internal/journal"
	"github.com/diffdeck/diffdeck/internal/mdns"
	"github.com/diffdeck/diffdeck/internal/server"
)

// recentEventCount is how many journal events the status output shows.
const recentEventCount = 5

// lanBrowseWindow bounds the mDNS browse; DNS-SD answers arrive within
// the first second on a quiet network.
const lanBrowseWindow = 1500 * time.Millisecond

// statusOutput is the --json shape for `diffdeck status`.
type statusOutput struct {
	Running bool                    `json:"running"`
	Server  *server.StatusResponse  `json:"server,omitempty"`
	Recent  []journal.Event         `json:"recent_events,omitempty"`
	LAN     []mdns.DiscoveredServer `json:"lan_servers,omitempty"`
}

// formatUptime formats an uptime in seconds as a human-readable string.
// Examples: "45s", "5m 23s", "2h 15m", "3d 4h"
func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", seconds)
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	jsonOutput := fs.Bool("json", false, "Output as JSON")
	addr := fs.String("addr", "", "Server address host:port (default: from the discovery record)")
	lan := fs.Bool("lan", false, "Browse the local network for advertised servers")
	configPath := fs.String("config", "", "Config file path (default: ~/.diffdeck/config.toml)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: diffdeck status [options]\n\nShow the current status of the diffdeck daemon.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	ctx := context.Background()
	out := statusOutput{}

	baseURL, err := resolveBaseURL(ctx, *addr, false, stdout)
	switch {
	case err == nil:
		var st server.StatusResponse
		if err := getJSON(baseURL, "/status", &st); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		out.Running = true
		out.Server = &st
	case apperrors.IsCode(err, apperrors.CodeDaemonNotRunning):
		out.Running = false
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	out.Recent = recentJournalEvents(*configPath)
	if *lan {
		out.LAN = browseLAN(ctx)
	}

	if *jsonOutput {
		writeJSONOutput(stdout, out)
		return 0
	}

	if !out.Running {
		fmt.Fprintln(stdout, "diffdeck daemon is not running.")
	} else {
		st := out.Server
		fmt.Fprintf(stdout, "Daemon Status\n")
		fmt.Fprintf(stdout, "=============\n")
		fmt.Fprintf(stdout, "Listening:  %s\n", st.ListeningAddress)
		fmt.Fprintf(stdout, "PID:        %d\n", st.PID)
		fmt.Fprintf(stdout, "Uptime:     %s\n", formatUptime(st.UptimeSeconds))
		fmt.Fprintf(stdout, "Viewers:    %d\n", st.ConnectedClients)
		fmt.Fprintf(stdout, "Sessions:   %d\n", st.SessionCount)
		for _, s := range st.Sessions {
			label := s.Title
			if label == "" {
				label = s.Dir
			}
			fmt.Fprintf(stdout, "  %s  %s  %s\n", s.ID, s.Status, label)
		}
	}

	if *lan {
		fmt.Fprintf(stdout, "\nLAN Servers\n")
		fmt.Fprintf(stdout, "-----------\n")
		if len(out.LAN) == 0 {
			fmt.Fprintln(stdout, "none found")
		}
		for _, srv := range out.LAN {
			url := srv.URL
			if url == "" {
				url = fmt.Sprintf("http://%s:%d/", srv.Host, srv.Port)
			}
			fmt.Fprintf(stdout, "%s  %s\n", srv.Name, url)
		}
	}

	if len(out.Recent) > 0 {
		fmt.Fprintf(stdout, "\nRecent Activity\n")
		fmt.Fprintf(stdout, "---------------\n")
		for _, ev := range out.Recent {
			line := ev.Kind
			if ev.SessionID != "" {
				line += " " + ev.SessionID
			}
			if ev.Detail != "" {
				line += " (" + ev.Detail + ")"
			}
			fmt.Fprintf(stdout, "%s  %s\n", ev.At.Local().Format("2006-01-02 15:04:05"), line)
		}
	}

	return 0
}

// browseLAN collects advertised servers, tolerating a missing or
// disabled mDNS stack.
func browseLAN(ctx context.Context) []mdns.DiscoveredServer {
	bctx, cancel := context.WithTimeout(ctx, lanBrowseWindow)
	defer cancel()
	servers, err := mdns.Discover(bctx)
	if err != nil {
		return nil
	}
	return servers
}

// recentJournalEvents reads the tail of the journal for status display.
// Any failure quietly yields no events; the journal is best-effort here.
func recentJournalEvents(configPath string) []journal.Event {
	cfg, err := config.Load(configPath)
	if err != nil || !cfg.JournalEnabled {
		return nil
	}
	jnl, err := journal.Open(cfg.JournalDBPath())
	if err != nil {
		return nil
	}
	defer jnl.Close()
	events, err := jnl.Recent(recentEventCount)
	if err != nil {
		return nil
	}
	return events
}

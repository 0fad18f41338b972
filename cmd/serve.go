// Package main provides CLI commands for diffdeck.
// This file implements the `diffdeck serve` command: run the review
// server in the foreground. It is also the spawn target of the daemon
// lifecycle manager, which sets the child marker environment variable.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/diffdeck/diffdeck/internal/briefing"
	"github.com/diffdeck/diffdeck/internal/config"
	"github.com/diffdeck/diffdeck/internal/daemon"
	"github.com/diffdeck/diffdeck/internal/github"
	"github.com/diffdeck/diffdeck/internal/journal"
	"github.com/diffdeck/diffdeck/internal/mdns"
	"github.com/diffdeck/diffdeck/internal/server"
	"github.com/diffdeck/diffdeck/internal/session"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addrFlag := fs.String("addr", "", "Bind interface (default: addr from config, 127.0.0.1)")
	portFlag := fs.Int("port", 0, "Listen port (0 picks a free port)")
	dirFlag := fs.String("dir", "", "Default repository directory for sessions")
	configPath := fs.String("config", "", "Config file path (default: ~/.diffdeck/config.toml)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: diffdeck serve [options]\n\nRun the review server in the foreground.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	// Track explicitly set flags so they override file values even when
	// set to a zero value.
	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	bindAddr := cfg.Addr
	if explicitFlags["addr"] {
		bindAddr = *addrFlag
	}
	if bindAddr == "" {
		bindAddr = config.DefaultAddr
	}
	port := cfg.Port
	if explicitFlags["port"] {
		port = *portFlag
	}

	// Spawned children already have stdio pointed at the log file; route
	// the standard logger the same way so nothing lands on a terminal.
	isChild := os.Getenv(daemon.ChildMarkerEnv) != ""
	if isChild {
		log.SetOutput(stderr)
	}

	recordPath, err := daemon.RecordPath(daemon.ServerRecordName)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// Sibling detection: two racing EnsureServer callers may both spawn.
	// The record race is resolved here - whoever finds a live sibling
	// exits quietly.
	if rec, err := daemon.Discover(recordPath); err == nil {
		fmt.Fprintf(stdout, "diffdeck daemon already running at %s (pid %d)\n", rec.URL(), rec.PID)
		return 0
	}

	dir := *dirFlag
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			fmt.Fprintf(stderr, "Error: failed to get current directory: %v\n", err)
			return 1
		}
	}
	if dir, err = filepath.Abs(dir); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var jnl *journal.Journal
	var eventJournal server.EventJournal
	if cfg.JournalEnabled {
		jnl, err = journal.Open(cfg.JournalDBPath())
		if err != nil {
			// A broken journal never blocks reviewing.
			log.Printf("serve: journal unavailable: %v", err)
		} else {
			defer jnl.Close()
			eventJournal = jnl
		}
	}

	var prs server.PRSource
	if cfg.GithubAPIURL != "" {
		prs = github.NewClient(os.Getenv("GITHUB_TOKEN"), cfg.GithubAPIURL)
	}

	s := server.NewServer(session.NewRegistry(), server.Options{
		Addr:           net.JoinHostPort(bindAddr, strconv.Itoa(port)),
		Dir:            dir,
		PollInterval:   cfg.PollInterval(),
		GracePeriod:    cfg.GracePeriod(),
		VerdictTimeout: cfg.VerdictTimeout(),
		Analyzer:       briefing.NewHeuristic(),
		PRs:            prs,
		Journal:        eventJournal,
	})

	if err := <-s.StartAsync(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	rec := daemon.Record{
		Port:      s.Port(),
		PID:       os.Getpid(),
		Dir:       dir,
		StartedAt: time.Now(),
	}
	if err := daemon.WriteRecord(recordPath, rec); err != nil {
		// Undiscoverable servers help nobody; bail out.
		fmt.Fprintf(stderr, "Error: %v\n", err)
		s.Stop()
		return 1
	}

	if jnl != nil {
		jnl.Record("daemon_started", "", dir, s.Addr())
	}

	var adv *mdns.Advertiser
	if cfg.MdnsEnabled {
		adv = mdns.NewAdvertiser(mdns.Config{Port: s.Port(), URL: s.URL() + "/"})
		if err := adv.Start(); err != nil {
			log.Printf("serve: mdns advertisement failed: %v", err)
		}
	}

	log.Printf("serve: listening at %s", s.URL())
	if !isChild {
		fmt.Fprintf(stdout, "diffdeck daemon listening at %s\n", s.URL())
		fmt.Fprintln(stdout, "Press Ctrl+C to stop.")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigCh
	log.Printf("serve: received %v, shutting down", sig)

	if adv != nil {
		adv.Stop()
	}
	if err := daemon.RemoveRecord(recordPath); err != nil {
		log.Printf("serve: %v", err)
	}
	if jnl != nil {
		jnl.Record("daemon_stopped", "", dir, sig.String())
	}
	s.Stop()
	return 0
}

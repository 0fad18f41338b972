// Package main provides CLI commands for diffdeck.
// This file implements the `diffdeck watch` command: a persistent live
// session against a ref, with its own discovery record so other commands
// and LAN viewers can find it. Foreground by default; --daemon detaches.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/diffdeck/diffdeck/internal/briefing"
	"github.com/diffdeck/diffdeck/internal/config"
	"github.com/diffdeck/diffdeck/internal/daemon"
	"github.com/diffdeck/diffdeck/internal/diff"
	"github.com/diffdeck/diffdeck/internal/journal"
	"github.com/diffdeck/diffdeck/internal/server"
	"github.com/diffdeck/diffdeck/internal/session"
)

func runWatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)

	ref := fs.String("ref", "", "Diff ref to watch (default: the working copy)")
	dirFlag := fs.String("dir", "", "Repository directory (default: current directory)")
	interval := fs.Duration("interval", 0, "Poll interval (default: poll_ms from config)")
	title := fs.String("title", "", "Session title shown in the viewer")
	daemonize := fs.Bool("daemon", false, "Detach and keep watching in the background")
	useQR := fs.Bool("qr", false, "Print a QR code for the viewer URL")
	configPath := fs.String("config", "", "Config file path (default: ~/.diffdeck/config.toml)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, `Usage: diffdeck watch [options]

Keep a live review session open against a ref. The session follows the
repository as it changes; connected viewers see updates as they land.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
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

	watchRef := *ref
	if watchRef == "" {
		watchRef = diff.RefWorkingCopy
	}

	recordPath, err := daemon.RecordPath(daemon.WatchRecordName)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *daemonize {
		return spawnWatchDaemon(recordPath, watchRef, dir, *interval, *title, *useQR, stdout, stderr)
	}

	isChild := os.Getenv(daemon.ChildMarkerEnv) != ""
	if isChild {
		log.SetOutput(stderr)
	}

	if rec, err := daemon.Discover(recordPath); err == nil {
		fmt.Fprintf(stdout, "diffdeck watch already running at %s (pid %d, ref %s)\n", rec.URL(), rec.PID, rec.Ref)
		return 0
	}

	pollInterval := cfg.PollInterval()
	if *interval > 0 {
		pollInterval = *interval
	}

	var jnl *journal.Journal
	var eventJournal server.EventJournal
	if cfg.JournalEnabled {
		jnl, err = journal.Open(cfg.JournalDBPath())
		if err != nil {
			log.Printf("watch: journal unavailable: %v", err)
		} else {
			defer jnl.Close()
			eventJournal = jnl
		}
	}

	bindAddr := cfg.Addr
	if bindAddr == "" {
		bindAddr = config.DefaultAddr
	}

	// A watch session always runs on its own port so it never races the
	// shared serve daemon for the configured one.
	s := server.NewServer(session.NewRegistry(), server.Options{
		Addr:           net.JoinHostPort(bindAddr, "0"),
		Dir:            dir,
		PollInterval:   pollInterval,
		GracePeriod:    cfg.GracePeriod(),
		VerdictTimeout: cfg.VerdictTimeout(),
		Analyzer:       briefing.NewHeuristic(),
		Journal:        eventJournal,
	})
	if err := <-s.StartAsync(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	sess, err := s.CreateSession(context.Background(), server.CreateSessionRequest{
		Ref:   *ref,
		Dir:   dir,
		Title: *title,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		s.Stop()
		return 1
	}

	// Record goes live only after the session exists, so anyone who
	// discovers the record finds a populated session list.
	rec := daemon.Record{
		Port:      s.Port(),
		PID:       os.Getpid(),
		Dir:       dir,
		Ref:       watchRef,
		StartedAt: time.Now(),
	}
	if err := daemon.WriteRecord(recordPath, rec); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		s.Stop()
		return 1
	}

	if jnl != nil {
		jnl.Record("watch_started", sess.ID, dir, watchRef)
	}

	viewerURL := s.ViewerURL(sess.ID)
	log.Printf("watch: session %s at %s", sess.ID, viewerURL)
	if !isChild {
		fmt.Fprintf(stdout, "Watching %s (%s)\n", dir, watchRef)
		fmt.Fprintf(stdout, "Review at: %s\n", viewerURL)
		if *useQR {
			displayQR(stdout, viewerURL)
		}
		fmt.Fprintln(stdout, "Press Ctrl+C to stop.")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigCh
	log.Printf("watch: received %v, shutting down", sig)

	if err := daemon.RemoveRecord(recordPath); err != nil {
		log.Printf("watch: %v", err)
	}
	if jnl != nil {
		jnl.Record("watch_stopped", sess.ID, dir, sig.String())
	}
	s.Stop()
	return 0
}

// spawnWatchDaemon detaches a watch child and reports its viewer URL once
// the child's record shows up live.
func spawnWatchDaemon(recordPath, ref, dir string, interval time.Duration, title string, useQR bool, stdout, stderr io.Writer) int {
	cfgDir, err := config.Dir()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logPath := filepath.Join(cfgDir, "watch.log")

	argv := []string{"watch", "--ref", ref, "--dir", dir}
	if interval > 0 {
		argv = append(argv, "--interval", interval.String())
	}
	if title != "" {
		argv = append(argv, "--title", title)
	}

	ctx := context.Background()
	info, err := daemon.EnsureServer(ctx, daemon.EnsureOptions{
		RecordPath: recordPath,
		LogPath:    logPath,
		Spawn: func(lp string) (int, error) {
			return daemon.Spawn(lp, argv...)
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if info.Spawned {
		fmt.Fprintf(stdout, "Started diffdeck watch daemon (pid %d)\n", info.PID)
	} else {
		fmt.Fprintf(stdout, "diffdeck watch already running (pid %d)\n", info.PID)
	}

	// The child creates its session before publishing the record, so the
	// list is already populated by the time we get here.
	viewerURL := info.URL + "/"
	var list server.SessionListResponse
	if err := getJSON(info.URL, "/api/sessions", &list); err == nil && len(list.Sessions) > 0 {
		viewerURL = info.URL + "/?session=" + list.Sessions[len(list.Sessions)-1].ID
	}
	fmt.Fprintf(stdout, "Review at: %s\n", viewerURL)
	if useQR {
		displayQR(stdout, viewerURL)
	}
	return 0
}

// Package main provides CLI commands for diffdeck.
// This file implements the `diffdeck stop` command.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/diffdeck/diffdeck/internal/daemon"
	apperrors "github.com/diffdeck/diffdeck/internal/errors"
)

func runStop(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	fs.SetOutput(stderr)

	watch := fs.Bool("watch", false, "Stop the watch daemon instead of the review server")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: diffdeck stop [options]\n\nStop the diffdeck daemon. Stopping an already-stopped daemon succeeds.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	name := daemon.ServerRecordName
	label := "daemon"
	if *watch {
		name = daemon.WatchRecordName
		label = "watch daemon"
	}

	recordPath, err := daemon.RecordPath(name)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := daemon.StopServer(recordPath); err != nil {
		if apperrors.IsCode(err, apperrors.CodeDaemonNotRunning) {
			fmt.Fprintf(stdout, "No diffdeck %s is running.\n", label)
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Stopped diffdeck %s.\n", label)
	return 0
}

// Package main provides CLI commands for diffdeck.
// This file implements the `diffdeck config` subcommands.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/diffdeck/diffdeck/internal/config"
)

// runConfig handles the "diffdeck config" subcommand.
// It routes to the appropriate subcommand (init, show).
func runConfig(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stdout, "Usage: diffdeck config <command>")
		fmt.Fprintln(stdout, "")
		fmt.Fprintln(stdout, "Commands:")
		fmt.Fprintln(stdout, "  init    Write the default config file")
		fmt.Fprintln(stdout, "  show    Print the effective configuration")
		return 1
	}

	switch args[0] {
	case "init":
		return runConfigInit(args[1:], stdout, stderr)
	case "show":
		return runConfigShow(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stdout, "Unknown config command: %s\n", args[0])
		return 1
	}
}

// runConfigInit writes the default config file. An existing file is left
// untouched.
func runConfigInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config init", flag.ContinueOnError)
	fs.SetOutput(stderr)

	path := fs.String("path", "", "Where to write the config file (default: ~/.diffdeck/config.toml)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: diffdeck config init [options]\n\nWrite a commented default config file.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	target := *path
	if target == "" {
		var err error
		target, err = config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	if _, err := os.Stat(target); err == nil {
		fmt.Fprintf(stdout, "Config file already exists at %s; leaving it alone.\n", target)
		return 0
	}

	if err := config.WriteDefault(target); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Wrote default config to %s\n", target)
	return 0
}

// runConfigShow prints the effective configuration after file loading and
// defaulting, as JSON.
func runConfigShow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Config file path (default: ~/.diffdeck/config.toml)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: diffdeck config show [options]\n\nPrint the effective configuration.\n\nOptions:\n")
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

	if err := toml.NewEncoder(stdout).Encode(cfg); err != nil {
		fmt.Fprintf(stderr, "Error: failed to encode config: %v\n", err)
		return 1
	}
	return 0
}

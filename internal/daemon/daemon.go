// Package daemon manages the lifecycle of the background review server.
// This file implements liveness probing, EnsureServer, and StopServer.
package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/diffdeck/diffdeck/internal/config"
	apperrors "github.com/diffdeck/diffdeck/internal/errors"
)

// ChildMarkerEnv marks a process as a spawned daemon child. The serve
// command redirects its logging when it sees this set.
const ChildMarkerEnv = "DIFFDECK_DAEMON_CHILD"

// probeTimeout bounds the HTTP liveness ping.
const probeTimeout = 1 * time.Second

// pollInterval is how often EnsureServer re-checks the record while
// waiting for a spawned child to come up.
const pollInterval = 100 * time.Millisecond

// DefaultStartTimeout is how long EnsureServer waits for a spawned
// child before failing.
const DefaultStartTimeout = 15 * time.Second

// ServerInfo describes a live server found or started by EnsureServer.
type ServerInfo struct {
	// Port is the server's loopback port.
	Port int

	// PID is the server process.
	PID int

	// URL is the HTTP base URL.
	URL string

	// Spawned reports whether this call started the server, as opposed
	// to finding one already running.
	Spawned bool
}

// SpawnFunc starts a detached server process logging to logPath and
// returns its PID. Injected so tests can fake the child.
type SpawnFunc func(logPath string) (int, error)

// EnsureOptions configures EnsureServer. Zero values select defaults.
type EnsureOptions struct {
	// RecordPath is the discovery record to probe and wait on.
	// Default: the global server record under the config dir.
	RecordPath string

	// LogPath is where a spawned child's output goes.
	// Default: ~/.diffdeck/daemon.log.
	LogPath string

	// Timeout bounds the wait for a spawned child. Default 15s.
	Timeout time.Duration

	// Spawn launches the child. Default: re-invoke this executable
	// with the serve subcommand, fully detached.
	Spawn SpawnFunc
}

// Alive reports whether the recorded server is actually running: the
// PID must exist and the health endpoint must answer. A dead PID or an
// unresponsive port means the record is stale.
func Alive(rec *Record) bool {
	if rec == nil || !pidAlive(rec.PID) {
		return false
	}
	return httpAlive(rec.URL())
}

func httpAlive(baseURL string) bool {
	client := &http.Client{Timeout: probeTimeout}
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Discover reads and verifies a record. A stale record (dead PID or
// unresponsive server) is deleted and reported as "daemon.not_running"
// so the caller can fall through to spawning.
func Discover(path string) (*Record, error) {
	rec, err := ReadRecord(path)
	if err != nil {
		return nil, err
	}
	if !Alive(rec) {
		log.Printf("daemon: removing stale record %s (pid %d)", path, rec.PID)
		if err := RemoveRecord(path); err != nil {
			log.Printf("daemon: %v", err)
		}
		return nil, apperrors.DaemonNotRunning()
	}
	return rec, nil
}

// EnsureServer returns a live server, spawning one if none is running.
// Idempotent and safe to call concurrently from many short-lived
// invocations: two racing callers may both spawn, and the slower child
// detects its sibling on startup and exits quietly.
func EnsureServer(ctx context.Context, opts EnsureOptions) (*ServerInfo, error) {
	if opts.RecordPath == "" {
		path, err := RecordPath(ServerRecordName)
		if err != nil {
			return nil, err
		}
		opts.RecordPath = path
	}
	if opts.LogPath == "" {
		dir, err := config.Dir()
		if err != nil {
			return nil, err
		}
		opts.LogPath = filepath.Join(dir, "daemon.log")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultStartTimeout
	}
	if opts.Spawn == nil {
		opts.Spawn = DefaultSpawn
	}

	if rec, err := Discover(opts.RecordPath); err == nil {
		return &ServerInfo{Port: rec.Port, PID: rec.PID, URL: rec.URL()}, nil
	} else if !apperrors.IsCode(err, apperrors.CodeDaemonNotRunning) {
		return nil, err
	}

	pid, err := opts.Spawn(opts.LogPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDaemonSpawnFailed, "spawn daemon", err)
	}
	log.Printf("daemon: spawned child pid %d, waiting for record %s", pid, opts.RecordPath)

	// The child writes its record once it is listening. Poll until it
	// shows up alive or the timeout expires.
	deadline := time.Now().Add(opts.Timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if rec, err := Discover(opts.RecordPath); err == nil {
				return &ServerInfo{Port: rec.Port, PID: rec.PID, URL: rec.URL(), Spawned: true}, nil
			}
			if time.Now().After(deadline) {
				return nil, apperrors.StartTimeout(opts.LogPath, opts.Timeout)
			}
		}
	}
}

// DefaultSpawn launches the serve subcommand as a detached child.
func DefaultSpawn(logPath string) (int, error) {
	return Spawn(logPath, "serve")
}

// Spawn re-invokes this executable with the given arguments as a fully
// detached child: its own session, stdio to the log file, never waited
// on.
func Spawn(logPath string, args ...string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return 0, fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), ChildMarkerEnv+"=1")
	setDetached(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start child: %w", err)
	}

	pid := cmd.Process.Pid
	// Release, never Wait: the child must outlive this process.
	if err := cmd.Process.Release(); err != nil {
		log.Printf("daemon: release child process: %v", err)
	}
	return pid, nil
}

// StopServer terminates the recorded server with SIGTERM. A process
// that is already gone counts as success. The record is removed either
// way, so a wedged record cannot block future starts.
func StopServer(path string) error {
	rec, err := ReadRecord(path)
	if err != nil {
		return err
	}

	termErr := terminate(rec.PID)
	if err := RemoveRecord(path); err != nil {
		log.Printf("daemon: %v", err)
	}
	if termErr != nil {
		return fmt.Errorf("stop pid %d: %w", rec.PID, termErr)
	}
	return nil
}

// Package daemon manages the lifecycle of the background review server:
// discovering a running one through a well-known record file, spawning a
// detached one when none is alive, and stopping it on request.
//
// Discovery records are small TOML files under the per-user config
// directory. A record is only trusted after a liveness probe (PID check
// plus an HTTP ping); stale records are deleted on sight.
package daemon

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/diffdeck/diffdeck/internal/config"
	apperrors "github.com/diffdeck/diffdeck/internal/errors"
)

// Record kinds. The global server and an ad-hoc watch session each keep
// their own record so they can coexist.
const (
	// ServerRecordName is the discovery record of the global server.
	ServerRecordName = "server.toml"

	// WatchRecordName is the discovery record of an ad-hoc watch session.
	WatchRecordName = "watch.toml"
)

// Record is one discovery record: enough to find, verify, and stop a
// running server.
type Record struct {
	// Port is the port the server is listening on (loopback).
	Port int `toml:"port"`

	// PID is the owning process.
	PID int `toml:"pid"`

	// Dir is the working directory the server was started for.
	Dir string `toml:"dir,omitempty"`

	// Ref is the comparison ref, set on watch records only.
	Ref string `toml:"ref,omitempty"`

	// StartedAt is when the server came up.
	StartedAt time.Time `toml:"started_at"`
}

// Addr returns the loopback dial address for the recorded port.
func (r *Record) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(r.Port))
}

// URL returns the HTTP base URL for the recorded port.
func (r *Record) URL() string {
	return "http://" + r.Addr()
}

// RecordPath returns the well-known path for a record kind
// (ServerRecordName or WatchRecordName) under the config directory.
func RecordPath(name string) (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// WriteRecord persists a record atomically: written to a temp file in
// the same directory, then renamed into place so readers never see a
// partial record.
func WriteRecord(path string, rec Record) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create record directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()

	if err := toml.NewEncoder(tmp).Encode(rec); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encode record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("install record: %w", err)
	}
	return nil
}

// ReadRecord loads a record. A missing file maps to "daemon.not_running";
// an unparseable or nonsensical file maps to "daemon.record_invalid".
func ReadRecord(path string) (*Record, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, apperrors.DaemonNotRunning()
	}

	var rec Record
	if _, err := toml.DecodeFile(path, &rec); err != nil {
		return nil, apperrors.RecordInvalid(path, err)
	}
	if rec.Port <= 0 || rec.Port > 65535 || rec.PID <= 0 {
		return nil, apperrors.RecordInvalid(path,
			fmt.Errorf("port=%d pid=%d out of range", rec.Port, rec.PID))
	}
	return &rec, nil
}

// RemoveRecord deletes a record. Removing an absent record is not an
// error.
func RemoveRecord(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

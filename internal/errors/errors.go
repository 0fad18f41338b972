// Package errors provides standardized error codes for the diffdeck daemon
// and CLI.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (git, session, daemon, server)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by viewers and agent callers for
// programmatic error handling. Human-readable messages are provided alongside
// codes.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error codes by domain.
// These are stable identifiers that clients can rely on for error handling.
const (
	// Git domain - source-control acquisition errors
	CodeGitNotFound      = "git.not_found"        // git binary not found on PATH
	CodeGitNotRepository = "git.not_a_repository" // directory is not inside a git work tree
	CodeGitCommandFailed = "git.command_failed"   // git command exited non-zero
	CodeGitTimeout       = "git.timeout"          // git command exceeded its deadline

	// Diff domain - polling errors (parsing itself never fails)
	CodeDiffPollFailed = "diff.poll_failed" // a poll tick could not acquire the diff

	// Session domain - review session lifecycle errors
	CodeSessionNotFound         = "session.not_found"          // session id does not exist
	CodeSessionVerdictTimeout   = "session.verdict_timeout"    // verdict wait exceeded its bound
	CodeSessionClientDisconnect = "session.client_disconnected" // viewer left and never reattached
	CodeSessionAlreadyCompleted = "session.already_completed"  // verdict already recorded
	CodeSessionInvalidDecision  = "session.invalid_decision"   // decision outside the allowed set
	CodeSessionCreateFailed     = "session.create_failed"      // session could not be created

	// Server domain - HTTP and push-channel errors
	CodeServerUpgradeFailed  = "server.upgrade_failed"  // WebSocket upgrade failed
	CodeServerInvalidMessage = "server.invalid_message" // malformed or invalid message
	CodeServerSendFailed     = "server.send_failed"     // failed to send message
	CodeServerStartFailed    = "server.start_failed"    // listener could not be started
	CodeServerRateLimited    = "server.rate_limited"    // too many inbound messages

	// Daemon domain - lifecycle manager errors
	CodeDaemonStartTimeout  = "daemon.start_timeout"  // daemon never became ready
	CodeDaemonNotRunning    = "daemon.not_running"    // no live daemon to act on
	CodeDaemonSpawnFailed   = "daemon.spawn_failed"   // child process could not be started
	CodeDaemonRecordInvalid = "daemon.record_invalid" // discovery record unreadable

	// GitHub domain - pull-request ingestion errors
	CodeGithubNoToken  = "github.no_token"  // GITHUB_TOKEN is not set
	CodeGithubAuth     = "github.auth"      // token rejected
	CodeGithubNotFound = "github.not_found" // PR or repository not found
	CodeGithubBadRef   = "github.bad_ref"   // PR reference could not be parsed
	CodeGithubAPI      = "github.api"       // any other API failure

	// Journal domain - operational journal errors
	CodeJournalOpenFailed  = "journal.open_failed"  // database open failed
	CodeJournalWriteFailed = "journal.write_failed" // event insert failed

	// Config domain - configuration errors
	CodeConfigNotFound = "config.not_found" // explicit config path does not exist
	CodeConfigInvalid  = "config.invalid"   // config file failed to parse

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "session.not_found")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// GitNotFound creates a "git.not_found" error with an install hint.
func GitNotFound() *CodedError {
	return New(CodeGitNotFound, "git not found on PATH - install git or add it to PATH")
}

// NotARepository creates a "git.not_a_repository" error.
func NotARepository(dir string) *CodedError {
	return New(CodeGitNotRepository, fmt.Sprintf("%s is not inside a git repository", dir))
}

// GitCommandFailed creates a "git.command_failed" error carrying stderr.
func GitCommandFailed(args string, stderr string, cause error) *CodedError {
	msg := fmt.Sprintf("git %s failed", args)
	if stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, stderr)
	}
	return Wrap(CodeGitCommandFailed, msg, cause)
}

// SessionNotFound creates a "session.not_found" error.
func SessionNotFound(id string) *CodedError {
	return New(CodeSessionNotFound, fmt.Sprintf("session %s not found", id))
}

// VerdictTimeout creates a "session.verdict_timeout" error carrying the bound
// that was exceeded, so callers can report how long they waited.
func VerdictTimeout(waited time.Duration) *CodedError {
	return New(CodeSessionVerdictTimeout, fmt.Sprintf("no verdict received within %s", waited))
}

// ClientDisconnected creates a "session.client_disconnected" error.
// This indicates the viewer detached and the reconnect grace period expired
// with a verdict still outstanding.
func ClientDisconnected() *CodedError {
	return New(CodeSessionClientDisconnect, "client disconnected before verdict")
}

// AlreadyCompleted creates a "session.already_completed" error.
func AlreadyCompleted(id string) *CodedError {
	return New(CodeSessionAlreadyCompleted, fmt.Sprintf("session %s already has a verdict", id))
}

// InvalidDecision creates a "session.invalid_decision" error.
func InvalidDecision(decision string) *CodedError {
	return New(CodeSessionInvalidDecision, fmt.Sprintf("invalid decision: %q", decision))
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// StartTimeout creates a "daemon.start_timeout" error naming the log file so a
// stuck startup can be diagnosed.
func StartTimeout(logPath string, waited time.Duration) *CodedError {
	return New(CodeDaemonStartTimeout,
		fmt.Sprintf("daemon did not become ready within %s - check %s", waited, logPath))
}

// DaemonNotRunning creates a "daemon.not_running" error.
func DaemonNotRunning() *CodedError {
	return New(CodeDaemonNotRunning, "no daemon is running")
}

// RecordInvalid creates a "daemon.record_invalid" error.
func RecordInvalid(path string, cause error) *CodedError {
	return Wrap(CodeDaemonRecordInvalid, fmt.Sprintf("discovery record %s is unreadable", path), cause)
}

// GithubNoToken creates a "github.no_token" error with a remediation hint.
func GithubNoToken() *CodedError {
	return New(CodeGithubNoToken, "GITHUB_TOKEN environment variable is not set")
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

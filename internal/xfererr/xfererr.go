// Package xfererr defines the terminal error taxonomy shared by the client
// driver and server dispatcher. Protocol-level retries never surface as
// one of these; only terminal conditions do.
package xfererr

import "errors"

var (
	// FileNotFound: requested filename absent on peer.
	FileNotFound = errors.New("file not found")
	// InsufficientSpace: destination has less free bytes than the announced file size.
	InsufficientSpace = errors.New("insufficient disk space")
	// InvalidHash: integrity digest mismatch after transfer.
	InvalidHash = errors.New("invalid file hash")
	// ConnectionAborted: MAX_CONSECUTIVE_LOSTS exceeded, or explicit ERROR received.
	ConnectionAborted = errors.New("connection aborted")
	// MalformedFrame: decode failure; callers treat this as packet loss, never
	// as a terminal error, but it's named here for completeness of the taxonomy.
	MalformedFrame = errors.New("malformed frame")
	// UserInterrupt: local cancel signal.
	UserInterrupt = errors.New("user interrupt")
)

// ExitCode maps a terminal error to a process exit code. Unrecognized errors
// (including nil) map to 0 and 1 respectively.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, FileNotFound):
		return 2
	case errors.Is(err, InsufficientSpace):
		return 3
	case errors.Is(err, InvalidHash):
		return 4
	case errors.Is(err, ConnectionAborted):
		return 5
	case errors.Is(err, UserInterrupt):
		return 6
	default:
		return 1
	}
}

// Package rwerror defines the proxy's error taxonomy (spec §7) and the
// helpers that turn one of those errors into the MySQL error-packet
// fields (code, SQLSTATE, message) a session hands to internal/wire.
package rwerror

import "fmt"

// Kind classifies an error by how it must be handled: surfaced verbatim,
// retried, or treated as fatal to the endpoint or session.
type Kind int

const (
	// ClientError is surfaced to the client as a protocol error packet.
	ClientError Kind = iota
	// TransientBackend means the connection was lost; may be retried per
	// delayed_retry or transaction replay.
	TransientBackend
	// PermanentBackend is non-retryable and closes the endpoint.
	PermanentBackend
	// ProtocolViolation means the client sent an ill-formed packet; the
	// session is terminated.
	ProtocolViolation
	// ResourceExhausted means no backend accepted the statement within
	// limits; mapped per master_failure_mode.
	ResourceExhausted
	// InternalInvariant marks a bug: aborts in debug builds, returns a
	// permanent error in release builds.
	InternalInvariant
)

func (k Kind) String() string {
	switch k {
	case ClientError:
		return "client_error"
	case TransientBackend:
		return "transient_backend"
	case PermanentBackend:
		return "permanent_backend"
	case ProtocolViolation:
		return "protocol_violation"
	case ResourceExhausted:
		return "resource_exhausted"
	case InternalInvariant:
		return "internal_invariant"
	default:
		return "unknown"
	}
}

// Error is the proxy's error type: a Kind plus, for anything that must
// reach the client, a MySQL error code and SQLSTATE.
type Error struct {
	Kind    Kind
	Code    uint16
	State   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%d %s): %s: %v", e.Kind, e.Code, e.State, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%d %s): %s", e.Kind, e.Code, e.State, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare Error of the given kind with a message, no backend
// error attached.
func New(kind Kind, code uint16, state, message string) *Error {
	return &Error{Kind: kind, Code: code, State: state, Message: message}
}

// Wrap builds an Error of the given kind that carries a causing error.
func Wrap(kind Kind, code uint16, state, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, State: state, Message: message, Cause: cause}
}

// Well-known user-visible failures named in spec §7.

// LostConnectionReusingPooled is MySQL error 1927: the pooled connection
// died between hand-off and use.
func LostConnectionReusingPooled(cause error) *Error {
	return Wrap(TransientBackend, 1927, "08S01", "Lost connection to backend server while reusing pooled connection", cause)
}

// ReadOnlyTrxCausalReadTimeout is MySQL error 1792 / SQLSTATE 25006: a
// causal read inside a read-only transaction timed out waiting for GTID
// catch-up, and per spec §4.4 must not retry on master.
func ReadOnlyTrxCausalReadTimeout() *Error {
	return New(ClientError, 1792, "25006", "Causal read timed out while waiting for replica to catch up; transaction is read-only, cannot retry on primary")
}

// replayAdvisoryCode is a proxy-specific advisory code for exceeded
// replay attempts, distinct from 1927 per spec §8 scenario 4.
const replayAdvisoryCode = 1930

// ReplayAttemptsExceeded reports that a transaction failed to replay
// within trx_max_attempts/trx_timeout.
func ReplayAttemptsExceeded(attempts int) *Error {
	return New(ClientError, replayAdvisoryCode, "40001", fmt.Sprintf("transaction replay exhausted after %d attempt(s)", attempts))
}

// NoAcceptableTarget reports that routing found no backend able to take
// a statement, mapped by the caller per master_failure_mode.
func NoAcceptableTarget(reason string) *Error {
	return New(ResourceExhausted, 1040, "08004", "no acceptable backend target: "+reason)
}

// ProtocolMalformed reports a client packet that could not be decoded.
func ProtocolMalformed(cause error) *Error {
	return Wrap(ProtocolViolation, 1835, "HY000", "malformed client packet", cause)
}

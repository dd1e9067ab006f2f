// Package rediserr defines the error taxonomy shared by every layer of
// the client: connection, session, cluster routing, and sentinel
// discovery. Callers type-switch or use errors.As against the
// concrete types below rather than matching on message text, except
// where the server itself only distinguishes errors by message prefix
// (see ClassifyCommandError).
package rediserr

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectionError wraps a transport failure. It is retriable per the
// caller's retry.Policy.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("redis: connection error: %s", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError signals a deadline exceeded on a read or write. It is
// retriable per the caller's retry.Policy.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("redis: timeout: %s", e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// ProtocolError signals malformed RESP framing. It is fatal for the
// connection that produced it and is never retried.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "redis: protocol error: " + e.Msg }

// CommandError wraps a server "-ERR ..." style reply. Message carries
// the full text as received, Kind the classification (see
// ClassifyCommandError).
type CommandError struct {
	Message string
	Kind    CommandErrorKind
}

func (e *CommandError) Error() string { return "redis: " + e.Message }

// CommandErrorKind classifies a CommandError by server message
// prefix. Classification may drift across server versions; it is
// localized to ClassifyCommandError so that drift has one place to be
// fixed.
type CommandErrorKind int

const (
	KindGeneric CommandErrorKind = iota
	KindAuthentication
	KindPermission
	KindWrongType
	KindReadOnly
)

// ClassifyCommandError inspects a raw server error message and returns
// the CommandError with its Kind populated. This is the single
// location where prefix-matching against server text happens.
func ClassifyCommandError(message string) *CommandError {
	kind := KindGeneric
	switch {
	case strings.HasPrefix(message, "NOAUTH") || strings.HasPrefix(message, "ERR AUTH"):
		kind = KindAuthentication
	case strings.HasPrefix(message, "NOPERM"):
		kind = KindPermission
	case strings.HasPrefix(message, "WRONGTYPE"):
		kind = KindWrongType
	case strings.HasPrefix(message, "READONLY"),
		strings.Contains(message, "You can't write against a read only replica"):
		kind = KindReadOnly
	}
	return &CommandError{Message: message, Kind: kind}
}

func (e *CommandError) IsAuthentication() bool { return e.Kind == KindAuthentication }
func (e *CommandError) IsPermission() bool     { return e.Kind == KindPermission }
func (e *CommandError) IsWrongType() bool      { return e.Kind == KindWrongType }
func (e *CommandError) IsReadOnly() bool       { return e.Kind == KindReadOnly }

// ClusterError is the umbrella for cluster-routing failures. It is
// retriable per the router's own policy, distinct from
// retry.Policy which governs ordinary connection-level retry.
type ClusterError struct {
	Err error
}

func (e *ClusterError) Error() string { return fmt.Sprintf("redis: cluster error: %s", e.Err) }
func (e *ClusterError) Unwrap() error { return e.Err }

// MovedError is parsed from a "-MOVED slot host:port" reply.
type MovedError struct {
	Slot int
	Host string
	Port string
}

func (e *MovedError) Error() string {
	return fmt.Sprintf("redis: MOVED %d %s:%s", e.Slot, e.Host, e.Port)
}

func (e *MovedError) Addr() string { return e.Host + ":" + e.Port }

// AskError is parsed from a "-ASK slot host:port" reply.
type AskError struct {
	Slot int
	Host string
	Port string
}

func (e *AskError) Error() string {
	return fmt.Sprintf("redis: ASK %d %s:%s", e.Slot, e.Host, e.Port)
}

func (e *AskError) Addr() string { return e.Host + ":" + e.Port }

// ClusterDownError is returned verbatim from a "-CLUSTERDOWN ..."
// reply. It is never retried.
type ClusterDownError struct {
	Message string
}

func (e *ClusterDownError) Error() string { return "redis: " + e.Message }

// CrossSlotError is raised client-side, before contacting any node,
// when a multi-key operation's keys hash to different slots.
type CrossSlotError struct {
	Keys []string
}

func (e *CrossSlotError) Error() string {
	return fmt.Sprintf("redis: cross-slot operation on keys %v", e.Keys)
}

// TryAgainError is raised after a bounded number of "-TRYAGAIN ..."
// retries have been exhausted.
type TryAgainError struct {
	Attempts int
}

func (e *TryAgainError) Error() string {
	return fmt.Sprintf("redis: TRYAGAIN exhausted after %d attempts", e.Attempts)
}

// MasterNotFoundError is raised when no sentinel reports a healthy
// master for the requested service name.
type MasterNotFoundError struct {
	Service string
}

func (e *MasterNotFoundError) Error() string {
	return fmt.Sprintf("redis: no master found for service %q", e.Service)
}

// ReplicaNotFoundError is raised when no sentinel reports any healthy
// replica for the requested service name.
type ReplicaNotFoundError struct {
	Service string
}

func (e *ReplicaNotFoundError) Error() string {
	return fmt.Sprintf("redis: no replica found for service %q", e.Service)
}

// FailoverError is raised when a ROLE check after connecting to a
// resolved address does not match the requested role. It triggers a
// resolver reset so the next discovery attempt starts fresh.
type FailoverError struct {
	Wanted, Got string
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("redis: role mismatch after failover: wanted %s, got %s", e.Wanted, e.Got)
}

// ReadOnlyError describes a READONLY failure against a resolved master.
// No package in this module returns it: a READONLY reply reaches the
// caller as an ordinary error reply (KindReadOnly under
// ClassifyCommandError), and no reset-and-retry is attempted for it.
type ReadOnlyError struct {
	Message string
}

func (e *ReadOnlyError) Error() string { return "redis: " + e.Message }

// FutureNotReady is raised when a pipeline or transaction result is
// accessed before the pipeline/transaction has been flushed.
type FutureNotReady struct{}

func (e *FutureNotReady) Error() string { return "redis: future value accessed before flush" }

// ArgumentError signals a client-side usage mistake, such as a nested
// MULTI.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return "redis: " + e.Msg }

// IsRetriable reports whether err is a ConnectionError or
// TimeoutError — the two kinds retry.Policy acts on.
func IsRetriable(err error) bool {
	var ce *ConnectionError
	var te *TimeoutError
	return errors.As(err, &ce) || errors.As(err, &te)
}

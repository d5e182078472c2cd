// Package werr defines the tagged error kinds the transport core surfaces.
package werr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories the core can raise.
type Kind int

const (
	// Internal covers allocation failures and other bugs; the owning
	// connection is closed.
	Internal Kind = iota
	// Malformed means the wire codec failed to parse a message.
	Malformed
	// Protocol means a legal message arrived in an illegal state.
	Protocol
	// Exhausted means a resource allocation failed.
	Exhausted
	// Finished is not a failure: it collapses a stream cleanly.
	Finished
	// Transport surfaces an error from the QUIC stack.
	Transport
)

func (k Kind) String() string {
	switch k {
	case Internal:
		return "internal"
	case Malformed:
		return "malformed_message"
	case Protocol:
		return "protocol_violation"
	case Exhausted:
		return "resource_exhausted"
	case Finished:
		return "consumer_finished"
	case Transport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is the tagged error type returned by fallible core operations.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind wrapping err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Malformedf builds a Malformed error with a formatted message.
func Malformedf(format string, args ...interface{}) *Error {
	return &Error{Kind: Malformed, Msg: fmt.Sprintf(format, args...)}
}

// Protocolf builds a Protocol error with a formatted message.
func Protocolf(format string, args ...interface{}) *Error {
	return &Error{Kind: Protocol, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the Kind of err if it is (or wraps) an *Error, and
// Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

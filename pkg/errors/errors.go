// Package errors defines the error taxonomy shared across the pipeline.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	New    = errors.New
	Unwrap = errors.Unwrap
)

// Sentinel categories. Stage code matches on these with errors.Is; the
// structured types below carry the detail.
var (
	// ErrConnection covers transport establishment and session loss.
	// Always retryable.
	ErrConnection = errors.New("venue connection failure")

	// ErrMalformedMessage marks a venue payload that failed to parse or
	// validate. Never tears down the session.
	ErrMalformedMessage = errors.New("malformed venue message")

	// ErrAuthProtocol marks a venue-level session rejection. Not retryable;
	// the connector stops and surfaces it to the operator.
	ErrAuthProtocol = errors.New("venue rejected session")

	// ErrPublishBackpressure reports a full publish queue. Producers block
	// until the gate reopens rather than dropping ticks.
	ErrPublishBackpressure = errors.New("publish queue full")

	// ErrInsufficientWindow means fewer samples than the requested period.
	// Query paths translate it to a not-available response, never a 5xx.
	ErrInsufficientWindow = errors.New("insufficient window")

	// ErrCacheMiss is an expected branch on the query path, not a failure.
	ErrCacheMiss = errors.New("cache miss")
)

// ConnectionError records one failed venue session attempt.
type ConnectionError struct {
	Venue   string
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("venue %s: connection attempt %d: %v", e.Venue, e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// MalformedMessageError carries enough of the offending payload to diagnose
// a venue format drift without logging whole frames.
type MalformedMessageError struct {
	Venue  string
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("venue %s: malformed message: %s", e.Venue, e.Reason)
}

func (e *MalformedMessageError) Is(target error) bool { return target == ErrMalformedMessage }

// AuthProtocolError is a fatal session rejection (credentials, protocol
// version, banned client). Retrying would only repeat the rejection.
type AuthProtocolError struct {
	Venue  string
	Code   string
	Reason string
}

func (e *AuthProtocolError) Error() string {
	return fmt.Sprintf("venue %s: session rejected (%s): %s", e.Venue, e.Code, e.Reason)
}

func (e *AuthProtocolError) Is(target error) bool { return target == ErrAuthProtocol }

// IsFatal reports whether err should stop reconnection attempts.
func IsFatal(err error) bool { return errors.Is(err, ErrAuthProtocol) }

// PublishBackpressureError tells producers the tick queue is full and when
// intake is worth retrying. Connectors pause their read loops on it; ticks
// are never dropped.
type PublishBackpressureError struct {
	QueueDepth int
	RetryAfter time.Duration
}

func (e *PublishBackpressureError) Error() string {
	return fmt.Sprintf("publish queue full (%d buffered), retry after %s", e.QueueDepth, e.RetryAfter)
}

func (e *PublishBackpressureError) Is(target error) bool { return target == ErrPublishBackpressure }

// InsufficientWindowError reports how far a window is from serving a period.
type InsufficientWindowError struct {
	InstrumentID string
	Period       int
	Have         int
}

func (e *InsufficientWindowError) Error() string {
	return fmt.Sprintf("instrument %s: window has %d of %d samples", e.InstrumentID, e.Have, e.Period)
}

func (e *InsufficientWindowError) Is(target error) bool { return target == ErrInsufficientWindow }

package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDecode is returned for payloads that are not a well-formed envelope
	ErrDecode = errors.New("contracts: malformed payload")

	// ErrUnrecognizedAction is reported when an event carries an unknown action.
	// It is never fatal.
	ErrUnrecognizedAction = errors.New("contracts: unrecognized action")

	// ErrPublishFailed is returned when the bus rejects or cannot confirm a publish
	ErrPublishFailed = errors.New("contracts: publish failed")

	// ErrTimeout is returned when no reply arrives before the deadline
	ErrTimeout = errors.New("contracts: reply timeout")

	// ErrMalformedVersion is returned for versions not of the form v<N>
	ErrMalformedVersion = errors.New("contracts: malformed version")

	// ErrTransport marks bus connectivity problems seen while consuming
	ErrTransport = errors.New("contracts: transport error")

	// ErrNotFound is returned by lookups for ids that are not present
	ErrNotFound = errors.New("contracts: not found")

	// ErrTooManyPending is returned when the gateway is at its pending request limit
	ErrTooManyPending = errors.New("contracts: too many pending requests")
)

// DecodeError represents a payload that could not be decoded
type DecodeError struct {
	Target string // What the payload was decoded into
	Size   int    // Payload size in bytes
	Err    error  // Underlying error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s (%d bytes): %v", e.Target, e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is matches ErrDecode
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// PublishError represents a failed or unconfirmed publish
type PublishError struct {
	Topic     string
	Key       string
	Err       error
	Timestamp time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s (key=%s) failed: %v", e.Topic, e.Key, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Is matches ErrPublishFailed
func (e *PublishError) Is(target error) bool {
	return target == ErrPublishFailed
}

// VersionError represents a version string that NextVersion cannot advance
type VersionError struct {
	Version string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("malformed version %q: want v<positive integer>", e.Version)
}

// Is matches ErrMalformedVersion
func (e *VersionError) Is(target error) bool {
	return target == ErrMalformedVersion
}

// TransportError represents a bus error observed while consuming
type TransportError struct {
	Topic string
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s on %s: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransport
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// IsAbsorbed reports whether err belongs to the classes that are logged and
// swallowed locally instead of being returned to callers.
func IsAbsorbed(err error) bool {
	return errors.Is(err, ErrUnrecognizedAction) || errors.Is(err, ErrTransport)
}

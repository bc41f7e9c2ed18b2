// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chatsim

import (
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrTimeoutExpired is reported when a bounded wait for a confirmation
	// lapses. It is a soft error: callers log it and carry on.
	ErrTimeoutExpired = errors.New("timeout expired")

	// ErrInvalidState is reported when a session operation is not permitted
	// in the current state of the session.
	ErrInvalidState = errors.New("invalid session state")

	// ErrSessionClosed is reported to pending confirmations that were still
	// outstanding when their session ended.
	ErrSessionClosed = errors.New("session closed")
)

// A ConnectionError reports a transport failure for one simulated user.  The
// Phase records which step of the session script was running.
type ConnectionError struct {
	User  string
	Phase string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("user %q: %s: %v", e.User, e.Phase, e.Err)
}

// Unwrap reports the underlying transport error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// DecodeReason classifies a decoding failure.
type DecodeReason byte

const (
	// InvalidEncoding means the frame was not a well-formed JSON object.
	InvalidEncoding DecodeReason = 1
)

func (r DecodeReason) String() string {
	if r == InvalidEncoding {
		return "invalid encoding"
	}
	return fmt.Sprintf("reason:%d", byte(r))
}

// A DecodeError is reported by DecodeFrame for malformed input.
type DecodeError struct {
	Reason DecodeReason
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode frame: " + e.Reason.String()
	}
	return fmt.Sprintf("decode frame: %v: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// A ProvisioningError reports that the target room could not be created or
// confirmed. Status is the HTTP status code, or 0 if no response arrived.
type ProvisioningError struct {
	Room   string
	Status int
	Err    error
}

func (e *ProvisioningError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("provision room %q: status %d: %v", e.Room, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("provision room %q: %v", e.Room, e.Err)
	default:
		return fmt.Sprintf("provision room %q: unexpected status %d", e.Room, e.Status)
	}
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// A ValidationError reports an invalid run configuration.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// treatErrorAsSuccess reports whether err indicates an orderly close.
func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

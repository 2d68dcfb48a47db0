// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the error taxonomy shared by the codec, the CoAP
// engine and the resource directory.
package errors

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Malformed input.
var (
	// ErrMalformed indicates truncated or invalid TLV, JSON, link-format or CoAP input.
	ErrMalformed = errors.New("malformed input")

	// ErrUnsupportedFormat indicates a content format the codec cannot handle.
	ErrUnsupportedFormat = errors.New("unsupported content format")

	// ErrRequestIncomplete indicates a block-wise request arrived out of order.
	ErrRequestIncomplete = errors.New("request entity incomplete")

	// ErrEntityTooLarge indicates a reassembled payload exceeded the configured limit.
	ErrEntityTooLarge = errors.New("request entity too large")
)

// Resource failures.
var (
	// ErrNoResources indicates a buffer or capacity limit was hit.
	ErrNoResources = errors.New("no resources")

	// ErrCapacity indicates a bounded output buffer would overflow.
	ErrCapacity = errors.New("output capacity exceeded")

	// ErrStorageUnavailable indicates the persistence layer failed.
	// It must never be confused with an empty result.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Protocol-state violations.
var (
	// ErrNotFound indicates the addressed object, instance, resource or device does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMethodNotAllowed indicates the operation is not permitted on the target.
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrNotAcceptable indicates the requested representation cannot be produced.
	ErrNotAcceptable = errors.New("not acceptable")
)

// Transaction outcomes.
var (
	// ErrTimeout indicates retransmission was exhausted.
	ErrTimeout = errors.New("timeout")

	// ErrReset indicates the peer answered with a Reset.
	ErrReset = errors.New("reset by peer")

	// ErrCancelled indicates the transaction was cancelled locally.
	ErrCancelled = errors.New("cancelled")

	// ErrTransport indicates the transport failed to send a message.
	ErrTransport = errors.New("transport send failed")
)

// Error wraps an error with the operation and session it occurred in.
type Error struct {
	Op      string // Operation that failed
	Session string // Session identifier
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Session != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Session, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error. It returns nil when err is nil.
func New(op, session string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Op:      op,
		Session: session,
		Err:     err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Code maps an error to the CoAP response code a peer should see.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.Content
	case errors.Is(err, ErrMalformed):
		return codes.BadRequest
	case errors.Is(err, ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrMethodNotAllowed):
		return codes.MethodNotAllowed
	case errors.Is(err, ErrNotAcceptable):
		return codes.NotAcceptable
	case errors.Is(err, ErrRequestIncomplete):
		return codes.RequestEntityIncomplete
	case errors.Is(err, ErrEntityTooLarge):
		return codes.RequestEntityTooLarge
	case errors.Is(err, ErrUnsupportedFormat):
		return codes.UnsupportedMediaType
	case errors.Is(err, ErrStorageUnavailable):
		return codes.ServiceUnavailable
	default:
		return codes.InternalServerError
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

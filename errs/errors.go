// Package errs provides the error taxonomy shared by the capture, room and
// publisher packages.
//
// Error is the contextual error type: it records which component failed, the
// operation being performed and the kind of failure, and wraps the underlying
// cause so that sentinel errors remain reachable through errors.Is.
//
// Usage:
//
//	err := errs.New(errs.KindResource, "capture", "Start", capture.ErrDeviceUnavailable)
//	if errs.KindOf(err) == errs.KindResource { ... }
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the layer that produced it.
type Kind int

const (
	KindUnknown       Kind = iota
	KindConfiguration      // bad codec/resolution/device, detected at start
	KindResource           // device busy or unavailable
	KindSession            // auth rejected, unreachable, timeout, unexpected disconnect
	KindPublish            // duplicate publish, invalid state, remote rejection
	KindForwarding         // per-track mid-stream failure
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindResource:
		return "resource"
	case KindSession:
		return "session"
	case KindPublish:
		return "publish"
	case KindForwarding:
		return "forwarding"
	default:
		return "unknown"
	}
}

// Error is a structured error carrying kind, component and operation.
type Error struct {
	// Kind is the taxonomy bucket of the failure.
	Kind Kind

	// Component identifies the package that produced the error (e.g. "capture", "room").
	Component string

	// Op describes what was being done when the error occurred.
	Op string

	// Err is the underlying cause, usually a package sentinel.
	Err error
}

// New creates an Error.
func New(kind Kind, component, op string, err error) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Err: err}
}

// Newf creates an Error whose cause wraps err with a formatted message.
// The format must contain a %w verb for err to stay reachable.
func Newf(kind Kind, component, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	base := fmt.Sprintf("[%s] %s", e.Component, e.Op)
	if e.Err != nil {
		base += ": " + e.Err.Error()
	}
	return base
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

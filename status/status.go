// Package status defines the error taxonomy shared by every layer of the
// HSM protocol driver (transport, comm, client, keymgmt, cryptobridge).
//
// A Code is itself a Go error, so callers that only care about success vs.
// failure can treat it like any other error. Callers that need the precise
// kind (to retry on NOTREADY, or to surface ABORTED distinctly) use CodeOf.
package status

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure. Values are stable within a process
// and intentionally mirror the wire-level rc carried in a response stub.
type Code int

const (
	// OK indicates success.
	OK Code = iota
	// BadArgs indicates a null pointer, out-of-range enum, or malformed input.
	BadArgs
	// NotReady indicates the transport would block; the caller should retry.
	NotReady
	// Aborted indicates a header/id/size mismatch, or a buffer too small;
	// the in-flight exchange is lost.
	Aborted
	// NotFound indicates the server has no record of the referenced keyId/slot.
	NotFound
	// NoHandler indicates no custom-callback handler is registered at the
	// queried id.
	NoHandler
	// Locked indicates the server rejected the request due to concurrent access.
	Locked
	// BadState indicates an operation was attempted from the wrong point in
	// a state machine (e.g. a second send_request while one is outstanding).
	BadState
	// Transport wraps an error surfaced by the transport layer untouched.
	Transport
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case BadArgs:
		return "BADARGS"
	case NotReady:
		return "NOTREADY"
	case Aborted:
		return "ABORTED"
	case NotFound:
		return "NOTFOUND"
	case NoHandler:
		return "NOHANDLER"
	case Locked:
		return "LOCKED"
	case BadState:
		return "BADSTATE"
	case Transport:
		return "TRANSPORT"
	default:
		return "UNKNOWN"
	}
}

// Error lets a bare Code be returned and compared anywhere a Go error is
// expected. OK.Error() is only ever called if a caller mistakenly treats OK
// as a failure, which is why it still returns a sensible string.
func (c Code) Error() string {
	return c.String()
}

// wrapped attaches the triggering error to a Code without losing either.
type wrapped struct {
	code Code
	err  error
}

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s: %v", w.code, w.err)
}

func (w *wrapped) Unwrap() error {
	return w.err
}

// Wrap associates code with err. If err is nil, Wrap returns nil when code is
// OK, and the bare code otherwise.
func Wrap(code Code, err error) error {
	if err == nil {
		if code == OK {
			return nil
		}
		return code
	}
	return &wrapped{code: code, err: err}
}

// CodeOf extracts the Code from err, defaulting to Transport for an
// unrecognized non-nil error and OK for nil.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var w *wrapped
	if errors.As(err, &w) {
		return w.code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Transport
}

// Is reports whether err carries the given code, as extracted by CodeOf.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

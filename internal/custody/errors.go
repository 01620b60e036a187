// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package custody

import (
	"errors"
	"fmt"
)

// Kind classifies a custody failure so callers can choose the right user
// guidance (retry, re-approve, re-pair, reconfigure).
type Kind int

const (
	// KindUnknown is the zero value; errors that did not originate in this
	// package map here.
	KindUnknown Kind = iota

	// KindUnavailable means the backend is unreachable, sealed, or has no
	// active session.
	KindUnavailable

	// KindNotFound means the account or key does not exist.
	KindNotFound

	// KindRejected means a human declined an approval or signing request.
	KindRejected

	// KindTimeout means no response arrived within the request deadline.
	KindTimeout

	// KindUnsupported means the operation is invalid for this backend.
	KindUnsupported

	// KindInvalid means malformed input, e.g. a bad address or key length.
	KindInvalid

	// KindInitializationFailed means the backend client could not start,
	// e.g. required configuration is missing.
	KindInitializationFailed
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindNotFound:
		return "not found"
	case KindRejected:
		return "rejected"
	case KindTimeout:
		return "timeout"
	case KindUnsupported:
		return "unsupported"
	case KindInvalid:
		return "invalid"
	case KindInitializationFailed:
		return "initialization failed"
	default:
		return "unknown"
	}
}

// Error is the typed error returned at every provider boundary. Transport
// errors are wrapped here and never leak raw to callers. Hint carries an
// actionable remediation (what to run or check), shown verbatim to the user.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "vault.sign"
	Hint string // remediation hint, may be empty
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a custody error.
func E(kind Kind, op, hint string, err error) *Error {
	return &Error{Kind: kind, Op: op, Hint: hint, Err: err}
}

// Errorf constructs a custody error from a format string.
func Errorf(kind Kind, op, hint, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Hint: hint, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err, unwrapping as needed.
// Errors not created by this package report KindUnknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

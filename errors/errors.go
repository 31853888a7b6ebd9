// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package errors implements the error type used throughout the
// storage client. Errors carry an interpretable kind, a severity
// that tells a retry loop whether the failed operation may be
// attempted again, and optionally the HTTP-equivalent status code
// that the failure is reported under. Errors may be chained,
// attributing one error to another.
//
// Errors are constructed by E, which interprets its arguments by
// type:
//
//	err := errors.E(errors.Timeout, errors.Fatal, errors.Status(408),
//		"copy stream", cause)
package errors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Separator defines the separation string inserted between
// chained errors in error messages.
var Separator = ":\n\t"

// Kind defines the type of error. Kinds are semantically meaningful
// and may be interpreted by the receiver of an error.
type Kind int

const (
	// Other indicates an unknown error.
	Other Kind = iota
	// Canceled indicates a caller-requested cancellation.
	Canceled
	// Timeout indicates that an operation ran past its deadline.
	Timeout
	// NotExist indicates a nonexistent resource.
	NotExist
	// NotAllowed indicates a permission failure.
	NotAllowed
	// NotSupported indicates an unsupported operation.
	NotSupported
	// Exists indicates that a resource already exists.
	Exists
	// Integrity indicates a checksum or length mismatch.
	Integrity
	// Unavailable indicates that a service was unavailable.
	Unavailable
	// Invalid indicates that the caller supplied invalid parameters.
	Invalid
	// Net indicates a network error.
	Net
	// TooManyTries indicates a retry budget was exhausted.
	TooManyTries
	// Precondition indicates that a precondition was not met.
	Precondition
	// Remote indicates an error returned by the service, as distinct
	// from errors in the machinery that executes requests.
	Remote

	maxKind
)

var kinds = map[Kind]string{
	Other:        "unknown error",
	Canceled:     "operation was canceled",
	Timeout:      "operation timed out",
	NotExist:     "resource does not exist",
	NotAllowed:   "access denied",
	NotSupported: "operation not supported",
	Exists:       "resource already exists",
	Integrity:    "integrity error",
	Unavailable:  "resource unavailable",
	Invalid:      "invalid argument",
	Net:          "network error",
	TooManyTries: "too many tries",
	Precondition: "precondition failed",
	Remote:       "remote error",
}

// String returns a human-readable explanation of the error kind k.
func (k Kind) String() string {
	return kinds[k]
}

// Severity defines an Error's severity. An Error's severity
// determines whether an error-producing operation may be retried.
type Severity int

const (
	// Retriable indicates that the failing operation can be safely
	// retried, regardless of application context.
	Retriable Severity = -2
	// Temporary indicates that the underlying condition is likely
	// temporary and can possibly be retried.
	Temporary Severity = -1
	// Unknown is the default severity.
	Unknown Severity = 0
	// Fatal indicates that retrying is pointless: the caller misused
	// the API, or the operation's time budget is already spent.
	Fatal Severity = 1
)

var severities = map[Severity]string{
	Retriable: "retriable",
	Temporary: "temporary",
	Unknown:   "unknown",
	Fatal:     "fatal",
}

// String returns a human-readable explanation of the error severity s.
func (s Severity) String() string {
	return severities[s]
}

// Status is the HTTP-equivalent status code under which an error is
// reported to retry policies. Zero means no status.
type Status int

const (
	// StatusTimeout is attached to client-side timeouts.
	StatusTimeout Status = 408
	// StatusCanceled is attached to client-side cancellations. It
	// reuses the otherwise unused 306 code.
	StatusCanceled Status = 306
)

// Error is the standard error type, carrying a kind, severity,
// status, message, and potentially an underlying error. Errors
// should be constructed by errors.E.
type Error struct {
	// Kind is the error's type.
	Kind Kind
	// Severity is an optional severity.
	Severity Severity
	// Status is an optional HTTP-equivalent status code.
	Status Status
	// Message is an optional error message associated with this error.
	Message string
	// Err is the error that caused this error, if any.
	Err error
}

// E constructs a new error from the provided arguments.
//
// Arguments are interpreted according to their types:
//
//   - Kind: sets the Error's kind
//   - Severity: sets the Error's severity
//   - Status: sets the Error's status code
//   - string: sets the Error's message; multiple strings are
//     separated by a single space
//   - *Error: copies the error and sets the error's cause
//   - error: sets the Error's cause
//
// If an unrecognized argument type is encountered, an error with
// kind Invalid is returned.
//
// If a kind is not provided but an underlying error is, E interprets
// the underlying error: os.IsNotExist errors become NotExist,
// context.Canceled becomes Canceled, and errors with a Timeout()
// method returning true become Timeout. Errors with a Temporary()
// method returning true raise the severity to Temporary.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("errors.E: no args")
	}
	e := new(Error)
	var msg strings.Builder
	for _, arg := range args {
		switch arg := arg.(type) {
		case Kind:
			e.Kind = arg
		case Severity:
			e.Severity = arg
		case Status:
			e.Status = arg
		case string:
			if msg.Len() > 0 {
				msg.WriteString(" ")
			}
			msg.WriteString(arg)
		case *Error:
			copy := *arg
			if len(args) == 1 {
				return &copy
			}
			e.Err = &copy
		case error:
			e.Err = arg
		default:
			return &Error{
				Kind:     Invalid,
				Severity: Fatal,
				Message:  fmt.Sprintf("unknown type %T, value %v in error call", arg, arg),
			}
		}
	}
	e.Message = msg.String()
	if e.Err == nil {
		return e
	}
	switch prev := e.Err.(type) {
	case *Error:
		if prev.Kind == e.Kind || e.Kind == Other {
			e.Kind = prev.Kind
			prev.Kind = Other
		}
		if prev.Severity == e.Severity || e.Severity == Unknown {
			e.Severity = prev.Severity
			prev.Severity = Unknown
		}
		if prev.Status == e.Status || e.Status == 0 {
			e.Status = prev.Status
			prev.Status = 0
		}
	default:
		if err, ok := e.Err.(interface {
			Temporary() bool
		}); ok && err.Temporary() && e.Severity == Unknown {
			e.Severity = Temporary
		}
		if e.Kind != Other {
			break
		}
		switch {
		case os.IsNotExist(e.Err):
			e.Kind = NotExist
		case errors.Is(e.Err, context.Canceled):
			e.Kind = Canceled
		case errors.Is(e.Err, context.DeadlineExceeded):
			e.Kind = Timeout
		default:
			if err, ok := e.Err.(interface {
				Timeout() bool
			}); ok && err.Timeout() {
				e.Kind = Timeout
			}
		}
	}
	return e
}

// Recover recovers any error into an *Error. If the passed-in error
// is already an *Error, it is simply returned; otherwise it is
// wrapped.
func Recover(err error) *Error {
	if err == nil {
		return nil
	}
	if err, ok := err.(*Error); ok {
		return err
	}
	return E(err).(*Error)
}

// Error returns a human readable string describing this error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b bytes.Buffer
	e.writeError(&b)
	return b.String()
}

func (e *Error) writeError(b *bytes.Buffer) {
	if e.Message != "" {
		pad(b, ": ")
		b.WriteString(e.Message)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Status != 0 {
		pad(b, " ")
		fmt.Fprintf(b, "[status %d]", int(e.Status))
	}
	if e.Severity != Unknown {
		pad(b, " ")
		b.WriteByte('(')
		b.WriteString(e.Severity.String())
		b.WriteByte(')')
	}
	if e.Err == nil {
		return
	}
	if err, ok := e.Err.(*Error); ok {
		pad(b, Separator)
		b.WriteString(err.Error())
	} else {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
}

// Unwrap returns the error's cause, so that the standard library's
// errors.Is and errors.As can traverse the chain.
func (e *Error) Unwrap() error { return e.Err }

// Timeout tells whether this error is a timeout error.
func (e *Error) Timeout() bool {
	return e.Kind == Timeout
}

// Temporary tells whether this error is temporary.
func (e *Error) Temporary() bool {
	return e.Severity <= Temporary
}

// Is tells whether an error has a specified kind, except for the
// indeterminate kind Other. In the case an error has kind Other, the
// chain is traversed until a non-Other error is encountered.
func Is(kind Kind, err error) bool {
	if err == nil {
		return false
	}
	return is(kind, Recover(err))
}

func is(kind Kind, e *Error) bool {
	if e.Kind != Other {
		return e.Kind == kind
	}
	if e2, ok := e.Err.(*Error); ok {
		return is(kind, e2)
	}
	return false
}

// IsRetryable tells whether a retry loop may attempt the failed
// operation again. Only errors explicitly marked Retriable or
// Temporary are retryable; nil errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Recover(err).Severity <= Temporary
}

// StatusOf returns the first nonzero status code in err's chain,
// or zero if there is none.
func StatusOf(err error) Status {
	for err != nil {
		e, ok := err.(*Error)
		if !ok {
			return 0
		}
		if e.Status != 0 {
			return e.Status
		}
		err = e.Err
	}
	return 0
}

// Match tells whether every nonempty field in err1 matches the
// corresponding fields in err2. The comparison recurses on chained
// errors. Match is designed to aid in testing errors.
func Match(err1, err2 error) bool {
	var (
		e1 = Recover(err1)
		e2 = Recover(err2)
	)
	if e1 == nil || e2 == nil {
		return e1 == e2
	}
	if e1.Kind != Other && e1.Kind != e2.Kind {
		return false
	}
	if e1.Severity != Unknown && e1.Severity != e2.Severity {
		return false
	}
	if e1.Status != 0 && e1.Status != e2.Status {
		return false
	}
	if e1.Message != "" && e1.Message != e2.Message {
		return false
	}
	if e1.Err != nil {
		if e2.Err == nil {
			return false
		}
		switch e1.Err.(type) {
		case *Error:
			return Match(e1.Err, e2.Err)
		default:
			return e1.Err.Error() == e2.Err.Error()
		}
	}
	return true
}

// New is synonymous with errors.New, and is provided here so that
// users need only import one errors package.
func New(msg string) error {
	return errors.New(msg)
}

// As is synonymous with the standard library's errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(s)
}

package migrator

import (
	"errors"
	"fmt"
	"strings"
)

type Code int

const (
	CodeMalformedUnit Code = iota + 1
	CodeDuplicateVersion
	CodeNoSuchVersion
	CodeInconsistentHistory
	CodeLockHeld
	CodePartialApplication
	CodeTimeout
	CodeChecksumMismatch
)

func (c Code) String() string {
	switch c {
	case CodeMalformedUnit:
		return "malformed unit"
	case CodeDuplicateVersion:
		return "duplicate version"
	case CodeNoSuchVersion:
		return "no such version"
	case CodeInconsistentHistory:
		return "inconsistent history"
	case CodeLockHeld:
		return "lock held"
	case CodePartialApplication:
		return "partial application"
	case CodeTimeout:
		return "timeout"
	case CodeChecksumMismatch:
		return "checksum mismatch"
	default:
		return "unknown"
	}
}

// Error is a classified runner error. Namespace and Version locate it;
// Version is zero when the error is not about a single unit.
type Error struct {
	Code      Code
	Namespace string
	Version   int64
	Msg       string
	Err       error
}

var (
	ErrMalformedUnit       = &Error{Code: CodeMalformedUnit}
	ErrDuplicateVersion    = &Error{Code: CodeDuplicateVersion}
	ErrNoSuchVersion       = &Error{Code: CodeNoSuchVersion}
	ErrInconsistentHistory = &Error{Code: CodeInconsistentHistory}
	ErrLockHeld            = &Error{Code: CodeLockHeld}
	ErrPartialApplication  = &Error{Code: CodePartialApplication}
	ErrTimeout             = &Error{Code: CodeTimeout}
	ErrChecksumMismatch    = &Error{Code: CodeChecksumMismatch}

	// ErrRecordExists is returned by Store.Record when the namespace already
	// has a record for the version.
	ErrRecordExists = errors.New("migration record already exists")
	// ErrRecordNotFound is returned by Store.Update for an unknown version.
	ErrRecordNotFound = errors.New("migration record not found")
)

func newError(code Code, ns string, version int64, err error, format string, args ...any) *Error {
	return &Error{Code: code, Namespace: ns, Version: version, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Namespace != "" {
		b.WriteString(" [")
		b.WriteString(e.Namespace)
		if e.Version != 0 {
			fmt.Fprintf(&b, " v%d", e.Version)
		}
		b.WriteString("]")
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the package sentinels can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// PartialApplicationError reports a unit that stopped at operation Index.
// Operations before Index took effect unless RolledBack is set.
type PartialApplicationError struct {
	Namespace  string
	Version    int64
	Direction  Direction
	Index      int
	Cause      error
	RolledBack bool
}

func (e *PartialApplicationError) Error() string {
	msg := fmt.Sprintf("partial application [%s v%d %s] at operation %d", e.Namespace, e.Version, e.Direction, e.Index)
	if e.Index == NoOperation {
		msg = fmt.Sprintf("partial application [%s v%d %s] interrupted at an unknown operation", e.Namespace, e.Version, e.Direction)
	}
	if e.RolledBack {
		msg += " (transaction rolled back)"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PartialApplicationError) Unwrap() error { return e.Cause }

func (e *PartialApplicationError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == CodePartialApplication
}

// CodeOf returns the classification of err, or 0 when err is not a
// runner error.
func CodeOf(err error) Code {
	var pe *PartialApplicationError
	var e *Error
	switch {
	case errors.As(err, &pe):
		if errors.Is(pe.Cause, ErrTimeout) {
			return CodeTimeout
		}
		return CodePartialApplication
	case errors.As(err, &e):
		return e.Code
	default:
		return 0
	}
}

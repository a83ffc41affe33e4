package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrForbiddenAssignee = errors.New("forbidden assignee")
	ErrMissingEvidence   = errors.New("missing evidence")
	ErrPersistence       = errors.New("persistence failure")
	ErrInvalidInput      = errors.New("invalid input")

	// ErrVersionConflict is reported by a Store when an update's expected
	// version no longer matches the persisted entity.
	ErrVersionConflict = errors.New("version conflict")
)

// Error carries the kind of an engine failure together with the operation
// that produced it and, for persistence failures, the underlying cause.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func notFoundf(op, format string, args ...any) error {
	return newError(ErrNotFound, op, format, args...)
}

func invalidStatef(op, format string, args ...any) error {
	return newError(ErrInvalidState, op, format, args...)
}

func forbiddenf(op, format string, args ...any) error {
	return newError(ErrForbiddenAssignee, op, format, args...)
}

func missingEvidencef(op, format string, args ...any) error {
	return newError(ErrMissingEvidence, op, format, args...)
}

func invalidInputf(op, format string, args ...any) error {
	return newError(ErrInvalidInput, op, format, args...)
}

// storeError classifies an error returned by the Store. NotFound keeps its
// kind, everything else becomes a PersistenceFailure.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return &Error{Kind: ErrNotFound, Op: op, Err: err}
	}
	return &Error{Kind: ErrPersistence, Op: op, Err: err}
}

// Kind returns the sentinel kind of err, or nil when err is not an engine error.
func Kind(err error) error {
	for _, kind := range []error{ErrNotFound, ErrInvalidState, ErrForbiddenAssignee, ErrMissingEvidence, ErrInvalidInput, ErrPersistence} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

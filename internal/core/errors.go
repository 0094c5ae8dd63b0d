package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an Error so callers can branch on it and the
// NDJSON server can pick a result/system subtype without string
// matching.
type ErrorKind string

const (
	KindParse          ErrorKind = "parse"
	KindInvalid        ErrorKind = "invalid"
	KindNotFound       ErrorKind = "not_found"
	KindConflict       ErrorKind = "conflict"
	KindArchived       ErrorKind = "archived"
	KindToolValidation ErrorKind = "tool_validation"
	KindToolExecution  ErrorKind = "tool_execution"
	KindModelError     ErrorKind = "model_error"
	KindCancelled      ErrorKind = "cancelled"
	KindInternal       ErrorKind = "internal"
)

// Error is the core's typed error value. Kinds carrying structured
// payloads (Conflict) populate Expected/Actual; everything else leaves
// them zero.
type Error struct {
	Kind     ErrorKind
	Message  string
	Expected int
	Actual   int
	Cause    error
}

func (e *Error) Error() string {
	if e.Kind == KindConflict {
		return fmt.Sprintf("conflict: expected version %d, actual %d", e.Expected, e.Actual)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// AsCoreError extracts a *Error from err's chain, if present.
func AsCoreError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func NewParse(message string) *Error { return &Error{Kind: KindParse, Message: message} }

func NewInvalid(message string) *Error { return &Error{Kind: KindInvalid, Message: message} }

func NewNotFound(slug string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("no entry with slug %q", slug)}
}

func NewConflict(expected, actual int) *Error {
	return &Error{Kind: KindConflict, Expected: expected, Actual: actual}
}

func NewArchived(slug string) *Error {
	return &Error{Kind: KindArchived, Message: fmt.Sprintf("entry %q is archived", slug)}
}

func NewToolValidation(message string) *Error {
	return &Error{Kind: KindToolValidation, Message: message}
}

func NewToolExecution(tool string, cause error) *Error {
	return &Error{Kind: KindToolExecution, Message: fmt.Sprintf("error executing tool %q", tool), Cause: cause}
}

func NewModelError(cause error) *Error {
	return &Error{Kind: KindModelError, Message: "model call failed", Cause: cause}
}

func NewCancelled() *Error { return &Error{Kind: KindCancelled, Message: "turn cancelled"} }

func NewInternal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Cause: cause}
}

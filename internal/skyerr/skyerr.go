// Package skyerr provides the tagged error taxonomy shared by every skygent
// component. Every failure that crosses a component boundary is wrapped in
// an *Error carrying a Kind so that a caller (ultimately the CLI collaborator,
// out of scope here) can map it to an exit code without string-sniffing.
package skyerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way spec §7 groups them. Kind is a closed
// enum, not an open string, so a switch over it can be exhaustive.
type Kind string

// Error kinds, one per spec §7 taxonomy entry.
const (
	KindInput           Kind = "input"
	KindConfig          Kind = "config"
	KindStoreNotFound   Kind = "store_not_found"
	KindStoreExists     Kind = "store_already_exists"
	KindStoreIO         Kind = "store_io"
	KindStoreIndex      Kind = "store_index"
	KindStoreLock       Kind = "store_lock"
	KindFilterCompile   Kind = "filter_compile"
	KindFilterEval      Kind = "filter_eval"
	KindSource          Kind = "source"
	KindDerivation      Kind = "derivation"
)

// exitCodes mirrors the table in spec §6/§7. Kept private: callers use
// ExitCode(), never the map, so the mapping can change without breaking
// call sites.
var exitCodes = map[Kind]int{
	KindInput:         2,
	KindConfig:        2,
	KindStoreNotFound: 3,
	KindStoreExists:   2,
	KindStoreIO:       7,
	KindStoreIndex:    7,
	KindStoreLock:     7,
	KindFilterCompile: 8,
	KindFilterEval:    8,
	KindSource:        5,
	KindDerivation:    1,
}

// Error is the structured error every skygent component returns. It never
// carries a user-facing rendering: Message is the only human-readable field,
// and formatting for a terminal or a JSON envelope is the CLI's job.
type Error struct {
	Kind       Kind
	Message    string
	Suggestion string
	Details    map[string]string
	Cause      error
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}

	return e.Message
}

// Unwrap lets errors.Is/errors.As see through to Cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// ExitCode returns the process exit code a CLI should use for this error.
// Unknown kinds (shouldn't happen; Kind is closed) fall back to 1.
func (e *Error) ExitCode() int {
	if code, ok := exitCodes[e.Kind]; ok {
		return code
	}

	return 1
}

// New constructs an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithSuggestion attaches a user-actionable suggestion and returns the
// receiver, for chaining at the construction site.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// WithDetail attaches a structured detail key/value pair and returns the
// receiver, for chaining at the construction site.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string, 1)
	}

	e.Details[key] = value

	return e
}

// Is reports whether target is a *Error with the same Kind, so callers can
// write errors.Is(err, skyerr.New(skyerr.KindStoreNotFound, "")) style
// checks when they only care about the kind, not the message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}

	return false
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}

	return "", false
}

package persist

import (
	"fmt"
	"strings"
)

// Kind classifies a persistence failure.
type Kind string

const (
	KindParse      Kind = "parse"
	KindSchema     Kind = "schema"
	KindValidation Kind = "validation"
	KindCorruption Kind = "corruption"
	KindFile       Kind = "file"
)

// Error is a persistence failure with enough detail to locate the problem.
type Error struct {
	Kind     Kind
	Field    string
	Expected string
	Received string
	Err      error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrParse      = &Error{Kind: KindParse}
	ErrSchema     = &Error{Kind: KindSchema}
	ErrValidation = &Error{Kind: KindValidation}
	ErrCorruption = &Error{Kind: KindCorruption}
	ErrFile       = &Error{Kind: KindFile}
)

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "state %s error", e.Kind)
	if e.Field != "" {
		fmt.Fprintf(&b, " at %s", e.Field)
	}
	if e.Expected != "" {
		fmt.Fprintf(&b, ": expected %s", e.Expected)
		if e.Received != "" {
			fmt.Fprintf(&b, ", received %s", e.Received)
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

func validationError(field, expected, received string) *Error {
	return &Error{Kind: KindValidation, Field: field, Expected: expected, Received: received}
}

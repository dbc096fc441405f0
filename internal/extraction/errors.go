// Error taxonomy for the core.
//
// DESIGN: Every component boundary returns a *Error with a Kind from the
// closed set below instead of letting provider errors unwind untyped. A
// process call surfaces exactly one Kind to the caller; internal degradations
// (index down, cache down) never become errors, only telemetry flags.
package extraction

import (
	"errors"
	"fmt"
)

// Kind classifies an error at the pipeline boundary.
type Kind string

const (
	KindInvalidRequest       Kind = "invalid_request"
	KindEmbeddingUnavailable Kind = "embedding_unavailable"
	KindModelFailure         Kind = "model_failure"
	KindBudgetExhausted      Kind = "budget_exhausted"
	KindDeadlineExceeded     Kind = "deadline_exceeded"
	KindOverloaded           Kind = "overloaded"
	KindInternal             Kind = "internal"
)

// Error is the structured error returned across component boundaries.
type Error struct {
	Kind      Kind
	Msg       string
	Retryable bool    // meaningful for model failures only
	Partial   *Result // best validated result, if any was produced
	Err       error   // wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError builds a typed error around a cause.
func WrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, or KindInternal if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PartialOf returns the partial result attached to err, if any.
func PartialOf(err error) *Result {
	var e *Error
	if errors.As(err, &e) {
		return e.Partial
	}
	return nil
}

// Package apierr defines the error taxonomy shared by the mint-authorization
// state machine, the similarity engine, and the license cache. It mirrors
// the error kinds in spec.md §7 as a single typed Code rather than separate
// Go error types, so every caller switches on one enum.
package apierr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeValidationError   Code = "VALIDATION_ERROR"
	CodeDuplicateContent  Code = "DUPLICATE_CONTENT"
	CodeSimilarityBlocked Code = "SIMILARITY_BLOCKED"
	CodeTokenNotFound     Code = "TOKEN_NOT_FOUND"
	CodeTokenAlreadyUsed  Code = "TOKEN_ALREADY_USED"
	CodeInvalidStatus     Code = "INVALID_STATUS"
	CodeAlreadyFinalized  Code = "ALREADY_FINALIZED"
	CodeUpstreamTimeout   Code = "UPSTREAM_TIMEOUT"
	CodeUpstreamError     Code = "UPSTREAM_ERROR"
	CodeServerError       Code = "SERVER_ERROR"
)

// HTTPStatus returns the status code spec.md §6 assigns to each Code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidInput:
		return 400
	case CodeValidationError:
		return 422
	case CodeDuplicateContent, CodeTokenAlreadyUsed, CodeInvalidStatus, CodeAlreadyFinalized:
		return 409
	case CodeSimilarityBlocked:
		return 403
	case CodeTokenNotFound:
		return 404
	case CodeUpstreamTimeout, CodeUpstreamError, CodeServerError:
		return 500
	default:
		return 500
	}
}

// Error is the error value returned across package boundaries for every
// client-visible failure. Payload carries the extra structured data each
// code needs (prior mint details, similarity payload, license snapshot);
// it is nil for plain validation failures.
type Error struct {
	Code    Code
	Message string
	Payload any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func WithPayload(code Code, message string, payload any) *Error {
	return &Error{Code: code, Message: message, Payload: payload}
}

// As is a convenience wrapper over errors.As for the common case of
// pulling an *Error out of an error chain to inspect its Code/Payload.
func As(err error) (*Error, bool) {
	var ae *Error
	ok := errors.As(err, &ae)
	return ae, ok
}

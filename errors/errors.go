package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// StoreError is an error with a [Code] and a customizable message.
type StoreError interface {
	error
	Code() Code
	WithMessage(message string) StoreError
	Wrap(err error) StoreError
	Unwrap() error
}

type storeError struct {
	code          Code
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e storeError) Error() string {
	if e.message != "" {
		return e.message
	}
	return StrError(e.code)
}

func (e storeError) Code() Code {
	return e.code
}

func (e storeError) Unwrap() error {
	return e.originalError
}

// WithMessage returns a copy of the error with `message` appended to the
// existing message. The result still matches the original with [errors.Is].
func (e storeError) WithMessage(message string) StoreError {
	return storeError{
		code:          e.code,
		message:       fmt.Sprintf("%s: %s", e.Error(), message),
		originalError: e,
	}
}

// Wrap returns a copy of the error that has both `e` and `err` as parents.
func (e storeError) Wrap(err error) StoreError {
	return storeError{
		code:          e.code,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// New creates a new [StoreError] with a default message derived from the
// error code.
func New(code Code) StoreError {
	return storeError{
		code:    code,
		message: StrError(code),
	}
}

// NewWithMessage creates a new StoreError from an error code with a custom
// message.
func NewWithMessage(code Code, message string) StoreError {
	return New(code).WithMessage(message)
}

// NewFromError creates a StoreError with the given code that wraps
// `originalError`.
func NewFromError(code Code, originalError error) StoreError {
	return New(code).Wrap(originalError)
}

// Corruptedf is shorthand for a [Corrupted] error with a formatted message.
func Corruptedf(format string, args ...any) StoreError {
	return ErrCorrupted.WithMessage(fmt.Sprintf(format, args...))
}

// CodeOf returns the code of the first StoreError in the chain of `err`.
// Errors that didn't originate in this module are reported as [IOFailure],
// since they can only have come from the backing segment file.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}

	var storeErr StoreError
	if stderrors.As(err, &storeErr) {
		return storeErr.Code()
	}
	return IOFailure
}

// Cast converts any error into a StoreError. Errors that are already a
// StoreError are returned unchanged; anything else is wrapped as an I/O
// failure.
func Cast(err error) StoreError {
	if err == nil {
		return nil
	}

	var storeErr StoreError
	if stderrors.As(err, &storeErr) {
		return storeErr
	}
	return ErrIOFailed.Wrap(err)
}

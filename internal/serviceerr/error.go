// Package serviceerr carries the coded errors returned by the domain services.
package serviceerr

import (
	"errors"
	"fmt"
)

// Error pairs a stable "operation.reason" code with the underlying cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Code() string {
	return e.code
}

// New builds an Error coded as operation.reason.
func New(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// CodeOf returns the code of the first Error in err's chain, or "".
func CodeOf(err error) string {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

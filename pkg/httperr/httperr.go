// Package httperr attaches an HTTP status code to an error so handlers can
// return plain errors and let a single decorator translate them into
// responses.
package httperr

import (
	"errors"
	"net/http"
)

// CodedError pairs an error with the HTTP status it should produce.
type CodedError struct {
	err  error
	code int
}

// WithCode wraps err so that Code(err) returns code.
func WithCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return &CodedError{err: err, code: code}
}

func (e *CodedError) Error() string { return e.err.Error() }
func (e *CodedError) Unwrap() error { return e.err }

// Code returns the HTTP status code attached to err via WithCode, or 500 if
// err carries none (or is nil, in which case the code is meaningless).
func Code(err error) int {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return http.StatusInternalServerError
}

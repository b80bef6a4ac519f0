package domain

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies pipeline errors for logging and response.
type ErrorCategory string

const (
	ErrCatValidation  ErrorCategory = "validation"
	ErrCatNotFound    ErrorCategory = "not_found"
	ErrCatRetrieval   ErrorCategory = "retrieval"
	ErrCatComputation ErrorCategory = "computation"
	ErrCatWebSearch   ErrorCategory = "web_search"
	ErrCatSynthesis   ErrorCategory = "synthesis"
	ErrCatFatal       ErrorCategory = "fatal"
)

// AppError wraps an error with a category and HTTP status code.
type AppError struct {
	Category   ErrorCategory
	Message    string
	StatusCode int
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether the pipeline continues past this error.
func (e *AppError) Recoverable() bool {
	switch e.Category {
	case ErrCatRetrieval, ErrCatComputation, ErrCatWebSearch, ErrCatSynthesis:
		return true
	}
	return false
}

func NewValidationError(msg string) *AppError {
	return &AppError{
		Category:   ErrCatValidation,
		Message:    msg,
		StatusCode: 400,
	}
}

func NewNotFoundError(msg string) *AppError {
	return &AppError{
		Category:   ErrCatNotFound,
		Message:    msg,
		StatusCode: 404,
	}
}

func NewRetrievalError(msg string, err error) *AppError {
	return &AppError{
		Category:   ErrCatRetrieval,
		Message:    msg,
		StatusCode: 503,
		Err:        err,
	}
}

func NewComputationError(msg string, err error) *AppError {
	return &AppError{
		Category:   ErrCatComputation,
		Message:    msg,
		StatusCode: 502,
		Err:        err,
	}
}

func NewWebSearchError(msg string, err error) *AppError {
	return &AppError{
		Category:   ErrCatWebSearch,
		Message:    msg,
		StatusCode: 502,
		Err:        err,
	}
}

func NewSynthesisError(msg string, err error) *AppError {
	return &AppError{
		Category:   ErrCatSynthesis,
		Message:    msg,
		StatusCode: 502,
		Err:        err,
	}
}

// NewFatalError carries a generic message; the cause stays in Err for logs.
func NewFatalError(err error) *AppError {
	return &AppError{
		Category:   ErrCatFatal,
		Message:    "unable to produce a solution for this question",
		StatusCode: 500,
		Err:        err,
	}
}

func IsCategory(err error, cat ErrorCategory) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category == cat
	}
	return false
}

func CategoryOf(err error) ErrorCategory {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category
	}
	return ErrCatFatal
}

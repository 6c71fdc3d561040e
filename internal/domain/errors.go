package domain

import (
	"fmt"
	"time"
)

// Validation error codes surfaced verbatim in intake responses.
const (
	CodeMissingFields       = "MISSING_FIELDS"
	CodeInvalidTypes        = "INVALID_TYPES"
	CodeEmptyCode           = "EMPTY_CODE"
	CodeUnsupportedLanguage = "UNSUPPORTED_LANGUAGE"
	CodeInvalidProblemID    = "INVALID_PROBLEM_ID"
	CodeInvalidUserID       = "INVALID_USER_ID"
	CodeInvalidTimeLimit    = "INVALID_TIME_LIMIT"
	CodeInvalidPriority     = "INVALID_PRIORITY"
	CodeInvalidTestCases    = "INVALID_TEST_CASES"
	CodeCodeTooLarge        = "CODE_TOO_LARGE"
)

// ValidationError is a rejected intake request with its wire error code.
type ValidationError struct {
	Code string
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidArgument }

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// RateLimitError carries the retry hint for a refused submission.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// LanguageExt maps language tags to canonical source file extensions.
var LanguageExt = map[string]string{
	"javascript": "js",
	"typescript": "ts",
	"python":     "py",
	"java":       "java",
	"cpp":        "cpp",
	"c":          "c",
	"go":         "go",
	"rust":       "rs",
	"ruby":       "rb",
	"php":        "php",
}

package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the job service, repositories and handlers.
var (
	ErrNotFound          = errors.New("report job not found")
	ErrDownloadNotReady  = errors.New("report is not ready for download")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports a structurally invalid job spec or request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DateRangeError reports a date range wider than the allowed maximum.
type DateRangeError struct {
	Days    int
	MaxDays int
}

func (e *DateRangeError) Error() string {
	return fmt.Sprintf("date range of %d days exceeds the maximum of %d days", e.Days, e.MaxDays)
}

// FormulaError reports an unregistered custom metric or a formula that
// cannot be parsed.
type FormulaError struct {
	Metric  string
	Formula string
	Reason  string
}

func (e *FormulaError) Error() string {
	switch {
	case e.Formula != "" && e.Metric != "":
		return fmt.Sprintf("metric %q: formula %q: %s", e.Metric, e.Formula, e.Reason)
	case e.Formula != "":
		return fmt.Sprintf("formula %q: %s", e.Formula, e.Reason)
	default:
		return fmt.Sprintf("metric %q: %s", e.Metric, e.Reason)
	}
}

// ExecutionError wraps a runtime failure during extraction or
// transformation. It is recorded on the job, never returned to a submitter.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsClientError reports whether err should be surfaced to the caller as a
// bad request rather than an internal failure.
func IsClientError(err error) bool {
	var ve *ValidationError
	var de *DateRangeError
	var fe *FormulaError
	return errors.As(err, &ve) || errors.As(err, &de) || errors.As(err, &fe)
}

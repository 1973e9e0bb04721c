package domain

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind is the machine-readable error classification surfaced on a
// failed Job or Report. Validation kinds are never retried; transient
// failures are retried with backoff; resource kinds are terminal but
// distinguishable so the caller can decide whether to resubmit.
type FailureKind string

const (
	FailureNone                FailureKind = ""
	FailureFileTooLarge        FailureKind = "file_too_large"
	FailureUnsupportedEncoding FailureKind = "unsupported_encoding"
	FailureMissingColumns      FailureKind = "missing_required_columns"
	FailureExcessiveRowErrors  FailureKind = "excessive_row_errors"
	FailureTimeout             FailureKind = "timeout"
	FailureCancelled           FailureKind = "cancelled"
	FailureTransient           FailureKind = "transient"
	FailureIncompleteDocument  FailureKind = "incomplete_document"
	FailureConverterDown       FailureKind = "converter_unavailable"
)

// ErrAlreadyProcessing is returned when a second processing request arrives
// for a source file that already has an active job.
var ErrAlreadyProcessing = errors.New("a job for this source file is already processing")

// ErrIncompleteDocument is returned when a styled document is missing a
// required section; conversion refuses to emit a partial artifact.
var ErrIncompleteDocument = errors.New("styled document is missing a required section")

// ErrConverterUnavailable is returned when fixed-layout conversion is
// requested but no converter is configured. The styled artifact remains
// usable standalone.
var ErrConverterUnavailable = errors.New("document converter unavailable")

// ValidationError describes a structurally or semantically invalid input
// file. Validation errors are terminal and never retried.
type ValidationError struct {
	Kind           FailureKind
	Detail         string
	MissingColumns []string
}

func (e *ValidationError) Error() string {
	if len(e.MissingColumns) > 0 {
		return fmt.Sprintf("%s: missing columns [%s]", e.Detail, strings.Join(e.MissingColumns, ", "))
	}
	return e.Detail
}

// NewValidationError builds a ValidationError with a formatted detail string.
func NewValidationError(kind FailureKind, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// RowError records one rejected data row. A bounded sample of these is
// attached to ExcessiveRowErrors failures so the caller can fix the export.
type RowError struct {
	Line   int    `json:"line"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: field %q: %s", e.Line, e.Field, e.Reason)
}

// RowErrorsExceeded is returned when the share of malformed rows passes the
// configured tolerance. It carries a sample of the offending rows.
type RowErrorsExceeded struct {
	TotalRows int
	ErrorRows int
	Tolerance float64
	Sample    []RowError
}

func (e *RowErrorsExceeded) Error() string {
	return fmt.Sprintf("%d of %d rows malformed, exceeds %.1f%% tolerance", e.ErrorRows, e.TotalRows, e.Tolerance)
}

// TransientError wraps a failure that is worth retrying: I/O hiccups,
// datastore unavailability and similar.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (anywhere in its chain) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ClassifyFailure translates an error chain into the job failure taxonomy.
// Low-level errors never cross into job state unclassified.
func ClassifyFailure(err error) (FailureKind, string) {
	if err == nil {
		return FailureNone, ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind, ve.Error()
	}
	var re *RowErrorsExceeded
	if errors.As(err, &re) {
		return FailureExcessiveRowErrors, re.Error()
	}
	if IsTransient(err) {
		return FailureTransient, err.Error()
	}
	return FailureTransient, err.Error()
}

package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ValidationError covers bad operator input: inverted range bounds,
// overlapping ranges, malformed folios. Never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ExhaustedError means every authorized range for the document type is used up.
// Not a data problem: the operator has to provision more ranges.
type ExhaustedError struct {
	DocumentType int
	Environment  string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no folio capacity left for document type %d in %s", e.DocumentType, e.Environment)
}

// StaleAllocationError means consume was called with a folio at or behind the
// watermark. The caller must hard-stop: resubmitting the same number would
// either reuse or skip a folio.
type StaleAllocationError struct {
	DocumentType int
	Folio        int64
	Watermark    int64
}

func (e *StaleAllocationError) Error() string {
	return fmt.Sprintf("stale folio %d for document type %d (watermark is %d)", e.Folio, e.DocumentType, e.Watermark)
}

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}

package errors

import (
	"errors"
	"fmt"
	"time"
)

/**
 * Structured errors for the voter-roll import worker
 *
 * Every failure that ends an import job is a ProcessingError so the job row
 * can record a stable code next to the human-readable message.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Input errors
	ErrorFileNotFound      ErrorCode = "FILE_NOT_FOUND"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"

	// Extraction errors
	ErrorTextExtraction ErrorCode = "TEXT_EXTRACTION_FAILED"
	ErrorOCRFailed      ErrorCode = "OCR_FAILED"
	ErrorNoText         ErrorCode = "NO_TEXT"

	// Processing errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"

	// Storage errors
	ErrorStorageFailed  ErrorCode = "STORAGE_FAILED"
	ErrorDatabaseFailed ErrorCode = "DATABASE_FAILED"
)

// Pipeline stages recorded on errors.
const (
	StageInput   = "input"
	StageExtract = "extract"
	StageOCR     = "ocr"
	StageParse   = "parse"
	StagePersist = "persist"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Stage     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

func newError(code ErrorCode, stage, jobID, msg string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      code,
		Message:   msg,
		JobID:     jobID,
		Stage:     stage,
		Timestamp: time.Now(),
		Details:   map[string]interface{}{},
		Cause:     cause,
	}
}

// Factory functions for common errors

func NewFileNotFoundError(jobID, path string) *ProcessingError {
	e := newError(ErrorFileNotFound, StageInput, jobID, "File not found on server", nil)
	e.Details["file_path"] = path
	return e
}

func NewUnsupportedFormatError(jobID string, format string) *ProcessingError {
	e := newError(ErrorUnsupportedFormat, StageInput, jobID, fmt.Sprintf("Unsupported file format: %s", format), nil)
	e.Details["format"] = format
	return e
}

func NewTextExtractionError(jobID string, cause error) *ProcessingError {
	return newError(ErrorTextExtraction, StageExtract, jobID, "Failed to extract text from file", cause)
}

func NewOCRFailedError(jobID string, page int, cause error) *ProcessingError {
	e := newError(ErrorOCRFailed, StageOCR, jobID, fmt.Sprintf("OCR failed on page %d", page), cause)
	e.Details["page"] = page
	return e
}

func NewNoTextError(jobID string, chars int) *ProcessingError {
	e := newError(ErrorNoText, StageExtract, jobID, "No text could be extracted from file", nil)
	e.Details["extracted_chars"] = chars
	return e
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	e := newError(ErrorProcessingTimeout, StageParse, jobID, fmt.Sprintf("Processing timed out after %v", duration), cause)
	e.Details["timeout_duration"] = duration.String()
	return e
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return newError(ErrorStorageFailed, StagePersist, jobID, "Failed to store voters", cause)
}

func NewDatabaseFailedError(jobID string, op string, cause error) *ProcessingError {
	e := newError(ErrorDatabaseFailed, StagePersist, jobID, fmt.Sprintf("Database operation failed: %s", op), cause)
	e.Details["operation"] = op
	return e
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}
	if e.Stage != "" {
		result["stage"] = e.Stage
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

// IsRetryable reports whether err is a transient storage failure that a
// later attempt may get past. Input, extraction and timeout failures are
// final.
func IsRetryable(err error) bool {
	var perr *ProcessingError
	if !errors.As(err, &perr) {
		return false
	}
	switch perr.Code {
	case ErrorStorageFailed, ErrorDatabaseFailed:
		return true
	}
	return false
}

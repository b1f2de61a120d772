// Package errors provides structured error handling for the export module.
// It defines the failure taxonomy of an export job, sentinel errors, and
// helpers that attach job context to a failure.
package errors

import (
	"errors"
	"fmt"
)

// Error types for classification
type ErrorType string

const (
	// ErrorTypeValidation indicates an invalid export request
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypePipeline indicates a failure while composing the movie
	ErrorTypePipeline ErrorType = "pipeline"
	// ErrorTypeCodec indicates a failure reported by an encoder, decoder or muxer
	ErrorTypeCodec ErrorType = "codec"
	// ErrorTypeIO indicates filesystem errors
	ErrorTypeIO ErrorType = "io"
	// ErrorTypeQueue indicates job scheduling errors
	ErrorTypeQueue ErrorType = "queue"
	// ErrorTypeInternal indicates internal system errors
	ErrorTypeInternal ErrorType = "internal"
)

// Error codes reported to callers of the job invocation surface.
const (
	CodeEncodeFail     = "ENCODE_FAIL"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeQueueFull      = "QUEUE_FULL"
	CodeNotFound       = "NOT_FOUND"
)

// Pipeline taxonomy
var (
	// ErrNoFramesFound indicates the frames directory is empty or missing matching files
	ErrNoFramesFound = errors.New("no frames found")

	// ErrUnsupportedColorFormat indicates the encoder advertises no usable pixel format
	ErrUnsupportedColorFormat = errors.New("unsupported color format")

	// ErrNoTrackFound indicates an expected video or audio track is absent
	ErrNoTrackFound = errors.New("no track found")

	// ErrUnexpectedFormatChange indicates a format-ready event fired more than once
	ErrUnexpectedFormatChange = errors.New("unexpected format change")

	// ErrMuxerNotStarted indicates a sample write before format negotiation completed
	ErrMuxerNotStarted = errors.New("muxer not started")

	// ErrEncoderTimeout indicates bounded polling expired without progress
	ErrEncoderTimeout = errors.New("encoder timeout")

	// ErrIOFailure indicates a filesystem error
	ErrIOFailure = errors.New("io failure")

	// ErrInvalidDimensions indicates odd or non-positive frame dimensions
	ErrInvalidDimensions = errors.New("invalid dimensions")
)

// Service-level errors
var (
	// ErrInvalidInput indicates invalid request parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrQueueFull indicates the export queue cannot take another job
	ErrQueueFull = errors.New("export queue full")

	// ErrJobNotFound indicates a job ID doesn't exist
	ErrJobNotFound = errors.New("job not found")

	// ErrCancelled indicates the job was cancelled before it finished
	ErrCancelled = errors.New("export cancelled")
)

// ExportError provides structured error information with context
type ExportError struct {
	Type    ErrorType              // Error classification
	Op      string                 // Operation that failed (e.g., "encode_video", "mix_audio")
	JobID   string                 // Related job ID if applicable
	Err     error                  // Underlying error
	Details map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *ExportError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s error in %s for job %s: %v", e.Type, e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s error in %s: %v", e.Type, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *ExportError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for sentinel errors
func (e *ExportError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// New creates a new ExportError
func New(errType ErrorType, op string, err error) *ExportError {
	return &ExportError{
		Type:    errType,
		Op:      op,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithJob adds job context to the error
func (e *ExportError) WithJob(jobID string) *ExportError {
	e.JobID = jobID
	return e
}

// WithDetail adds a key-value detail to the error
func (e *ExportError) WithDetail(key string, value interface{}) *ExportError {
	e.Details[key] = value
	return e
}

// Code returns the caller-facing error code.
func (e *ExportError) Code() string {
	switch {
	case e.Type == ErrorTypeValidation:
		return CodeInvalidRequest
	case errors.Is(e.Err, ErrQueueFull):
		return CodeQueueFull
	case errors.Is(e.Err, ErrJobNotFound):
		return CodeNotFound
	default:
		return CodeEncodeFail
	}
}

// Kind returns the taxonomy name of the underlying sentinel, or the error
// type when no sentinel matches.
func (e *ExportError) Kind() string {
	for _, k := range kinds {
		if errors.Is(e.Err, k.err) {
			return k.name
		}
	}
	return string(e.Type)
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrNoFramesFound, "NoFramesFound"},
	{ErrUnsupportedColorFormat, "UnsupportedColorFormat"},
	{ErrNoTrackFound, "NoTrackFound"},
	{ErrUnexpectedFormatChange, "UnexpectedFormatChange"},
	{ErrMuxerNotStarted, "MuxerNotStarted"},
	{ErrEncoderTimeout, "EncoderTimeout"},
	{ErrIOFailure, "IOFailure"},
	{ErrInvalidDimensions, "InvalidDimensions"},
	{ErrCancelled, "Cancelled"},
	{ErrQueueFull, "QueueFull"},
	{ErrJobNotFound, "JobNotFound"},
	{ErrInvalidInput, "InvalidInput"},
}

// IsRetryable returns true if the job might succeed when submitted again
func (e *ExportError) IsRetryable() bool {
	return errors.Is(e.Err, ErrEncoderTimeout) || errors.Is(e.Err, ErrQueueFull)
}

// Error creation helpers

// ValidationError creates a request validation error
func ValidationError(op string, err error) *ExportError {
	return New(ErrorTypeValidation, op, err)
}

// PipelineError creates a pipeline error
func PipelineError(op string, err error) *ExportError {
	return New(ErrorTypePipeline, op, err)
}

// CodecError creates a codec error
func CodecError(op string, err error) *ExportError {
	return New(ErrorTypeCodec, op, err)
}

// IOError creates a filesystem error. The result always matches ErrIOFailure.
func IOError(op string, err error) *ExportError {
	if !errors.Is(err, ErrIOFailure) {
		err = fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return New(ErrorTypeIO, op, err)
}

// QueueError creates a scheduling error
func QueueError(op string, err error) *ExportError {
	return New(ErrorTypeQueue, op, err)
}

// Wrap classifies err by its sentinel and wraps it once. An error that is
// already an ExportError is returned unchanged.
func Wrap(op string, err error) *ExportError {
	if err == nil {
		return nil
	}
	var ee *ExportError
	if errors.As(err, &ee) {
		return ee
	}
	switch {
	case errors.Is(err, ErrIOFailure):
		return New(ErrorTypeIO, op, err)
	case errors.Is(err, ErrInvalidDimensions), errors.Is(err, ErrInvalidInput):
		return ValidationError(op, err)
	case errors.Is(err, ErrUnsupportedColorFormat), errors.Is(err, ErrUnexpectedFormatChange),
		errors.Is(err, ErrMuxerNotStarted), errors.Is(err, ErrEncoderTimeout):
		return CodecError(op, err)
	case errors.Is(err, ErrQueueFull):
		return QueueError(op, err)
	case errors.Is(err, ErrNoFramesFound), errors.Is(err, ErrNoTrackFound), errors.Is(err, ErrCancelled):
		return PipelineError(op, err)
	default:
		return New(ErrorTypeInternal, op, err)
	}
}

// GetType extracts the error type from an error
func GetType(err error) ErrorType {
	var eErr *ExportError
	if errors.As(err, &eErr) {
		return eErr.Type
	}
	return ErrorTypeInternal
}

// GetJobID extracts the job ID from an error
func GetJobID(err error) string {
	var eErr *ExportError
	if errors.As(err, &eErr) {
		return eErr.JobID
	}
	return ""
}

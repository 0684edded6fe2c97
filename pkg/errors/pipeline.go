package errors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Kind is the coarse failure class that drives message disposition.
type Kind string

const (
	// KindMalformedTask: the payload cannot be decoded or lacks required
	// fields. Rejected without requeue, never reported to the orchestrator.
	KindMalformedTask Kind = "malformed_task"

	// KindTransientInfra: the broker connection or channel failed. Handled by
	// the reconnect loop, never surfaced per task.
	KindTransientInfra Kind = "transient_infra"

	// KindProcessingFailure: any stage failed while handling a valid task.
	// Rejected without requeue, dead-lettered and reported as failed.
	KindProcessingFailure Kind = "processing_failure"

	// KindStartupFailure: collaborators could not be initialized. Fatal.
	KindStartupFailure Kind = "startup_failure"
)

// ErrorCode represents a classified failure.
type ErrorCode string

const (
	ErrTimeout                    ErrorCode = "timeout"
	ErrContextCancelled           ErrorCode = "context_cancelled"
	ErrModelUnavailable           ErrorCode = "model_unavailable"
	ErrRateLimit                  ErrorCode = "rate_limit"
	ErrMalformedPayload           ErrorCode = "malformed_payload"
	ErrAudioMissing               ErrorCode = "audio_missing"
	ErrAudioDecode                ErrorCode = "audio_decode"
	ErrEmbeddingDimensionMismatch ErrorCode = "embedding_dimension_mismatch"
	ErrStoreFailure               ErrorCode = "store_failure"
	ErrBrokerFailure              ErrorCode = "broker_failure"
	ErrStartup                    ErrorCode = "startup"
	ErrProcessingError            ErrorCode = "processing_error"
)

// PipelineError is a structured error carrying its Kind and Code.
type PipelineError struct {
	Kind    Kind
	Code    ErrorCode
	Stage   string
	Message string
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the code is registered as transient.
func (e *PipelineError) Retryable() bool {
	return IsRetryable(e.Code)
}

// Malformed builds a KindMalformedTask error.
func Malformed(message string, cause error) *PipelineError {
	return &PipelineError{
		Kind:    KindMalformedTask,
		Code:    ErrMalformedPayload,
		Stage:   "decode",
		Message: message,
		Cause:   cause,
	}
}

// Startup wraps an initialization failure of the named component.
func Startup(component string, cause error) *PipelineError {
	msg := "initialization failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &PipelineError{
		Kind:    KindStartupFailure,
		Code:    ErrStartup,
		Stage:   component,
		Message: msg,
		Cause:   cause,
	}
}

// Infra wraps a broker-level failure.
func Infra(stage string, cause error) *PipelineError {
	msg := "broker failure"
	if cause != nil {
		msg = cause.Error()
	}
	return &PipelineError{
		Kind:    KindTransientInfra,
		Code:    ErrBrokerFailure,
		Stage:   stage,
		Message: msg,
		Cause:   cause,
	}
}

// ClassifyError maps err to a *PipelineError of KindProcessingFailure with
// the best matching code. An err that already is (or wraps) a PipelineError
// is returned as is.
func ClassifyError(err error, stage string) *PipelineError {
	if err == nil {
		return nil
	}

	var existing *PipelineError
	if errors.As(err, &existing) {
		return existing
	}

	pe := &PipelineError{
		Kind:    KindProcessingFailure,
		Stage:   stage,
		Message: err.Error(),
		Cause:   err,
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		pe.Code = ErrTimeout
		pe.Message = "operation timed out"
		return pe
	case errors.Is(err, context.Canceled):
		pe.Code = ErrContextCancelled
		pe.Message = "operation cancelled"
		return pe
	case errors.Is(err, ErrMissingAudio), errors.Is(err, os.ErrNotExist):
		pe.Code = ErrAudioMissing
		return pe
	case errors.Is(err, ErrSessionClosed):
		pe.Code = ErrBrokerFailure
		return pe
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "dimension mismatch"):
		pe.Code = ErrEmbeddingDimensionMismatch
	case strings.Contains(lower, "not a valid wav"),
		strings.Contains(lower, "decode audio"),
		strings.Contains(lower, "unsupported audio"):
		pe.Code = ErrAudioDecode
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "429"),
		strings.Contains(lower, "too many requests"):
		pe.Code = ErrRateLimit
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "unavailable"),
		strings.Contains(lower, "503"),
		strings.Contains(lower, "no such host"):
		pe.Code = ErrModelUnavailable
	case strings.Contains(lower, "store:"):
		pe.Code = ErrStoreFailure
	default:
		pe.Code = ErrProcessingError
	}
	return pe
}

// KindOf returns the Kind of err, treating unclassified errors as
// processing failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindProcessingFailure
}

// CodeOf returns the code of err after classification.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return ClassifyError(err, "").Code
}

// IsTimeout returns true if the error classifies as a timeout.
func IsTimeout(err error) bool {
	return err != nil && CodeOf(err) == ErrTimeout
}

// IsErrorRetryable returns true if the error classifies as transient.
func IsErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err, "").Retryable()
}

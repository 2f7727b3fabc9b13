package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidSpec         = errors.New("invalid book spec")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrRateLimited         = errors.New("rate limited")
	ErrDailyLimit          = errors.New("daily job limit reached")
	ErrOverloaded          = errors.New("system overloaded")
)

// ErrorCode is the stable machine-readable failure code stored on a job and
// returned to clients. Codes never change meaning once released.
type ErrorCode string

const (
	CodeSafetyInput         ErrorCode = "SAFETY_INPUT"
	CodeSafetyOutput        ErrorCode = "SAFETY_OUTPUT"
	CodeLLMTimeout          ErrorCode = "LLM_TIMEOUT"
	CodeLLMJSONInvalid      ErrorCode = "LLM_JSON_INVALID"
	CodeImageTimeout        ErrorCode = "IMAGE_TIMEOUT"
	CodeImageRateLimit      ErrorCode = "IMAGE_RATE_LIMIT"
	CodeImageFailed         ErrorCode = "IMAGE_FAILED"
	CodeStorageUploadFailed ErrorCode = "STORAGE_UPLOAD_FAILED"
	CodeDBWriteFailed       ErrorCode = "DB_WRITE_FAILED"
	CodeNoCredits           ErrorCode = "NO_CREDITS"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeDailyLimit          ErrorCode = "DAILY_LIMIT"
	CodeOverloaded          ErrorCode = "OVERLOADED"
	CodeQueueFailed         ErrorCode = "QUEUE_FAILED"
	CodeStuckTimeout        ErrorCode = "STUCK_TIMEOUT"
	CodeSLABreach           ErrorCode = "SLA_BREACH"
	CodeUnknown             ErrorCode = "UNKNOWN"
)

// PipelineError carries the failure code and the stage that produced it.
type PipelineError struct {
	Code  ErrorCode
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Code, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Fail wraps err with a code and stage. A nil err is allowed; the code alone
// identifies the failure.
func Fail(code ErrorCode, stage string, err error) *PipelineError {
	return &PipelineError{Code: code, Stage: stage, Err: err}
}

// CodeOf extracts the error code from err, walking the wrap chain.
// Errors without a PipelineError in the chain map to CodeUnknown.
func CodeOf(err error) ErrorCode {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeUnknown
}

// Retryable reports whether a failure with this code may be retried within
// the owning stage's budget. Safety verdicts and admission rejections are
// always terminal.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeLLMTimeout, CodeLLMJSONInvalid,
		CodeImageTimeout, CodeImageRateLimit, CodeImageFailed,
		CodeStorageUploadFailed:
		return true
	}
	return false
}

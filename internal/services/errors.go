package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrExternalTool   = errors.New("external tool error")
	ErrValidation     = errors.New("validation error")
	ErrConfiguration  = errors.New("configuration error")
	ErrNotFound       = errors.New("not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrConflict       = errors.New("conflict")
	ErrTimeout        = errors.New("timeout")
	ErrTransient      = errors.New("transient failure")
	ErrBillingBlocked = errors.New("billing blocked")
	ErrDownload       = errors.New("download failure")
	ErrTranscription  = errors.New("transcription failure")
	ErrSummarization  = errors.New("summarization failure")
	ErrRefund         = errors.New("refund failure")
)

// Stable job error codes persisted on failed jobs and surfaced over the API.
const (
	CodeInvalidJobPayload   = "invalid_job_payload"
	CodeMaxAttemptsExceeded = "max_attempts_exceeded"
	CodeDownloadError       = "download_error"
	CodeTranscriptionError  = "transcription_error"
	CodeSummarizationError  = "summarization_error"
	CodeBillingBlocked      = "billing_blocked"
	CodeInternalError       = "internal_error"
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }

func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error as non-retryable regardless of its sentinel class.
// Stage code uses it when an upstream failure cannot succeed on retry, for
// example a video that no longer exists.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether a failed operation should not be retried.
// Validation, configuration, authorization, and billing failures never
// recover on retry; everything else is assumed transient unless explicitly
// marked via Permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrBillingBlocked) ||
		errors.Is(err, ErrNotFound)
}

// JobErrorCode maps a pipeline error onto the stable code recorded on the job
// row when the job fails without further retries.
func JobErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeInvalidJobPayload
	case errors.Is(err, ErrBillingBlocked):
		return CodeBillingBlocked
	case errors.Is(err, ErrDownload):
		return CodeDownloadError
	case errors.Is(err, ErrTranscription):
		return CodeTranscriptionError
	case errors.Is(err, ErrSummarization):
		return CodeSummarizationError
	default:
		return CodeInternalError
	}
}

// WireCode maps an error onto the machine-readable code carried in API error
// payloads.
func WireCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrBillingBlocked):
		return "billing_blocked"
	case errors.Is(err, ErrRefund):
		return "refund_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrExternalTool), errors.Is(err, ErrDownload),
		errors.Is(err, ErrTranscription), errors.Is(err, ErrSummarization):
		return "external_service_error"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps an error onto the response status the API should emit.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBillingBlocked):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrRefund):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrExternalTool), errors.Is(err, ErrDownload),
		errors.Is(err, ErrTranscription), errors.Is(err, ErrSummarization),
		errors.Is(err, ErrTransient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}

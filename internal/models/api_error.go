// -----------------------------------------------------------------------
// API Error - Coded error envelope shared by HTTP handlers and MCP tools
// -----------------------------------------------------------------------

package models

import "net/http"

// Error codes surfaced at the HTTP and JSON-RPC boundaries.
const (
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeInvalidArgument      = "INVALID_ARGUMENT"
	ErrCodeInvalidExportRequest = "INVALID_EXPORT_REQUEST"
	ErrCodeJobNotFound          = "JOB_NOT_FOUND"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeArtifactNotReady     = "ARTIFACT_NOT_READY"
	ErrCodeArtifactMissing      = "ARTIFACT_MISSING"
	ErrCodeJobExpired           = "JOB_EXPIRED"
	ErrCodeEventStreamNotFound  = "EVENT_STREAM_NOT_FOUND"
	ErrCodeQueueUnavailable     = "QUEUE_UNAVAILABLE"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeCapsuleIncompatible  = "CAPSULE_INCOMPATIBLE"
	ErrCodeIndexBuildInProgress = "INDEX_BUILD_IN_PROGRESS"
	ErrCodeResultTruncated      = "RESULT_TRUNCATED"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeExportFailed         = "EXPORT_FAILED"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// APIError is a coded error carried from services to the boundary layers.
// HTTPStatus drives the REST surface; JSONRPCCode() maps the same error
// onto the /mcp JSON-RPC surface.
type APIError struct {
	Code         string
	Message      string
	HTTPStatus   int
	Retryable    bool
	RetryAfterMs *int64 // nil when the error carries no retry hint
}

func (e *APIError) Error() string {
	return e.Message
}

// JSONRPCCode maps the error code onto the JSON-RPC 2.0 error space.
func (e *APIError) JSONRPCCode() int {
	switch e.Code {
	case ErrCodeInvalidArgument:
		return -32602
	case ErrCodeNotFound, ErrCodeJobNotFound:
		return -32004
	case ErrCodeCapsuleIncompatible:
		return -32020
	case ErrCodeIndexBuildInProgress:
		return -32021
	case ErrCodeResultTruncated:
		return -32010
	case ErrCodeRateLimited:
		return -32029
	case ErrCodeTimeout:
		return -32008
	case ErrCodeUnauthorized:
		return -32000
	default:
		return -32603
	}
}

// RPCData builds the data object attached to a JSON-RPC error response.
func (e *APIError) RPCData(traceID string) map[string]interface{} {
	return map[string]interface{}{
		"code":         e.Code,
		"traceId":      traceID,
		"retryable":    e.Retryable,
		"retryAfterMs": e.RetryAfterMs,
		"httpStatus":   e.HTTPStatus,
	}
}

func retryAfter(ms int64) *int64 {
	return &ms
}

// NewUnauthorized builds a 401 bearer-auth failure.
func NewUnauthorized(message string) *APIError {
	return &APIError{Code: ErrCodeUnauthorized, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// NewInvalidArgument builds a non-retryable 400 for malformed tool input.
func NewInvalidArgument(message string) *APIError {
	return &APIError{Code: ErrCodeInvalidArgument, Message: message, HTTPStatus: http.StatusBadRequest}
}

// NewInvalidExportRequest builds the 400 returned for unusable export payloads.
func NewInvalidExportRequest(message string) *APIError {
	return &APIError{Code: ErrCodeInvalidExportRequest, Message: message, HTTPStatus: http.StatusBadRequest}
}

// NewJobNotFound builds the 404 for unknown export job ids.
func NewJobNotFound() *APIError {
	return &APIError{Code: ErrCodeJobNotFound, Message: "Export job not found.", HTTPStatus: http.StatusNotFound}
}

// NewNotFound builds a non-retryable 404 for tool lookups.
func NewNotFound(message string) *APIError {
	return &APIError{Code: ErrCodeNotFound, Message: message, HTTPStatus: http.StatusNotFound}
}

// NewArtifactNotReady builds the 409 for downloads before completion.
func NewArtifactNotReady() *APIError {
	return &APIError{Code: ErrCodeArtifactNotReady, Message: "Export artifact is not ready for download.", HTTPStatus: http.StatusConflict}
}

// NewArtifactMissing builds the 410 for downloads after removal.
func NewArtifactMissing(message string) *APIError {
	return &APIError{Code: ErrCodeArtifactMissing, Message: message, HTTPStatus: http.StatusGone}
}

// NewJobExpired builds the 410 for event access on expired jobs.
func NewJobExpired() *APIError {
	return &APIError{Code: ErrCodeJobExpired, Message: "Export job has expired.", HTTPStatus: http.StatusGone}
}

// NewEventStreamNotFound builds the 404 for streams whose bus has been removed.
func NewEventStreamNotFound() *APIError {
	return &APIError{Code: ErrCodeEventStreamNotFound, Message: "Event stream unavailable for this export job.", HTTPStatus: http.StatusNotFound}
}

// NewQueueUnavailable builds the retryable 503 for a full or closed queue.
func NewQueueUnavailable() *APIError {
	return &APIError{Code: ErrCodeQueueUnavailable, Message: "Export queue is unavailable.", HTTPStatus: http.StatusServiceUnavailable, Retryable: true}
}

// NewRateLimited builds the retryable 429 with the caller's wait hint.
func NewRateLimited(message string, retryAfterMs int64) *APIError {
	return &APIError{Code: ErrCodeRateLimited, Message: message, HTTPStatus: http.StatusTooManyRequests, Retryable: true, RetryAfterMs: retryAfter(retryAfterMs)}
}

// NewCapsuleIncompatible builds the non-retryable schema-mismatch error.
func NewCapsuleIncompatible(message string) *APIError {
	return &APIError{Code: ErrCodeCapsuleIncompatible, Message: message, HTTPStatus: http.StatusBadRequest}
}

// NewIndexBuildInProgress builds the retryable error for sidecar builds in flight.
func NewIndexBuildInProgress(message string) *APIError {
	return &APIError{Code: ErrCodeIndexBuildInProgress, Message: message, HTTPStatus: http.StatusServiceUnavailable, Retryable: true, RetryAfterMs: retryAfter(1000)}
}

// NewResultTruncated builds the retryable over-budget error. HTTP status stays
// 200 because the JSON-RPC envelope itself is deliverable.
func NewResultTruncated(message string) *APIError {
	return &APIError{Code: ErrCodeResultTruncated, Message: message, HTTPStatus: http.StatusOK, Retryable: true, RetryAfterMs: retryAfter(0)}
}

// NewTimeout builds the retryable 408 for slow capsule loads.
func NewTimeout(message string) *APIError {
	return &APIError{Code: ErrCodeTimeout, Message: message, HTTPStatus: http.StatusRequestTimeout, Retryable: true, RetryAfterMs: retryAfter(250)}
}

// NewInternal builds the retryable catch-all 500.
func NewInternal(message string) *APIError {
	return &APIError{Code: ErrCodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Retryable: true, RetryAfterMs: retryAfter(500)}
}

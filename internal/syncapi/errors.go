package syncapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/qazuor/markview/internal/domain/models"
)

// ErrorKind classifies API failures by what the caller should do about
// them, so the orchestrator and UI can branch without string-matching
// messages.
type ErrorKind string

const (
	// KindUnauthorized: session expired - prompt re-auth, do not retry.
	KindUnauthorized ErrorKind = "UNAUTHORIZED"
	KindForbidden    ErrorKind = "FORBIDDEN"
	// KindNotFound: entity vanished server-side - treat as a deletion.
	KindNotFound ErrorKind = "NOT_FOUND"
	// KindConflict: version mismatch - fetch the server copy, never retry
	// the same payload.
	KindConflict ErrorKind = "CONFLICT"
	// KindValidation: malformed payload - a programming error.
	KindValidation ErrorKind = "VALIDATION_ERROR"
	// KindRateLimited: back off per RetryAfter.
	KindRateLimited ErrorKind = "RATE_LIMITED"
	// KindUnknown: network/5xx - eligible for bounded retry.
	KindUnknown ErrorKind = "UNKNOWN"
)

// APIError is the typed failure for every client method.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Message string

	// Conflict payload (Kind == KindConflict).
	ServerVersion  int64
	ServerDocument *models.Document

	// Backoff hint (Kind == KindRateLimited).
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("sync api: %s (http %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("sync api: %s: %s", e.Kind, e.Message)
}

// kindFromStatus maps an HTTP status onto an error kind.
func kindFromStatus(status int) ErrorKind {
	switch status {
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return KindValidation
	case http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindUnknown
	}
}

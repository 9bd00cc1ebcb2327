package domain

import (
	"errors"
	"net/http"

	"github.com/qazuor/markview/internal/domain/models"
)

// HTTPError defines errors that can be mapped to HTTP status codes.
// Implementing this interface keeps the handler error mapping extensible.
type HTTPError interface {
	error
	StatusCode() int
}

type (
	// NotFoundError indicates a resource was not found
	NotFoundError struct {
		Message string
	}

	// ValidationError indicates invalid input
	ValidationError struct {
		Message string
	}

	// UnauthorizedError indicates authentication failure
	UnauthorizedError struct {
		Message string
	}

	// ForbiddenError indicates authorization failure
	ForbiddenError struct {
		Message string
	}
)

func (e *NotFoundError) Error() string     { return e.Message }
func (e *ValidationError) Error() string   { return e.Message }
func (e *UnauthorizedError) Error() string { return e.Message }
func (e *ForbiddenError) Error() string    { return e.Message }

func (e *NotFoundError) StatusCode() int     { return http.StatusNotFound }
func (e *ValidationError) StatusCode() int   { return http.StatusBadRequest }
func (e *UnauthorizedError) StatusCode() int { return http.StatusUnauthorized }
func (e *ForbiddenError) StatusCode() int    { return http.StatusForbidden }

// Sentinel errors - use with errors.Is()
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("version conflict")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// VersionConflictError is returned when an optimistic-concurrency check on a
// document fails: the caller's syncVersion is older than the persisted one.
// It carries the server's current record so the caller can refetch-and-replace
// instead of blind-retrying the same payload.
type VersionConflictError struct {
	DocumentID     string
	ServerVersion  int64
	ServerDocument *models.Document
}

func (e *VersionConflictError) Error() string {
	return "document " + e.DocumentID + ": version conflict"
}

func (e *VersionConflictError) StatusCode() int {
	return http.StatusConflict
}

// Is allows errors.Is() to match against ErrConflict
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrConflict
}

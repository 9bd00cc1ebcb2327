package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/qazuor/markview/internal/domain"
	"github.com/qazuor/markview/internal/httputil"
)

// handleError maps domain errors onto HTTP responses. Version conflicts get
// the special body the sync client expects: the server's version and record
// alongside the error, so the client can refetch instead of blind-retrying.
func handleError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var conflict *domain.VersionConflictError
	if errors.As(err, &conflict) {
		httputil.RespondErrorWithExtras(w, http.StatusConflict, "document version conflict", map[string]interface{}{
			"error":          "Conflict",
			"serverVersion":  conflict.ServerVersion,
			"serverDocument": conflict.ServerDocument,
		})
		return
	}

	var httpErr domain.HTTPError
	if errors.As(err, &httpErr) {
		httputil.RespondError(w, httpErr.StatusCode(), httpErr.Error())
		return
	}

	switch {
	case errors.Is(err, domain.ErrConflict):
		// Create race: the row appeared between lock and insert. No server
		// record to attach; the client refetches.
		httputil.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		httputil.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrValidation):
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		httputil.RespondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		httputil.RespondError(w, http.StatusForbidden, err.Error())
	default:
		logger.Error("unexpected handler error", "error", err)
		httputil.RespondError(w, http.StatusInternalServerError, "internal server error")
	}
}

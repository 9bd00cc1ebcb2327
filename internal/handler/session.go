package handler

import (
	"log/slog"
	"net/http"

	"github.com/qazuor/markview/internal/domain/models"
	"github.com/qazuor/markview/internal/domain/repositories"
	"github.com/qazuor/markview/internal/httputil"
	"github.com/qazuor/markview/internal/hub"
)

// SessionHandler reads and writes the per-user session state: which
// documents are open and which is active. Other devices use it only as a
// hint, never as proof a document exists.
type SessionHandler struct {
	sessionRepo repositories.SessionRepository
	hub         *hub.Hub
	logger      *slog.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessionRepo repositories.SessionRepository, h *hub.Hub, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessionRepo: sessionRepo,
		hub:         h,
		logger:      logger,
	}
}

// GetSession returns the user's session state
// GET /session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)

	state, err := h.sessionRepo.Get(r.Context(), userID)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, state)
}

// UpdateSession replaces the user's session state
// PUT /session
func (h *SessionHandler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)

	var state models.SessionState
	if err := httputil.ParseJSON(w, r, &state); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if state.OpenDocumentIDs == nil {
		state.OpenDocumentIDs = []string{}
	}

	if err := h.sessionRepo.Put(r.Context(), userID, &state); err != nil {
		handleError(w, h.logger, err)
		return
	}

	h.hub.Publish(userID, models.Event{
		Type:             models.EventSessionUpdated,
		OriginDeviceID:   httputil.GetDeviceID(r),
		OpenDocumentIDs:  state.OpenDocumentIDs,
		ActiveDocumentID: state.ActiveDocumentID,
	})

	httputil.RespondJSON(w, http.StatusOK, &state)
}

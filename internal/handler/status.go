package handler

import (
	"log/slog"
	"net/http"

	"github.com/qazuor/markview/internal/domain/repositories"
	"github.com/qazuor/markview/internal/httputil"
)

// StatusHandler reports sync store counts
type StatusHandler struct {
	docRepo    repositories.DocumentRepository
	folderRepo repositories.FolderRepository
	logger     *slog.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(docRepo repositories.DocumentRepository, folderRepo repositories.FolderRepository, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		docRepo:    docRepo,
		folderRepo: folderRepo,
		logger:     logger,
	}
}

// GetStatus returns counts of live documents and folders
// GET /sync/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)

	docs, err := h.docRepo.CountLive(r.Context(), userID)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}
	folders, err := h.folderRepo.CountLive(r.Context(), userID)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]int{
		"documents": docs,
		"folders":   folders,
	})
}

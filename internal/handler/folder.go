package handler

import (
	"log/slog"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/qazuor/markview/internal/domain/models"
	"github.com/qazuor/markview/internal/domain/repositories"
	"github.com/qazuor/markview/internal/httputil"
	"github.com/qazuor/markview/internal/hub"
)

// FolderHandler handles folder HTTP requests. Folders mirror the document
// endpoints at lower complexity: last write wins, no version conflicts.
type FolderHandler struct {
	folderRepo repositories.FolderRepository
	hub        *hub.Hub
	logger     *slog.Logger
}

// NewFolderHandler creates a new folder handler
func NewFolderHandler(folderRepo repositories.FolderRepository, h *hub.Hub, logger *slog.Logger) *FolderHandler {
	return &FolderHandler{
		folderRepo: folderRepo,
		hub:        h,
		logger:     logger,
	}
}

// ListFolders returns live folders plus tombstones deleted after the cutoff
// GET /folders?since=<RFC3339>
func (h *FolderHandler) ListFolders(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.RespondError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = &t
	}

	folders, err := h.folderRepo.ListSince(r.Context(), userID, since)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}
	if folders == nil {
		folders = []*models.Folder{}
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"folders":  folders,
		"syncedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// GetFolder retrieves a folder by ID
// GET /folders/{id}
func (h *FolderHandler) GetFolder(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)
	id := r.PathValue("id")

	folder, err := h.folderRepo.GetByID(r.Context(), userID, id)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{"folder": folder})
}

// UpsertFolder creates or updates a folder
// PUT /folders/{id}
func (h *FolderHandler) UpsertFolder(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)
	id := r.PathValue("id")

	var req models.UpsertFolderRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = id
	}
	if req.ID != id {
		httputil.RespondError(w, http.StatusBadRequest, "body ID does not match URL")
		return
	}

	if err := validateUpsertFolder(&req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	folder, created, err := h.folderRepo.Upsert(r.Context(), userID, &req)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	h.hub.Publish(userID, models.Event{
		Type:           models.EventFolderUpdated,
		OriginDeviceID: httputil.GetDeviceID(r),
		FolderID:       folder.ID,
	})

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httputil.RespondJSON(w, status, map[string]interface{}{"folder": folder})
}

// DeleteFolder soft-deletes a folder. Its direct document children are
// relocated to the root before the folder disappears.
// DELETE /folders/{id}
func (h *FolderHandler) DeleteFolder(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)
	id := r.PathValue("id")

	folder, err := h.folderRepo.SoftDelete(r.Context(), userID, id)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	h.hub.Publish(userID, models.Event{
		Type:           models.EventFolderDeleted,
		OriginDeviceID: httputil.GetDeviceID(r),
		FolderID:       folder.ID,
	})

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"folder":  folder,
	})
}

func validateUpsertFolder(req *models.UpsertFolderRequest) error {
	return validation.ValidateStruct(req,
		validation.Field(&req.ID, validation.Required, validation.Length(1, 64)),
		validation.Field(&req.Name, validation.Required, validation.Length(1, 255)),
	)
}

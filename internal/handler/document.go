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

// DocumentHandler handles document HTTP requests
type DocumentHandler struct {
	docRepo repositories.DocumentRepository
	hub     *hub.Hub
	logger  *slog.Logger
}

// NewDocumentHandler creates a new document handler
func NewDocumentHandler(docRepo repositories.DocumentRepository, h *hub.Hub, logger *slog.Logger) *DocumentHandler {
	return &DocumentHandler{
		docRepo: docRepo,
		hub:     h,
		logger:  logger,
	}
}

// HealthCheck responds to liveness probes
// GET /health
func (h *DocumentHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListDocuments returns all live documents, or an incremental listing that
// also includes tombstones deleted after the cutoff.
// GET /documents?since=<RFC3339>
func (h *DocumentHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
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

	docs, err := h.docRepo.ListSince(r.Context(), userID, since)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
		"syncedAt":  time.Now().UTC().Format(time.RFC3339),
	})
}

// GetDocument retrieves a document by ID
// GET /documents/{id}
func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)
	id := r.PathValue("id")

	doc, err := h.docRepo.GetByID(r.Context(), userID, id)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{"document": doc})
}

// UpsertDocument creates or updates a document. Responds 201 on create and
// 200 on update; a stale syncVersion yields 409 with the server's record.
// PUT /documents/{id}
func (h *DocumentHandler) UpsertDocument(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)
	id := r.PathValue("id")

	var req models.UpsertDocumentRequest
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

	if err := validateUpsertDocument(&req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, created, err := h.docRepo.Upsert(r.Context(), userID, &req)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	h.hub.Publish(userID, models.Event{
		Type:           models.EventDocumentUpdated,
		OriginDeviceID: httputil.GetDeviceID(r),
		DocumentID:     doc.ID,
		SyncVersion:    doc.SyncVersion,
	})

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httputil.RespondJSON(w, status, map[string]interface{}{"document": doc})
}

// DeleteDocument soft-deletes a document
// DELETE /documents/{id}
func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)
	id := r.PathValue("id")

	doc, err := h.docRepo.SoftDelete(r.Context(), userID, id)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	h.hub.Publish(userID, models.Event{
		Type:           models.EventDocumentDeleted,
		OriginDeviceID: httputil.GetDeviceID(r),
		DocumentID:     doc.ID,
	})

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"document": doc,
	})
}

func validateUpsertDocument(req *models.UpsertDocumentRequest) error {
	return validation.ValidateStruct(req,
		validation.Field(&req.ID, validation.Required, validation.Length(1, 64)),
		validation.Field(&req.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&req.Source, validation.In(
			models.DocumentSource(""), models.SourceLocal, models.SourceGitHub, models.SourceDrive,
		)),
		validation.Field(&req.SyncVersion, validation.Min(0)),
	)
}

package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/qazuor/markview/internal/domain/models"
	"github.com/qazuor/markview/internal/handler/sse"
	"github.com/qazuor/markview/internal/httputil"
	"github.com/qazuor/markview/internal/hub"
)

// EventsHandler serves the realtime event stream over SSE.
type EventsHandler struct {
	hub    *hub.Hub
	config *sse.Config
	logger *slog.Logger
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(h *hub.Hub, config *sse.Config, logger *slog.Logger) *EventsHandler {
	if config == nil {
		config = sse.DefaultConfig()
	}
	return &EventsHandler{
		hub:    h,
		config: config,
		logger: logger,
	}
}

// Stream opens the realtime channel. The first event is "connected" carrying
// a fresh connection ID; after that the stream relays the user's sync events
// and periodic heartbeats, with keep-alive comments in between.
// GET /events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)
	deviceID := httputil.GetDeviceID(r)

	writer, err := sse.NewEventWriter(w)
	if err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	connectionID := uuid.NewString()
	events, cancel := h.hub.Subscribe(userID)
	defer cancel()

	h.logger.Info("event stream opened",
		"user_id", userID,
		"device_id", deviceID,
		"connection_id", connectionID,
	)

	if err := writer.WriteEvent(string(models.EventConnected), models.Event{
		Type:         models.EventConnected,
		ConnectionID: connectionID,
	}); err != nil {
		return
	}

	keepAlive := time.NewTicker(h.config.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writer.WriteEvent(string(ev.Type), ev); err != nil {
				h.logger.Debug("event write failed, closing stream",
					"connection_id", connectionID, "error", err)
				return
			}
		case <-keepAlive.C:
			if err := writer.WriteKeepAlive(); err != nil {
				h.logger.Debug("keep-alive failed, closing stream",
					"connection_id", connectionID, "error", err)
				return
			}
		case <-r.Context().Done():
			h.logger.Info("event stream closed",
				"user_id", userID, "connection_id", connectionID)
			return
		}
	}
}

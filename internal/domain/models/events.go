package models

// EventType enumerates the realtime channel event kinds. The set is closed:
// the orchestrator dispatches with an exhaustive switch, so adding a kind is
// a compile-visible change there.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventHeartbeat       EventType = "heartbeat"
	EventDocumentUpdated EventType = "document:updated"
	EventDocumentDeleted EventType = "document:deleted"
	EventFolderUpdated   EventType = "folder:updated"
	EventFolderDeleted   EventType = "folder:deleted"
	EventSessionUpdated  EventType = "session:updated"
)

// Event is the realtime channel envelope. Every server-originated envelope
// carries the device ID of the mutation's origin so receivers can suppress
// echoes of their own writes. Payload fields are populated per Type.
type Event struct {
	Type           EventType `json:"-"` // carried as the SSE event name
	OriginDeviceID string    `json:"originDeviceId,omitempty"`

	// connected
	ConnectionID string `json:"connectionId,omitempty"`

	// document:updated, document:deleted
	DocumentID  string `json:"documentId,omitempty"`
	SyncVersion int64  `json:"syncVersion,omitempty"`

	// folder:updated, folder:deleted
	FolderID string `json:"folderId,omitempty"`

	// session:updated
	OpenDocumentIDs  []string `json:"openDocumentIds,omitempty"`
	ActiveDocumentID *string  `json:"activeDocumentId,omitempty"`
}

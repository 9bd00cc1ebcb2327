package models

import (
	"time"
)

// DocumentSource identifies where a document's canonical copy lives.
type DocumentSource string

const (
	SourceLocal  DocumentSource = "local"
	SourceGitHub DocumentSource = "github"
	SourceDrive  DocumentSource = "gdrive"
)

// SyncStatus is the per-document sync state machine.
type SyncStatus string

const (
	// StatusSynced means the last push succeeded and nothing changed since.
	StatusSynced SyncStatus = "synced"
	// StatusLocal means the document was never synced, or is synced and
	// unchanged; rendered identically to synced in the UI.
	StatusLocal SyncStatus = "local"
	// StatusModified means the content hash differs from the hash recorded
	// at the last successful sync.
	StatusModified SyncStatus = "modified"
	// StatusSyncing means a push (sync server or provider) is in flight.
	StatusSyncing SyncStatus = "syncing"
	// StatusCloudPending means a provider-linked document is waiting on its
	// debounced provider push.
	StatusCloudPending SyncStatus = "cloud-pending"
	// StatusError means the last push attempt failed.
	StatusError SyncStatus = "error"
)

// CursorPos is the editor caret position within a document.
type CursorPos struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// ScrollPos is the editor viewport position within a document.
type ScrollPos struct {
	Line       int     `json:"line"`
	Percentage float64 `json:"percentage"`
}

// GitHubInfo links a document to a file in a GitHub repository.
type GitHubInfo struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Path   string `json:"path"`
	SHA    string `json:"sha"`
	Branch string `json:"branch"`
}

// DriveInfo links a document to a Google Drive file.
type DriveInfo struct {
	FileID   string `json:"fileId"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

// Document is a markdown document. IDs are client-generated so creation can
// happen offline; SyncVersion is server-owned once the document has synced
// and never decreases.
type Document struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Content         string         `json:"content"` // always defined, "" when empty
	FolderID        *string        `json:"folderId"` // nil = root level
	IsManuallyNamed bool           `json:"isManuallyNamed"`
	Cursor          *CursorPos     `json:"cursor,omitempty"`
	Scroll          *ScrollPos     `json:"scroll,omitempty"`
	Source          DocumentSource `json:"source"`
	GitHubInfo      *GitHubInfo    `json:"githubInfo,omitempty"`
	DriveInfo       *DriveInfo     `json:"driveInfo,omitempty"`
	SyncVersion     int64          `json:"syncVersion"`
	SyncedAt        *time.Time     `json:"syncedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	DeletedAt       *time.Time     `json:"deletedAt,omitempty"` // server-side tombstone

	// Client-local sync metadata, never sent over the wire.
	SyncStatus          SyncStatus `json:"-"`
	OriginalContentHash uint32     `json:"-"`
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (d *Document) Clone() *Document {
	c := *d
	if d.FolderID != nil {
		v := *d.FolderID
		c.FolderID = &v
	}
	if d.Cursor != nil {
		v := *d.Cursor
		c.Cursor = &v
	}
	if d.Scroll != nil {
		v := *d.Scroll
		c.Scroll = &v
	}
	if d.GitHubInfo != nil {
		v := *d.GitHubInfo
		c.GitHubInfo = &v
	}
	if d.DriveInfo != nil {
		v := *d.DriveInfo
		c.DriveInfo = &v
	}
	if d.SyncedAt != nil {
		v := *d.SyncedAt
		c.SyncedAt = &v
	}
	if d.DeletedAt != nil {
		v := *d.DeletedAt
		c.DeletedAt = &v
	}
	return &c
}

// UpsertDocumentRequest is the PUT /documents/:id payload.
type UpsertDocumentRequest struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Content         string         `json:"content"`
	FolderID        *string        `json:"folderId,omitempty"`
	IsManuallyNamed bool           `json:"isManuallyNamed,omitempty"`
	Cursor          *CursorPos     `json:"cursor,omitempty"`
	Scroll          *ScrollPos     `json:"scroll,omitempty"`
	Source          DocumentSource `json:"source,omitempty"`
	GitHubInfo      *GitHubInfo    `json:"githubInfo,omitempty"`
	DriveInfo       *DriveInfo     `json:"driveInfo,omitempty"`
	SyncVersion     int64          `json:"syncVersion,omitempty"`
}

// Package store holds the client's authoritative in-memory document and
// folder state. Every mutation - whether it originates in the UI or in sync
// reconciliation - goes through the same API, so derived sync metadata
// (content hash, sync status) stays consistent regardless of who mutated.
package store

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qazuor/markview/internal/domain/models"
)

// ChangeKind identifies which slice of the store a change touched.
type ChangeKind string

const (
	ChangeDocument ChangeKind = "document"
	ChangeFolder   ChangeKind = "folder"
	ChangeSession  ChangeKind = "session"
)

// Change is one store mutation notification. Remote marks mutations applied
// by sync reconciliation; subscribers that push local edits to the server
// must skip those or they would echo the server's own writes back at it.
type Change struct {
	Kind   ChangeKind
	ID     string // document or folder ID; empty for session changes
	Remote bool
}

// Store is the in-memory document/folder/session state.
type Store struct {
	mu        sync.RWMutex
	logger    *slog.Logger
	documents map[string]*models.Document
	folders   map[string]*models.Folder
	openIDs   []string
	activeID  *string
	subs      map[int]func(Change)
	nextSubID int
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	return &Store{
		logger:    logger,
		documents: make(map[string]*models.Document),
		folders:   make(map[string]*models.Folder),
		subs:      make(map[int]func(Change)),
	}
}

// Subscribe registers a change listener. The returned unsubscribe func is
// idempotent. Listeners run synchronously after the mutation commits, outside
// the store lock.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// notify must be called without holding s.mu.
func (s *Store) notify(changes ...Change) {
	s.mu.RLock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// ---- documents ----

// CreateDocument creates a new local document with a client-generated ID so
// creation works offline. When name is empty it is derived from the content.
func (s *Store) CreateDocument(name, content string, folderID *string) *models.Document {
	manual := name != ""
	if !manual {
		name = DeriveName(content)
	}
	now := time.Now()
	doc := &models.Document{
		ID:                  uuid.NewString(),
		Name:                name,
		Content:             content,
		FolderID:            folderID,
		IsManuallyNamed:     manual,
		Source:              models.SourceLocal,
		SyncVersion:         1,
		SyncStatus:          models.StatusLocal,
		OriginalContentHash: ContentHash(content),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	s.mu.Lock()
	s.documents[doc.ID] = doc
	clone := doc.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeDocument, ID: doc.ID})
	return clone
}

// GetDocument returns a copy of the document, or false if absent.
func (s *Store) GetDocument(id string) (*models.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// Documents returns copies of all documents.
func (s *Store) Documents() []*models.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Document, 0, len(s.documents))
	for _, doc := range s.documents {
		out = append(out, doc.Clone())
	}
	return out
}

// GetDocumentsByFolder returns copies of the documents directly inside the
// folder; a nil folderID selects root-level documents.
func (s *Store) GetDocumentsByFolder(folderID *string) []*models.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Document
	for _, doc := range s.documents {
		if sameRef(doc.FolderID, folderID) {
			out = append(out, doc.Clone())
		}
	}
	return out
}

// FindDocumentByGitHub looks up the document linked to a GitHub file.
// repoFullName is "owner/repo".
func (s *Store) FindDocumentByGitHub(repoFullName, path string) (*models.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.documents {
		gh := doc.GitHubInfo
		if gh == nil {
			continue
		}
		if gh.Owner+"/"+gh.Repo == repoFullName && gh.Path == path {
			return doc.Clone(), true
		}
	}
	return nil, false
}

// FindDocumentByDrive looks up the document linked to a Google Drive file.
func (s *Store) FindDocumentByDrive(fileID string) (*models.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.documents {
		if doc.DriveInfo != nil && doc.DriveInfo.FileID == fileID {
			return doc.Clone(), true
		}
	}
	return nil, false
}

// UpdateContent replaces a document's content. Unless the document was
// manually named, the name is re-derived from the first level-1 heading. The
// document is marked modified only when the content hash genuinely moved
// away from the hash recorded at the last successful sync.
func (s *Store) UpdateContent(id, content string) error {
	s.mu.Lock()
	doc, ok := s.documents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("document %s: not found", id)
	}
	if content == doc.Content {
		// Nothing moved; notifying here would burn a push and a version
		// increment on an identical record.
		s.mu.Unlock()
		return nil
	}
	doc.Content = content
	if !doc.IsManuallyNamed {
		doc.Name = DeriveName(content)
	}
	if ContentHash(content) != doc.OriginalContentHash {
		doc.SyncStatus = models.StatusModified
	}
	doc.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeDocument, ID: id})
	return nil
}

// RenameDocument sets the document name. manual records whether the user
// chose the name, which disables auto-naming from the heading.
func (s *Store) RenameDocument(id, name string, manual bool) error {
	s.mu.Lock()
	doc, ok := s.documents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("document %s: not found", id)
	}
	changed := doc.Name != name || doc.IsManuallyNamed != manual
	doc.Name = name
	doc.IsManuallyNamed = manual
	if changed {
		doc.SyncStatus = models.StatusModified
		doc.UpdatedAt = time.Now()
	}
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeDocument, ID: id})
	}
	return nil
}

// MoveDocument reparents a document; nil folderID moves it to the root.
func (s *Store) MoveDocument(id string, folderID *string) error {
	s.mu.Lock()
	doc, ok := s.documents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("document %s: not found", id)
	}
	if folderID != nil {
		if _, ok := s.folders[*folderID]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("folder %s: not found", *folderID)
		}
	}
	doc.FolderID = folderID
	doc.SyncStatus = models.StatusModified
	doc.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeDocument, ID: id})
	return nil
}

// SetCursor records the caret position. Positions ride along with the next
// push; moving the caret alone does not mark the document modified.
func (s *Store) SetCursor(id string, cursor *models.CursorPos) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("document %s: not found", id)
	}
	doc.Cursor = cursor
	return nil
}

// SetScroll records the viewport position; same push semantics as SetCursor.
func (s *Store) SetScroll(id string, scroll *models.ScrollPos) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("document %s: not found", id)
	}
	doc.Scroll = scroll
	return nil
}

// DeleteDocument removes a document from the local map (the server side
// keeps a tombstone). An open document is closed first.
func (s *Store) DeleteDocument(id string) (*models.Document, error) {
	return s.removeDocument(id, false)
}

// RemoveDocumentRemote removes a document in response to a remote deletion
// event.
func (s *Store) RemoveDocumentRemote(id string) (*models.Document, error) {
	return s.removeDocument(id, true)
}

func (s *Store) removeDocument(id string, remote bool) (*models.Document, error) {
	s.mu.Lock()
	doc, ok := s.documents[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("document %s: not found", id)
	}
	delete(s.documents, id)
	sessionChanged := s.closeLocked(id)
	clone := doc.Clone()
	s.mu.Unlock()

	changes := []Change{{Kind: ChangeDocument, ID: id, Remote: remote}}
	if sessionChanged {
		changes = append(changes, Change{Kind: ChangeSession, Remote: remote})
	}
	s.notify(changes...)
	return clone, nil
}

// ApplyRemoteDocument materializes or replaces a document with the server's
// record: sync metadata is reset so the document reads as cleanly synced.
func (s *Store) ApplyRemoteDocument(doc *models.Document) {
	clone := doc.Clone()
	clone.SyncStatus = models.StatusSynced
	clone.OriginalContentHash = ContentHash(clone.Content)

	s.mu.Lock()
	s.documents[clone.ID] = clone
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeDocument, ID: clone.ID, Remote: true})
}

// SetSyncStatus moves a document through the sync state machine.
func (s *Store) SetSyncStatus(id string, status models.SyncStatus) {
	s.mu.Lock()
	doc, ok := s.documents[id]
	if ok {
		doc.SyncStatus = status
	}
	s.mu.Unlock()
}

// MarkSynced records a successful push: the server-owned version is adopted
// and the hash snapshot moves to contentHash, the hash of the content that
// was actually pushed. An edit that landed while the push was in flight
// leaves the document modified, so the follow-up push still fires.
func (s *Store) MarkSynced(id string, version int64, syncedAt time.Time, contentHash uint32) {
	s.mu.Lock()
	doc, ok := s.documents[id]
	if ok {
		doc.SyncVersion = version
		doc.SyncedAt = &syncedAt
		doc.OriginalContentHash = contentHash
		if ContentHash(doc.Content) == contentHash {
			doc.SyncStatus = models.StatusSynced
		} else {
			doc.SyncStatus = models.StatusModified
		}
	}
	s.mu.Unlock()
}

// ---- folders ----

// CreateFolder creates a folder under parentID (nil = root).
func (s *Store) CreateFolder(name string, parentID *string) (*models.Folder, error) {
	s.mu.Lock()
	if parentID != nil {
		if _, ok := s.folders[*parentID]; !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("folder %s: not found", *parentID)
		}
	}
	maxOrder := 0
	for _, f := range s.folders {
		if f.SortOrder > maxOrder {
			maxOrder = f.SortOrder
		}
	}
	now := time.Now()
	folder := &models.Folder{
		ID:        uuid.NewString(),
		Name:      name,
		ParentID:  parentID,
		SortOrder: maxOrder + 1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.folders[folder.ID] = folder
	clone := folder.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeFolder, ID: folder.ID})
	return clone, nil
}

// GetFolder returns a copy of the folder, or false if absent.
func (s *Store) GetFolder(id string) (*models.Folder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	folder, ok := s.folders[id]
	if !ok {
		return nil, false
	}
	return folder.Clone(), true
}

// Folders returns copies of all folders.
func (s *Store) Folders() []*models.Folder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Folder, 0, len(s.folders))
	for _, folder := range s.folders {
		out = append(out, folder.Clone())
	}
	return out
}

// RenameFolder sets the folder name.
func (s *Store) RenameFolder(id, name string) error {
	s.mu.Lock()
	folder, ok := s.folders[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("folder %s: not found", id)
	}
	folder.Name = name
	folder.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeFolder, ID: id})
	return nil
}

// MoveFolder reparents a folder. A move that would make the folder its own
// ancestor is rejected: the folder set must stay a tree.
func (s *Store) MoveFolder(id string, parentID *string) error {
	s.mu.Lock()
	folder, ok := s.folders[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("folder %s: not found", id)
	}
	if parentID != nil {
		if _, ok := s.folders[*parentID]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("folder %s: not found", *parentID)
		}
		if s.wouldCreateCycleLocked(id, *parentID) {
			s.mu.Unlock()
			return fmt.Errorf("folder %s: move would create a cycle", id)
		}
	}
	folder.ParentID = parentID
	folder.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeFolder, ID: id})
	return nil
}

func (s *Store) wouldCreateCycleLocked(id, newParentID string) bool {
	cur := &newParentID
	for cur != nil {
		if *cur == id {
			return true
		}
		parent, ok := s.folders[*cur]
		if !ok {
			return false
		}
		cur = parent.ParentID
	}
	return false
}

// DeleteFolder removes the folder, relocating its direct document children
// to the root first. The relocation happens before the folder record
// disappears so no document ever points at a missing folder.
func (s *Store) DeleteFolder(id string) (*models.Folder, error) {
	return s.removeFolder(id, false)
}

// RemoveFolderRemote removes a folder in response to a remote deletion
// event, with the same reparenting behavior.
func (s *Store) RemoveFolderRemote(id string) (*models.Folder, error) {
	return s.removeFolder(id, true)
}

func (s *Store) removeFolder(id string, remote bool) (*models.Folder, error) {
	s.mu.Lock()
	folder, ok := s.folders[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("folder %s: not found", id)
	}

	var reparented []string
	for _, doc := range s.documents {
		if doc.FolderID != nil && *doc.FolderID == id {
			doc.FolderID = nil
			doc.UpdatedAt = time.Now()
			if !remote {
				doc.SyncStatus = models.StatusModified
			}
			reparented = append(reparented, doc.ID)
		}
	}
	delete(s.folders, id)

	// Child folders of the deleted folder move to the root too.
	for _, f := range s.folders {
		if f.ParentID != nil && *f.ParentID == id {
			f.ParentID = nil
			f.UpdatedAt = time.Now()
		}
	}

	clone := folder.Clone()
	s.mu.Unlock()

	changes := make([]Change, 0, len(reparented)+1)
	for _, docID := range reparented {
		changes = append(changes, Change{Kind: ChangeDocument, ID: docID, Remote: remote})
	}
	changes = append(changes, Change{Kind: ChangeFolder, ID: id, Remote: remote})
	s.notify(changes...)
	return clone, nil
}

// ApplyRemoteFolder materializes or replaces a folder with the server's
// record.
func (s *Store) ApplyRemoteFolder(folder *models.Folder) {
	clone := folder.Clone()

	s.mu.Lock()
	s.folders[clone.ID] = clone
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeFolder, ID: clone.ID, Remote: true})
}

// ---- session ----

// OpenDocument adds the document to the open set (no-op if already open).
func (s *Store) OpenDocument(id string) error {
	s.mu.Lock()
	if _, ok := s.documents[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("document %s: not found", id)
	}
	for _, open := range s.openIDs {
		if open == id {
			s.mu.Unlock()
			return nil
		}
	}
	s.openIDs = append(s.openIDs, id)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeSession})
	return nil
}

// CloseDocument removes the document from the open set.
func (s *Store) CloseDocument(id string) {
	s.mu.Lock()
	changed := s.closeLocked(id)
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeSession})
	}
}

func (s *Store) closeLocked(id string) bool {
	for i, open := range s.openIDs {
		if open == id {
			s.openIDs = append(s.openIDs[:i], s.openIDs[i+1:]...)
			if s.activeID != nil && *s.activeID == id {
				s.activeID = nil
			}
			return true
		}
	}
	return false
}

// SetActiveDocument records which open document has focus.
func (s *Store) SetActiveDocument(id *string) {
	s.mu.Lock()
	if sameRef(s.activeID, id) {
		s.mu.Unlock()
		return
	}
	s.activeID = id
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeSession})
}

// Session returns a snapshot of the open set and active document.
func (s *Store) Session() *models.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := &models.SessionState{
		OpenDocumentIDs:  append([]string(nil), s.openIDs...),
		ActiveDocumentID: s.activeID,
	}
	return state.Clone()
}

func sameRef(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

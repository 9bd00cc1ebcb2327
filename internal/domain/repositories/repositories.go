package repositories

import (
	"context"
	"time"

	"github.com/qazuor/markview/internal/domain/models"
)

// DocumentRepository persists documents and owns the per-document sync
// version ledger.
type DocumentRepository interface {
	// Upsert creates or updates a document. On create the stored syncVersion
	// starts at 1; on update it is incremented by the server. If the caller's
	// syncVersion is older than the stored one, a *domain.VersionConflictError
	// carrying the server record is returned and nothing is written.
	Upsert(ctx context.Context, userID string, req *models.UpsertDocumentRequest) (doc *models.Document, created bool, err error)

	// GetByID returns a live (not soft-deleted) document.
	GetByID(ctx context.Context, userID, id string) (*models.Document, error)

	// ListSince returns live documents, plus tombstones whose deletedAt falls
	// after since. A nil since returns all live documents and no tombstones.
	ListSince(ctx context.Context, userID string, since *time.Time) ([]*models.Document, error)

	// SoftDelete tombstones a document and returns its final record.
	SoftDelete(ctx context.Context, userID, id string) (*models.Document, error)

	// CountLive returns the number of live documents for the user.
	CountLive(ctx context.Context, userID string) (int, error)
}

// FolderRepository persists folders. Folders are last-write-wins; there is
// no version ledger on this path.
type FolderRepository interface {
	Upsert(ctx context.Context, userID string, req *models.UpsertFolderRequest) (folder *models.Folder, created bool, err error)
	GetByID(ctx context.Context, userID, id string) (*models.Folder, error)
	ListSince(ctx context.Context, userID string, since *time.Time) ([]*models.Folder, error)

	// SoftDelete relocates the folder's direct document children to the root
	// and then tombstones the folder, in one transaction. A document must
	// never be left referencing a deleted folder.
	SoftDelete(ctx context.Context, userID, id string) (*models.Folder, error)

	CountLive(ctx context.Context, userID string) (int, error)
}

// SessionRepository persists the per-user session state row.
type SessionRepository interface {
	Get(ctx context.Context, userID string) (*models.SessionState, error)
	Put(ctx context.Context, userID string, state *models.SessionState) error
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qazuor/markview/internal/domain"
	"github.com/qazuor/markview/internal/domain/models"
	"github.com/qazuor/markview/internal/domain/repositories"
)

// PostgresDocumentRepository implements the DocumentRepository interface and
// owns the sync version ledger: sync_version is only ever written here, and
// only ever incremented.
type PostgresDocumentRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(config *RepositoryConfig) repositories.DocumentRepository {
	return &PostgresDocumentRepository{
		pool:   config.Pool,
		tables: config.Tables,
	}
}

const documentColumns = `id, user_id, folder_id, name, content, is_manually_named,
	cursor, scroll, source, github_info, drive_info,
	sync_version, synced_at, created_at, updated_at, deleted_at`

// Upsert creates or updates a document under the optimistic-concurrency rule:
// the row is locked, the caller's syncVersion is compared against the stored
// one, and a stale caller gets the server record back instead of a write.
// Tombstoned rows are revived without a version check; the tombstone's version
// still counts, so the revived row continues the ledger.
func (r *PostgresDocumentRepository) Upsert(ctx context.Context, userID string, req *models.UpsertDocumentRequest) (*models.Document, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE id = $1 AND user_id = $2
		FOR UPDATE
	`, documentColumns, r.tables.Documents)

	existing, err := scanDocument(tx.QueryRow(ctx, query, req.ID, userID))
	if err != nil && !isPgNoRowsError(err) {
		return nil, false, fmt.Errorf("lock document: %w", err)
	}

	cursor, scroll, github, drive, err := marshalDocumentJSON(req)
	if err != nil {
		return nil, false, err
	}

	source := req.Source
	if source == "" {
		source = models.SourceLocal
	}

	if existing == nil {
		query = fmt.Sprintf(`
			INSERT INTO %s (id, user_id, folder_id, name, content, is_manually_named,
				cursor, scroll, source, github_info, drive_info,
				sync_version, synced_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, now(), now(), now())
			RETURNING %s
		`, r.tables.Documents, documentColumns)

		doc, err := scanDocument(tx.QueryRow(ctx, query,
			req.ID, userID, req.FolderID, req.Name, req.Content, req.IsManuallyNamed,
			cursor, scroll, source, github, drive,
		))
		if err != nil {
			if isPgDuplicateError(err) {
				// Lost a create race with another device; the row appeared
				// between the lock attempt and the insert.
				return nil, false, fmt.Errorf("document %s: %w", req.ID, domain.ErrConflict)
			}
			if isPgForeignKeyError(err) {
				return nil, false, &domain.ValidationError{Message: "folder does not exist"}
			}
			return nil, false, fmt.Errorf("insert document: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("commit upsert: %w", err)
		}
		return doc, true, nil
	}

	if existing.DeletedAt == nil && req.SyncVersion < existing.SyncVersion {
		return nil, false, &domain.VersionConflictError{
			DocumentID:     req.ID,
			ServerVersion:  existing.SyncVersion,
			ServerDocument: existing,
		}
	}

	query = fmt.Sprintf(`
		UPDATE %s
		SET folder_id = $1, name = $2, content = $3, is_manually_named = $4,
			cursor = $5, scroll = $6, source = $7, github_info = $8, drive_info = $9,
			sync_version = sync_version + 1, synced_at = now(), updated_at = now(),
			deleted_at = NULL
		WHERE id = $10 AND user_id = $11
		RETURNING %s
	`, r.tables.Documents, documentColumns)

	doc, err := scanDocument(tx.QueryRow(ctx, query,
		req.FolderID, req.Name, req.Content, req.IsManuallyNamed,
		cursor, scroll, source, github, drive,
		req.ID, userID,
	))
	if err != nil {
		if isPgForeignKeyError(err) {
			return nil, false, &domain.ValidationError{Message: "folder does not exist"}
		}
		return nil, false, fmt.Errorf("update document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit upsert: %w", err)
	}
	return doc, false, nil
}

// GetByID retrieves a live document by ID
func (r *PostgresDocumentRepository) GetByID(ctx context.Context, userID, id string) (*models.Document, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, documentColumns, r.tables.Documents)

	doc, err := scanDocument(r.pool.QueryRow(ctx, query, id, userID))
	if err != nil {
		if isPgNoRowsError(err) {
			return nil, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// ListSince returns live documents plus, for incremental fetches, tombstones
// deleted after the cutoff. Callers need the tombstones to reconcile
// deletions they have not seen yet.
func (r *PostgresDocumentRepository) ListSince(ctx context.Context, userID string, since *time.Time) ([]*models.Document, error) {
	var (
		query string
		rows  pgx.Rows
		err   error
	)
	if since == nil {
		query = fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE user_id = $1 AND deleted_at IS NULL
			ORDER BY updated_at ASC
		`, documentColumns, r.tables.Documents)
		rows, err = r.pool.Query(ctx, query, userID)
	} else {
		query = fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE user_id = $1
			  AND (updated_at > $2 OR (deleted_at IS NOT NULL AND deleted_at > $2))
			ORDER BY updated_at ASC
		`, documentColumns, r.tables.Documents)
		rows, err = r.pool.Query(ctx, query, userID, *since)
	}
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// SoftDelete tombstones a document. The version is bumped so devices that
// resurrect the row later continue the ledger monotonically.
func (r *PostgresDocumentRepository) SoftDelete(ctx context.Context, userID, id string) (*models.Document, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET deleted_at = now(), updated_at = now(), sync_version = sync_version + 1
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
		RETURNING %s
	`, r.tables.Documents, documentColumns)

	doc, err := scanDocument(r.pool.QueryRow(ctx, query, id, userID))
	if err != nil {
		if isPgNoRowsError(err) {
			return nil, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("delete document: %w", err)
	}
	return doc, nil
}

// CountLive returns the number of live documents for the user
func (r *PostgresDocumentRepository) CountLive(ctx context.Context, userID string) (int, error) {
	query := fmt.Sprintf(`
		SELECT count(*) FROM %s WHERE user_id = $1 AND deleted_at IS NULL
	`, r.tables.Documents)

	var count int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}

// scanDocument scans one document row, decoding the jsonb side columns.
// Returns (nil, pgx.ErrNoRows) when the row is absent.
func scanDocument(row pgx.Row) (*models.Document, error) {
	var (
		doc    models.Document
		userID string
		cursor []byte
		scroll []byte
		github []byte
		drive  []byte
	)
	err := row.Scan(
		&doc.ID, &userID, &doc.FolderID, &doc.Name, &doc.Content, &doc.IsManuallyNamed,
		&cursor, &scroll, &doc.Source, &github, &drive,
		&doc.SyncVersion, &doc.SyncedAt, &doc.CreatedAt, &doc.UpdatedAt, &doc.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalInto(cursor, &doc.Cursor); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	if err := unmarshalInto(scroll, &doc.Scroll); err != nil {
		return nil, fmt.Errorf("decode scroll: %w", err)
	}
	if err := unmarshalInto(github, &doc.GitHubInfo); err != nil {
		return nil, fmt.Errorf("decode github_info: %w", err)
	}
	if err := unmarshalInto(drive, &doc.DriveInfo); err != nil {
		return nil, fmt.Errorf("decode drive_info: %w", err)
	}
	return &doc, nil
}

func marshalDocumentJSON(req *models.UpsertDocumentRequest) (cursor, scroll, github, drive []byte, err error) {
	if cursor, err = marshalNullable(req.Cursor); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode cursor: %w", err)
	}
	if scroll, err = marshalNullable(req.Scroll); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode scroll: %w", err)
	}
	if github, err = marshalNullable(req.GitHubInfo); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode github_info: %w", err)
	}
	if drive, err = marshalNullable(req.DriveInfo); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode drive_info: %w", err)
	}
	return cursor, scroll, github, drive, nil
}

// marshalNullable encodes v to JSON, mapping typed-nil pointers to SQL NULL.
func marshalNullable(v any) ([]byte, error) {
	switch t := v.(type) {
	case *models.CursorPos:
		if t == nil {
			return nil, nil
		}
	case *models.ScrollPos:
		if t == nil {
			return nil, nil
		}
	case *models.GitHubInfo:
		if t == nil {
			return nil, nil
		}
	case *models.DriveInfo:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// unmarshalInto decodes a nullable jsonb column into dest, leaving dest nil
// for SQL NULL.
func unmarshalInto[T any](data []byte, dest **T) error {
	if len(data) == 0 {
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*dest = &v
	return nil
}

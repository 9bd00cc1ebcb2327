package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qazuor/markview/internal/domain"
	"github.com/qazuor/markview/internal/domain/models"
	"github.com/qazuor/markview/internal/domain/repositories"
)

// PostgresFolderRepository implements the FolderRepository interface.
// Folders are last-write-wins: there is no version ledger on this path.
type PostgresFolderRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewFolderRepository creates a new folder repository
func NewFolderRepository(config *RepositoryConfig) repositories.FolderRepository {
	return &PostgresFolderRepository{
		pool:   config.Pool,
		tables: config.Tables,
	}
}

const folderColumns = `id, user_id, name, parent_id, color, icon, sort_order,
	created_at, updated_at, deleted_at`

// Upsert creates or updates a folder (last write wins)
func (r *PostgresFolderRepository) Upsert(ctx context.Context, userID string, req *models.UpsertFolderRequest) (*models.Folder, bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, name, parent_id, color, icon, sort_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, parent_id = EXCLUDED.parent_id,
			color = EXCLUDED.color, icon = EXCLUDED.icon,
			sort_order = EXCLUDED.sort_order,
			updated_at = now(), deleted_at = NULL
		WHERE %s.user_id = $2
		RETURNING %s, (xmax = 0) AS inserted
	`, r.tables.Folders, r.tables.Folders, folderColumns)

	var (
		folder   models.Folder
		ownerID  string
		inserted bool
	)
	err := r.pool.QueryRow(ctx, query,
		req.ID, userID, req.Name, req.ParentID, req.Color, req.Icon, req.SortOrder,
	).Scan(
		&folder.ID, &ownerID, &folder.Name, &folder.ParentID,
		&folder.Color, &folder.Icon, &folder.SortOrder,
		&folder.CreatedAt, &folder.UpdatedAt, &folder.DeletedAt,
		&inserted,
	)
	if err != nil {
		if isPgNoRowsError(err) {
			// ON CONFLICT ... WHERE filtered the update: the ID belongs to
			// another user.
			return nil, false, fmt.Errorf("folder %s: %w", req.ID, domain.ErrForbidden)
		}
		if isPgForeignKeyError(err) {
			return nil, false, &domain.ValidationError{Message: "parent folder does not exist"}
		}
		return nil, false, fmt.Errorf("upsert folder: %w", err)
	}
	return &folder, inserted, nil
}

// GetByID retrieves a live folder by ID
func (r *PostgresFolderRepository) GetByID(ctx context.Context, userID, id string) (*models.Folder, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, folderColumns, r.tables.Folders)

	folder, err := scanFolder(r.pool.QueryRow(ctx, query, id, userID))
	if err != nil {
		if isPgNoRowsError(err) {
			return nil, fmt.Errorf("folder %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get folder: %w", err)
	}
	return folder, nil
}

// ListSince returns live folders plus tombstones deleted after the cutoff
func (r *PostgresFolderRepository) ListSince(ctx context.Context, userID string, since *time.Time) ([]*models.Folder, error) {
	var (
		query string
		rows  pgx.Rows
		err   error
	)
	if since == nil {
		query = fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE user_id = $1 AND deleted_at IS NULL
			ORDER BY sort_order ASC, name ASC
		`, folderColumns, r.tables.Folders)
		rows, err = r.pool.Query(ctx, query, userID)
	} else {
		query = fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE user_id = $1
			  AND (updated_at > $2 OR (deleted_at IS NOT NULL AND deleted_at > $2))
			ORDER BY sort_order ASC, name ASC
		`, folderColumns, r.tables.Folders)
		rows, err = r.pool.Query(ctx, query, userID, *since)
	}
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	var folders []*models.Folder
	for rows.Next() {
		folder, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, folder)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	return folders, nil
}

// SoftDelete relocates the folder's direct document children to the root and
// then tombstones the folder. Both statements run in one transaction so no
// observable state ever has a document pointing at a deleted folder.
func (r *PostgresFolderRepository) SoftDelete(ctx context.Context, userID, id string) (*models.Folder, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin folder delete: %w", err)
	}
	defer tx.Rollback(ctx)

	reparent := fmt.Sprintf(`
		UPDATE %s SET folder_id = NULL, updated_at = now()
		WHERE user_id = $1 AND folder_id = $2 AND deleted_at IS NULL
	`, r.tables.Documents)
	if _, err := tx.Exec(ctx, reparent, userID, id); err != nil {
		return nil, fmt.Errorf("relocate documents: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
		RETURNING %s
	`, r.tables.Folders, folderColumns)

	folder, err := scanFolder(tx.QueryRow(ctx, query, id, userID))
	if err != nil {
		if isPgNoRowsError(err) {
			return nil, fmt.Errorf("folder %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("delete folder: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit folder delete: %w", err)
	}
	return folder, nil
}

// CountLive returns the number of live folders for the user
func (r *PostgresFolderRepository) CountLive(ctx context.Context, userID string) (int, error) {
	query := fmt.Sprintf(`
		SELECT count(*) FROM %s WHERE user_id = $1 AND deleted_at IS NULL
	`, r.tables.Folders)

	var count int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count folders: %w", err)
	}
	return count, nil
}

func scanFolder(row pgx.Row) (*models.Folder, error) {
	var (
		folder models.Folder
		userID string
	)
	err := row.Scan(
		&folder.ID, &userID, &folder.Name, &folder.ParentID,
		&folder.Color, &folder.Icon, &folder.SortOrder,
		&folder.CreatedAt, &folder.UpdatedAt, &folder.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &folder, nil
}

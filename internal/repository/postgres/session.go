package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qazuor/markview/internal/domain/models"
	"github.com/qazuor/markview/internal/domain/repositories"
)

// PostgresSessionRepository implements the SessionRepository interface.
// One row per user; last write wins.
type PostgresSessionRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(config *RepositoryConfig) repositories.SessionRepository {
	return &PostgresSessionRepository{
		pool:   config.Pool,
		tables: config.Tables,
	}
}

// Get returns the user's session state, or an empty state when none was
// ever saved. A missing row is not an error: a fresh account simply has
// nothing open.
func (r *PostgresSessionRepository) Get(ctx context.Context, userID string) (*models.SessionState, error) {
	query := fmt.Sprintf(`
		SELECT open_document_ids, active_document_id
		FROM %s WHERE user_id = $1
	`, r.tables.Sessions)

	var (
		openIDs []byte
		active  *string
	)
	err := r.pool.QueryRow(ctx, query, userID).Scan(&openIDs, &active)
	if err != nil {
		if isPgNoRowsError(err) {
			return &models.SessionState{OpenDocumentIDs: []string{}}, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	state := &models.SessionState{ActiveDocumentID: active}
	if len(openIDs) > 0 {
		if err := json.Unmarshal(openIDs, &state.OpenDocumentIDs); err != nil {
			return nil, fmt.Errorf("decode open_document_ids: %w", err)
		}
	}
	if state.OpenDocumentIDs == nil {
		state.OpenDocumentIDs = []string{}
	}
	return state, nil
}

// Put replaces the user's session state
func (r *PostgresSessionRepository) Put(ctx context.Context, userID string, state *models.SessionState) error {
	openIDs, err := json.Marshal(state.OpenDocumentIDs)
	if err != nil {
		return fmt.Errorf("encode open_document_ids: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, open_document_ids, active_document_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE
		SET open_document_ids = EXCLUDED.open_document_ids,
			active_document_id = EXCLUDED.active_document_id,
			updated_at = now()
	`, r.tables.Sessions)

	if _, err := r.pool.Exec(ctx, query, userID, openIDs, state.ActiveDocumentID); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

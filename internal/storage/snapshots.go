package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/bunseki/internal/model"
)

// CreateSnapshot writes a context snapshot. Snapshots are write-once.
func (db *DB) CreateSnapshot(ctx context.Context, s model.ContextSnapshot) error {
	if s.View == nil {
		s.View = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO context_snapshots (id, agent_execution_id, kind, view, prompt_text, token_count, content_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.ExecutionID, string(s.Kind), s.View, s.PromptText, s.TokenCount, s.ContentHash, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves a context snapshot by ID.
func (db *DB) GetSnapshot(ctx context.Context, id uuid.UUID) (model.ContextSnapshot, error) {
	var (
		s    model.ContextSnapshot
		kind string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_execution_id, kind, view, prompt_text, token_count, content_hash, created_at
		 FROM context_snapshots WHERE id = $1`, id,
	).Scan(&s.ID, &s.ExecutionID, &kind, &s.View, &s.PromptText, &s.TokenCount, &s.ContentHash, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ContextSnapshot{}, fmt.Errorf("%w: snapshot %s", ErrNotFound, id)
		}
		return model.ContextSnapshot{}, fmt.Errorf("storage: get snapshot: %w", err)
	}
	s.Kind = model.SnapshotKind(kind)
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

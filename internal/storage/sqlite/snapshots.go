package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/storage"
)

// CreateSnapshot writes a context snapshot.
func (s *Store) CreateSnapshot(ctx context.Context, snap model.ContextSnapshot) error {
	if snap.View == nil {
		snap.View = map[string]any{}
	}
	view, err := encodeJSON(snap.View)
	if err != nil {
		return fmt.Errorf("sqlite: encode view: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO context_snapshots (id, agent_execution_id, kind, view, prompt_text, token_count, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID.String(), snap.ExecutionID.String(), string(snap.Kind), view, snap.PromptText,
		snap.TokenCount, snap.ContentHash, formatTime(snap.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves a context snapshot by ID.
func (s *Store) GetSnapshot(ctx context.Context, id uuid.UUID) (model.ContextSnapshot, error) {
	var (
		snap              model.ContextSnapshot
		sid, execID, kind string
		view, created     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_execution_id, kind, view, prompt_text, token_count, content_hash, created_at
		 FROM context_snapshots WHERE id = ?`, id.String(),
	).Scan(&sid, &execID, &kind, &view, &snap.PromptText, &snap.TokenCount, &snap.ContentHash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ContextSnapshot{}, fmt.Errorf("%w: snapshot %s", storage.ErrNotFound, id)
		}
		return model.ContextSnapshot{}, fmt.Errorf("sqlite: get snapshot: %w", err)
	}
	if snap.ID, err = uuid.Parse(sid); err != nil {
		return model.ContextSnapshot{}, err
	}
	if snap.ExecutionID, err = uuid.Parse(execID); err != nil {
		return model.ContextSnapshot{}, err
	}
	if snap.CreatedAt, err = parseTime(created); err != nil {
		return model.ContextSnapshot{}, err
	}
	if err := json.Unmarshal([]byte(view), &snap.View); err != nil {
		return model.ContextSnapshot{}, fmt.Errorf("sqlite: decode view: %w", err)
	}
	snap.Kind = model.SnapshotKind(kind)
	return snap, nil
}

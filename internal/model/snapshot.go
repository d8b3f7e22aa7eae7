package model

import (
	"time"

	"github.com/google/uuid"
)

// SnapshotKind labels what a context snapshot was rendered for.
type SnapshotKind string

const (
	SnapshotPlanning SnapshotKind = "planning"
	SnapshotAnswer   SnapshotKind = "answer"
)

// ContextSnapshot is a write-once capture of what the planner was shown.
type ContextSnapshot struct {
	ID          uuid.UUID      `json:"id"`
	ExecutionID uuid.UUID      `json:"agent_execution_id"`
	Kind        SnapshotKind   `json:"kind"`
	View        map[string]any `json:"view"`
	PromptText  string         `json:"prompt_text"`
	TokenCount  int            `json:"token_count"`
	ContentHash string         `json:"content_hash"`
	CreatedAt   time.Time      `json:"created_at"`
}

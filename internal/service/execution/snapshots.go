package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ashita-ai/bunseki/internal/model"
)

const hashV1Prefix = "v1:"

// SnapshotStore persists write-once captures of what the planner was shown.
type SnapshotStore struct {
	store Store
	clock Clock
}

// NewSnapshotStore creates a SnapshotStore.
func NewSnapshotStore(store Store, clock Clock) *SnapshotStore {
	return &SnapshotStore{store: store, clock: clock}
}

// Save hashes and persists one rendered context.
func (s *SnapshotStore) Save(ctx context.Context, executionID uuid.UUID, kind model.SnapshotKind, view map[string]any, prompt string) (model.ContextSnapshot, error) {
	if view == nil {
		view = map[string]any{}
	}
	hash, err := ContentHash(kind, view, prompt)
	if err != nil {
		return model.ContextSnapshot{}, err
	}
	snap := model.ContextSnapshot{
		ID:          newID(),
		ExecutionID: executionID,
		Kind:        kind,
		View:        view,
		PromptText:  prompt,
		TokenCount:  EstimateTokens(prompt),
		ContentHash: hash,
		CreatedAt:   s.clock.now(),
	}
	if err := s.store.CreateSnapshot(ctx, snap); err != nil {
		return model.ContextSnapshot{}, fmt.Errorf("execution: save snapshot: %w", err)
	}
	return snap, nil
}

// Get loads a snapshot.
func (s *SnapshotStore) Get(ctx context.Context, id uuid.UUID) (model.ContextSnapshot, error) {
	return s.store.GetSnapshot(ctx, id)
}

// ContentHash produces a versioned SHA-256 digest over the snapshot kind,
// canonical view JSON and prompt text.
func ContentHash(kind model.SnapshotKind, view map[string]any, prompt string) (string, error) {
	canonical, err := json.Marshal(view)
	if err != nil {
		return "", fmt.Errorf("execution: hash snapshot view: %w", err)
	}
	h := sha256.New()
	writeField(h, string(kind))
	writeField(h, string(canonical))
	writeField(h, prompt)
	return hashV1Prefix + hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyContentHash reports whether snap still hashes to its stored value.
func VerifyContentHash(snap model.ContextSnapshot) bool {
	if !strings.HasPrefix(snap.ContentHash, hashV1Prefix) {
		return false
	}
	got, err := ContentHash(snap.Kind, snap.View, snap.PromptText)
	return err == nil && got == snap.ContentHash
}

// EstimateTokens approximates the planner token count of text at four
// characters per token, rounded up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ashita-ai/bunseki/internal/storage"
)

// ErrOrderingFault is returned when the counter hands out a value that is
// not exactly one greater than the previous one.
var ErrOrderingFault = errors.New("execution: ordering fault")

// seqSource is the subset of Store the sequencer needs.
type seqSource interface {
	NextSeq(ctx context.Context, id uuid.UUID) (int64, error)
}

// Sequencer assigns seq values for one run. Next calls are serialized and
// each value is checked against the previous one, so a second writer on the
// same run surfaces as ErrOrderingFault instead of silently interleaving.
type Sequencer struct {
	source seqSource
	id     uuid.UUID

	mu   sync.Mutex
	last atomic.Int64
}

// NewSequencer creates a Sequencer for run id whose counter currently
// stands at last.
func NewSequencer(source seqSource, id uuid.UUID, last int64) *Sequencer {
	s := &Sequencer{source: source, id: id}
	s.last.Store(last)
	return s
}

// Next increments the run's counter and returns the new value.
func (s *Sequencer) Next(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.source.NextSeq(ctx, s.id)
	if err != nil {
		if errors.Is(err, storage.ErrNotInProgress) {
			return 0, fmt.Errorf("%w: %s", ErrAlreadyTerminal, s.id)
		}
		return 0, fmt.Errorf("execution: next seq: %w", err)
	}
	prev := s.last.Load()
	if seq != prev+1 {
		return 0, fmt.Errorf("%w: run %s got seq %d after %d", ErrOrderingFault, s.id, seq, prev)
	}
	s.last.Store(seq)
	return seq, nil
}

// Current returns the last seq handed out. Partial stream events are
// stamped with it.
func (s *Sequencer) Current() int64 {
	return s.last.Load()
}

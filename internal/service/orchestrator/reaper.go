package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/service/execution"
)

const reapBatchSize = 100

// Reaper finishes runs left in_progress by a crashed process. A run older
// than the stale timeout that is not executing in this process is marked
// failure with kind stale, and its in-flight tool attempts are failed.
type Reaper struct {
	o        *Orchestrator
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper creates a Reaper for o's store.
func (o *Orchestrator) NewReaper(timeout, interval time.Duration) *Reaper {
	return &Reaper{o: o, timeout: timeout, interval: interval, logger: o.logger.With("component", "reaper")}
}

// Run reaps on every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if n, err := r.ReapOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("reap stale executions", "error", err)
		} else if n > 0 {
			r.logger.Info("reaped stale executions", "count", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ReapOnce finishes one batch of stale runs and returns how many it
// finished.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.timeout)
	stale, err := r.o.store.ListStaleExecutions(ctx, cutoff, reapBatchSize)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: list stale executions: %w", err)
	}

	n := 0
	for _, e := range stale {
		if r.o.IsActive(e.ID) {
			continue
		}
		if _, err := r.o.tools.CancelActive(ctx, e.ID, model.ToolFailure, "execution went stale"); err != nil {
			return n, err
		}
		_, err := r.o.lifecycle.Finish(ctx, e.ID, model.ExecutionFailure, e.TokenUsage, &model.ExecutionError{
			Kind:    model.ErrorKindStale,
			Message: fmt.Sprintf("no progress since %s", e.StartedAt.Format(time.RFC3339)),
		})
		if errors.Is(err, execution.ErrAlreadyTerminal) {
			continue
		}
		if err != nil {
			return n, err
		}
		r.o.metrics.recordFinished(ctx, model.ExecutionFailure)
		n++
	}
	return n, nil
}

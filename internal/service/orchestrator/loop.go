package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/bunseki/internal/catalog"
	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/service/execution"
	"github.com/ashita-ai/bunseki/internal/stream"
	"github.com/ashita-ai/bunseki/internal/telemetry"
)

var tracer = telemetry.Tracer("bunseki/orchestrator")

// errPlannerCall wraps failures of the planner call itself.
var errPlannerCall = errors.New("planner call failed")

// run is the mutable state of one execution's loop. It is owned by a single
// goroutine.
type run struct {
	o      *Orchestrator
	exec   model.AgentExecution
	req    model.StartExecutionRequest
	seq    *execution.Sequencer
	stream *stream.Stream
	logger *slog.Logger

	usage         model.TokenUsage
	history       []HistoryItem
	last          *ObservationRecord
	past          []ObservationRecord
	researchTurns int
	finalAnswer   *string
}

func (o *Orchestrator) execute(ctx context.Context, e model.AgentExecution, req model.StartExecutionRequest) (model.AgentExecution, error) {
	defer o.release(e.ID)

	ctx, span := tracer.Start(ctx, "execution.run", trace.WithAttributes(
		attribute.String("execution_id", e.ID.String()),
		attribute.String("request_id", e.RequestID),
	))
	defer span.End()

	r := &run{
		o:      o,
		exec:   e,
		req:    req,
		seq:    execution.NewSequencer(o.store, e.ID, e.LatestSeq),
		stream: o.hub.Open(e.ID),
		logger: o.logger.With("execution_id", e.ID),
	}
	if err := r.emit(model.EventExecutionStarted, r.seq.Current(), toData(e)); err != nil {
		r.logger.Warn("emit execution.started", "error", err)
	}

	status, execErr := r.loop(ctx)
	if execErr != nil {
		span.SetStatus(codes.Error, execErr.Error())
	}
	return o.finish(ctx, r, status, execErr)
}

// loop runs turns until one completes the analysis or a fatal condition
// stops the run.
func (r *run) loop(ctx context.Context) (model.ExecutionStatus, *model.ExecutionError) {
	for loopIndex := 0; ; loopIndex++ {
		if ctx.Err() != nil {
			return model.ExecutionCancelled, nil
		}
		if loopIndex >= r.o.opts.MaxLoopIterations {
			return model.ExecutionFailure, &model.ExecutionError{
				Kind:    model.ErrorKindLoopLimit,
				Message: fmt.Sprintf("analysis not complete after %d turns", r.o.opts.MaxLoopIterations),
			}
		}

		done, err := r.turn(ctx, loopIndex)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return model.ExecutionCancelled, nil
			}
			r.logger.Error("turn failed", "loop_index", loopIndex, "error", err)
			return model.ExecutionFailure, classify(err)
		}
		if done {
			return model.ExecutionSuccess, nil
		}
	}
}

// turn renders, plans, records and acts once. It reports whether the run
// is complete.
func (r *run) turn(ctx context.Context, loopIndex int) (bool, error) {
	atCap := r.researchTurns >= r.o.opts.ResearchLoopCap
	kind := model.SnapshotPlanning
	filter := catalog.Filter{Organization: r.req.OrgID, Permissions: r.req.Permissions}
	if atCap {
		kind = model.SnapshotAnswer
		filter.PlanType = model.PlanTypeAction
	}

	rendered, err := r.o.opts.Renderer.Render(ctx, TurnState{
		Execution:        r.exec,
		Request:          r.req,
		LoopIndex:        loopIndex,
		ResearchTurns:    r.researchTurns,
		ResearchCap:      r.o.opts.ResearchLoopCap,
		History:          r.history,
		LastObservation:  r.last,
		PastObservations: r.past,
		Catalog:          r.o.catalog.Entries(filter),
	})
	if err != nil {
		return false, fmt.Errorf("render turn %d: %w", loopIndex, err)
	}
	snap, err := r.o.snapshots.Save(ctx, r.exec.ID, kind, rendered.View, rendered.Prompt)
	if err != nil {
		return false, err
	}

	resp, latency, err := r.plan(ctx, loopIndex, rendered.Request)
	if err != nil {
		return false, err
	}
	d, err := r.decide(loopIndex, resp, snap.ID, latency)
	if err != nil {
		return false, err
	}
	d, err = r.o.decisions.Record(ctx, r.seq, d)
	if err != nil {
		return false, err
	}
	r.usage = r.usage.Add(d.Metrics.TokenUsage)
	if err := r.emit(model.EventDecisionFinal, d.Seq, toData(d)); err != nil {
		return false, err
	}

	item := HistoryItem{
		LoopIndex:        d.LoopIndex,
		Seq:              d.Seq,
		PlanType:         d.PlanType,
		Reasoning:        d.Reasoning,
		AssistantMessage: d.AssistantMessage,
		Action:           d.Action,
	}
	if d.Action != nil {
		obs, err := r.runTool(ctx, d)
		if err != nil {
			return false, err
		}
		r.observe(&item, obs)
		r.history = append(r.history, item)
		if !obs.failed && obs.obs.AnalysisComplete {
			answer := obs.obs.FinalAnswer
			if answer == nil {
				answer = d.FinalAnswer
			}
			if err := r.closeByTool(ctx, d, answer); err != nil {
				return false, err
			}
			return true, nil
		}
	} else {
		r.history = append(r.history, item)
	}

	if d.AnalysisComplete {
		r.finalAnswer = d.FinalAnswer
		return true, nil
	}
	return false, nil
}

// closeByTool records the decision that ends a run completed by a tool, so
// the completion and its final answer are durable like any planner turn.
func (r *run) closeByTool(ctx context.Context, d model.PlanDecision, answer *string) error {
	closing, err := r.o.decisions.Record(ctx, r.seq, model.PlanDecision{
		ExecutionID:      r.exec.ID,
		LoopIndex:        d.LoopIndex,
		PlanType:         d.PlanType,
		AnalysisComplete: true,
		Reasoning:        fmt.Sprintf(toolCompletionNoteFmt, d.Action.Name),
		FinalAnswer:      answer,
		SnapshotID:       d.SnapshotID,
	})
	if err != nil {
		return err
	}
	r.finalAnswer = closing.FinalAnswer
	return r.emit(model.EventDecisionFinal, closing.Seq, toData(closing))
}

// plan calls the planner, streaming partial text as it arrives.
func (r *run) plan(ctx context.Context, loopIndex int, req PlannerRequest) (PlannerResponse, time.Duration, error) {
	ctx, span := tracer.Start(ctx, "planner.plan", trace.WithAttributes(attribute.Int("loop_index", loopIndex)))
	defer span.End()

	text := stream.NewTextStreamer(func(typ model.EventType, data map[string]any) error {
		data["loop_index"] = loopIndex
		return r.emit(typ, r.seq.Current(), data)
	}, r.o.opts.Text)

	start := time.Now()
	resp, err := r.o.planner.Plan(ctx, req, func(p Partial) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.emit(model.EventDecisionPartial, r.seq.Current(), map[string]any{
			"loop_index":        loopIndex,
			"reasoning_message": p.ReasoningMessage,
			"assistant_message": p.AssistantMessage,
		}); err != nil {
			return err
		}
		return text.Update(ctx, p.ReasoningMessage, p.AssistantMessage)
	})
	latency := time.Since(start)
	r.o.metrics.plannerLatency.Record(ctx, float64(latency.Milliseconds()))

	if err != nil {
		if ctx.Err() != nil {
			return PlannerResponse{}, latency, ctx.Err()
		}
		span.SetStatus(codes.Error, err.Error())
		return PlannerResponse{}, latency, fmt.Errorf("%w: %w", errPlannerCall, err)
	}
	if resp.Error != nil {
		span.SetStatus(codes.Error, resp.Error.Error())
		return PlannerResponse{}, latency, fmt.Errorf("%w: %w", errPlannerCall, resp.Error)
	}

	content := resp.AssistantMessage
	if content == "" && resp.FinalAnswer != nil {
		content = *resp.FinalAnswer
	}
	if err := text.Update(ctx, resp.ReasoningMessage, content); err != nil {
		return PlannerResponse{}, latency, err
	}
	if err := text.Complete(ctx); err != nil {
		return PlannerResponse{}, latency, err
	}
	return resp, latency, nil
}

// decide validates a planner response against the decision contract and
// applies the research cap. The returned decision is not yet recorded.
func (r *run) decide(loopIndex int, resp PlannerResponse, snapshotID uuid.UUID, latency time.Duration) (model.PlanDecision, error) {
	pt := resp.PlanType
	if pt == "" {
		pt = model.PlanTypeAction
	}
	if pt != model.PlanTypeResearch && pt != model.PlanTypeAction {
		return model.PlanDecision{}, fmt.Errorf("%w: unknown plan_type %q", ErrPlannerProtocol, pt)
	}

	var action *model.Action
	if resp.Action != nil {
		a := *resp.Action
		if a.Type == "" {
			a.Type = "tool_call"
		}
		if a.Type != "tool_call" {
			return model.PlanDecision{}, fmt.Errorf("%w: unsupported action type %q", ErrPlannerProtocol, a.Type)
		}
		if a.Name == "" {
			return model.PlanDecision{}, fmt.Errorf("%w: action without a tool name", ErrPlannerProtocol)
		}
		a.Arguments = maps.Clone(a.Arguments)
		if a.Arguments == nil {
			a.Arguments = map[string]any{}
		}
		action = &a
	}

	metrics := model.DecisionMetrics{LatencyMs: latency.Milliseconds()}
	if resp.Metrics != nil {
		metrics.TokenUsage = resp.Metrics.TokenUsage
		if resp.Metrics.LatencyMs > 0 {
			metrics.LatencyMs = resp.Metrics.LatencyMs
		}
	}

	d := model.PlanDecision{
		ExecutionID:      r.exec.ID,
		LoopIndex:        loopIndex,
		PlanType:         pt,
		AnalysisComplete: resp.AnalysisComplete,
		Reasoning:        resp.ReasoningMessage,
		AssistantMessage: resp.AssistantMessage,
		FinalAnswer:      resp.FinalAnswer,
		Action:           action,
		Metrics:          metrics,
		SnapshotID:       &snapshotID,
	}

	if pt == model.PlanTypeResearch {
		r.researchTurns++
		if limit := r.o.opts.ResearchLoopCap; r.researchTurns > limit && !d.AnalysisComplete {
			d.AnalysisComplete = true
			d.Action = nil
			d.Reasoning = strings.TrimSpace(d.Reasoning + "\n\n" + fmt.Sprintf(researchCapNoteFmt, limit))
			r.logger.Warn("research cap reached, forcing completion", "loop_index", loopIndex, "cap", limit)
		}
	}

	if !d.AnalysisComplete && d.Action == nil && d.FinalAnswer == nil {
		return model.PlanDecision{}, fmt.Errorf("%w: decision has neither an action nor a final answer", ErrPlannerProtocol)
	}
	return d, nil
}

// finish records the terminal state. Writes here ignore cancellation so a
// cancelled run still reaches a terminal row.
func (o *Orchestrator) finish(ctx context.Context, r *run, status model.ExecutionStatus, execErr *model.ExecutionError) (model.AgentExecution, error) {
	fctx := context.WithoutCancel(ctx)
	defer o.hub.Close(r.exec.ID)

	if status != model.ExecutionSuccess {
		toolStatus, reason := model.ToolFailure, "execution failed"
		if status == model.ExecutionCancelled {
			toolStatus, reason = model.ToolCancelled, cancelledToolErrorMessage
		}
		if n, err := o.tools.CancelActive(fctx, r.exec.ID, toolStatus, reason); err != nil {
			r.logger.Error("finish in-flight tools", "error", err)
		} else if n > 0 {
			r.logger.Info("in-flight tools finished", "count", n, "status", toolStatus)
		}
	}

	e, err := o.lifecycle.Finish(fctx, r.exec.ID, status, r.usage, execErr)
	if err != nil {
		r.logger.Error("finish execution", "status", status, "error", err)
		return e, err
	}
	o.metrics.recordFinished(fctx, status)

	data := map[string]any{
		"status":            string(e.Status),
		"total_duration_ms": e.TotalDurationMs,
	}
	if e.Error != nil {
		data["error"] = map[string]any{"kind": string(e.Error.Kind), "message": e.Error.Message}
	}
	if r.finalAnswer != nil {
		data["final_answer"] = *r.finalAnswer
	}
	if err := r.emit(model.EventExecutionFinished, r.seq.Current(), data); err != nil {
		r.logger.Warn("emit execution.finished", "error", err)
	}
	return e, nil
}

// emit puts one event on the run's stream. A closed stream means nobody can
// listen any more and is not an error.
func (r *run) emit(typ model.EventType, seq int64, data map[string]any) error {
	err := r.stream.Put(model.StreamEvent{
		EventType:    typ,
		CompletionID: r.exec.RequestID,
		ExecutionID:  r.exec.ID,
		Seq:          seq,
		Data:         data,
	})
	if errors.Is(err, stream.ErrClosed) {
		return nil
	}
	return err
}

// classify maps a fatal loop error to the run's error kind.
func classify(err error) *model.ExecutionError {
	kind := model.ErrorKindInternal
	switch {
	case errors.Is(err, execution.ErrOrderingFault), errors.Is(err, stream.ErrSeqRegression):
		kind = model.ErrorKindOrderingFault
	case errors.Is(err, ErrPlannerProtocol):
		kind = model.ErrorKindPlannerProtocol
	case errors.Is(err, errPlannerCall):
		kind = model.ErrorKindPlannerError
	}
	return &model.ExecutionError{Kind: kind, Message: err.Error()}
}

func toData(v any) map[string]any {
	m, err := toMap(v)
	if err != nil {
		return map[string]any{"encode_error": err.Error()}
	}
	return m
}

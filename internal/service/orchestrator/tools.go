package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/bunseki/internal/catalog"
	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/service/execution"
)

// toolObservation is the outcome of one planned tool call across all of its
// attempts.
type toolObservation struct {
	record ObservationRecord
	obs    catalog.Observation
	policy catalog.ObservationPolicy
	failed bool
}

// runTool executes the decision's action, retrying failed and timed-out
// attempts up to the tool's max_retries. Only idempotent tools are retried;
// a non-idempotent tool may have done its work before failing or timing
// out, so it gets exactly one attempt. Tool failures are returned as
// observations; only persistence, ordering and cancellation errors are
// returned as errors.
func (r *run) runTool(ctx context.Context, d model.PlanDecision) (toolObservation, error) {
	name, args := d.Action.Name, d.Action.Arguments
	key, err := execution.IdempotencyKey(r.exec.ID, &d.ID, name, args)
	if err != nil {
		return toolObservation{}, err
	}

	tool, desc, err := r.o.catalog.Lookup(name)
	var reject string
	switch {
	case err != nil:
		reject = err.Error()
	case !desc.Category.Allows(d.PlanType):
		reject = fmt.Sprintf("tool %s is not available on %s turns", name, d.PlanType)
	case !desc.EnabledFor(r.req.OrgID):
		reject = fmt.Sprintf("tool %s is not enabled for this organization", name)
	case r.req.Permissions != nil && !desc.Permits(r.req.Permissions):
		reject = fmt.Sprintf("tool %s requires permissions %v", name, desc.RequiredPermissions)
	default:
		if err := r.o.catalog.ValidateArguments(name, args); err != nil {
			reject = err.Error()
		}
	}
	if reject != "" {
		return r.reject(ctx, d, key, reject)
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return toolObservation{}, err
		}
		te, err := r.o.tools.Start(ctx, r.seq, r.exec.ID, execution.ToolStart{
			DecisionID:     &d.ID,
			ToolName:       name,
			ToolAction:     d.Action.Type,
			Arguments:      args,
			AttemptNumber:  attempt,
			MaxRetries:     desc.MaxRetries,
			IdempotencyKey: key,
		})
		if err != nil {
			return toolObservation{}, err
		}
		if err := r.emit(model.EventToolStart, te.Seq, toData(te)); err != nil {
			return toolObservation{}, err
		}

		res, out := r.attempt(ctx, tool, desc, te)
		te, err = r.o.tools.Finish(context.WithoutCancel(ctx), te, out)
		if err != nil {
			return toolObservation{}, err
		}
		r.o.metrics.recordTool(ctx, te)
		if err := r.emit(model.EventToolEnd, te.Seq, toData(te)); err != nil {
			return toolObservation{}, err
		}

		switch {
		case te.Status == model.ToolSuccess:
			return toolObservation{
				record: ObservationRecord{
					Seq:       te.Seq,
					Tool:      name,
					Status:    te.Status,
					Summary:   res.Observation.Summary,
					Artifacts: res.Observation.Artifacts,
					Output:    res.Output,
				},
				obs:    res.Observation,
				policy: desc.ObservationPolicy,
			}, nil
		case te.Status == model.ToolCancelled:
			return toolObservation{}, context.Canceled
		case !te.Status.Retryable() || !desc.Idempotent || attempt > desc.MaxRetries:
			return failedObservation(te, desc.ObservationPolicy), nil
		}

		r.logger.Warn("tool attempt failed, retrying",
			"tool", name, "attempt", attempt, "status", te.Status, "error", te.ErrorMessage)
		if err := sleepCtx(ctx, r.o.opts.ToolRetryDelay<<(attempt-1)); err != nil {
			return toolObservation{}, err
		}
	}
}

// reject records a single failed attempt for a call that could not be
// dispatched (unknown tool, wrong turn type, invalid arguments) so the
// planner sees the failure and the history shows it.
func (r *run) reject(ctx context.Context, d model.PlanDecision, key, reason string) (toolObservation, error) {
	te, err := r.o.tools.Start(ctx, r.seq, r.exec.ID, execution.ToolStart{
		DecisionID:     &d.ID,
		ToolName:       d.Action.Name,
		ToolAction:     d.Action.Type,
		Arguments:      d.Action.Arguments,
		AttemptNumber:  1,
		MaxRetries:     0,
		IdempotencyKey: key,
	})
	if err != nil {
		return toolObservation{}, err
	}
	if err := r.emit(model.EventToolStart, te.Seq, toData(te)); err != nil {
		return toolObservation{}, err
	}
	te, err = r.o.tools.Finish(context.WithoutCancel(ctx), te, model.ToolOutcome{
		Status:       model.ToolFailure,
		ErrorMessage: reason,
	})
	if err != nil {
		return toolObservation{}, err
	}
	r.o.metrics.recordTool(ctx, te)
	if err := r.emit(model.EventToolEnd, te.Seq, toData(te)); err != nil {
		return toolObservation{}, err
	}
	r.logger.Warn("tool call rejected", "tool", d.Action.Name, "reason", reason)
	return failedObservation(te, catalog.ObserveAlways), nil
}

// attempt runs one try under the tool's timeout. The tool runs on its own
// goroutine so a tool that ignores its context cannot hold the loop past
// the deadline or past cancellation.
func (r *run) attempt(ctx context.Context, tool catalog.Tool, desc catalog.Descriptor, te model.ToolExecution) (catalog.Result, model.ToolOutcome) {
	timeout := desc.Timeout(r.o.opts.DefaultToolTimeout)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	actx, span := tracer.Start(actx, "tool.run", trace.WithAttributes(
		attribute.String("tool", te.ToolName),
		attribute.Int("attempt", te.AttemptNumber),
	))
	defer span.End()

	report := ""
	if r.exec.ReportID != nil {
		report = *r.exec.ReportID
	}
	inv := catalog.Invocation{
		ExecutionID:    r.exec.ID,
		DecisionID:     *te.DecisionID,
		Attempt:        te.AttemptNumber,
		IdempotencyKey: te.IdempotencyKey,
		Action:         te.ToolAction,
		Arguments:      maps.Clone(te.Arguments),
		Runtime: catalog.RuntimeContext{
			RequestID: r.exec.RequestID,
			ReportID:  report,
			OrgID:     r.exec.OrgID,
			UserID:    r.exec.UserID,
		},
	}

	type result struct {
		res catalog.Result
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: fmt.Errorf("tool %s panicked: %v", te.ToolName, p)}
			}
		}()
		res, err := tool.Run(actx, inv)
		ch <- result{res: res, err: err}
	}()

	var out result
	select {
	case out = <-ch:
	case <-actx.Done():
		select {
		case out = <-ch:
		default:
			out.err = actx.Err()
		}
	}

	switch {
	case out.err == nil:
		return out.res, model.ToolOutcome{
			Status:        model.ToolSuccess,
			ResultSummary: out.res.Observation.Summary,
			ResultPayload: out.res.Output,
			ArtifactRefs:  out.res.Observation.Artifacts,
		}
	case ctx.Err() != nil:
		return catalog.Result{}, model.ToolOutcome{Status: model.ToolCancelled, ErrorMessage: cancelledToolErrorMessage}
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		span.SetStatus(codes.Error, "timeout")
		return catalog.Result{}, model.ToolOutcome{
			Status:       model.ToolTimeout,
			ErrorMessage: fmt.Sprintf("tool %s exceeded its %s timeout", te.ToolName, timeout),
		}
	default:
		span.SetStatus(codes.Error, out.err.Error())
		return catalog.Result{}, model.ToolOutcome{Status: model.ToolFailure, ErrorMessage: out.err.Error()}
	}
}

func failedObservation(te model.ToolExecution, policy catalog.ObservationPolicy) toolObservation {
	return toolObservation{
		record: ObservationRecord{
			Seq:     te.Seq,
			Tool:    te.ToolName,
			Status:  te.Status,
			Summary: fmt.Sprintf("%s %s after %d attempt(s)", te.ToolName, te.Status, te.AttemptNumber),
			Error:   te.ErrorMessage,
		},
		policy: policy,
		failed: true,
	}
}

// observe feeds an observation into the next turn according to the tool's
// policy:
//
//	always:     full record every time
//	on_trigger: full record on failure or when the tool flags it, else
//	            only the summary in history
//	never:      full record on failure only
func (r *run) observe(item *HistoryItem, o toolObservation) {
	full := false
	switch o.policy {
	case catalog.ObserveAlways:
		full = true
	case catalog.ObserveOnTrigger:
		full = o.failed || o.obs.Trigger || o.obs.AnalysisComplete || o.obs.FinalAnswer != nil
	case catalog.ObserveNever:
		full = o.failed
	}

	if full {
		rec := o.record
		r.last = &rec
		r.past = append(r.past, rec)
		item.ToolSummary = rec.Summary
		return
	}
	r.last = nil
	if o.policy == catalog.ObserveOnTrigger {
		item.ToolSummary = o.record.Summary
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

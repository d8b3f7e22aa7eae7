package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/telemetry"
)

type metrics struct {
	started        metric.Int64Counter
	finished       metric.Int64Counter
	plannerLatency metric.Float64Histogram
	toolDuration   metric.Float64Histogram
	toolAttempts   metric.Int64Counter
}

func newMetrics(o *Orchestrator) metrics {
	meter := telemetry.Meter("bunseki/orchestrator")
	started, _ := meter.Int64Counter("bunseki.executions.started",
		metric.WithDescription("Agent executions started"),
	)
	finished, _ := meter.Int64Counter("bunseki.executions.finished",
		metric.WithDescription("Agent executions finished, by status"),
	)
	plannerLatency, _ := meter.Float64Histogram("bunseki.planner.latency",
		metric.WithDescription("Planner call latency (ms)"),
		metric.WithUnit("ms"),
	)
	toolDuration, _ := meter.Float64Histogram("bunseki.tool.duration",
		metric.WithDescription("Tool attempt duration (ms)"),
		metric.WithUnit("ms"),
	)
	toolAttempts, _ := meter.Int64Counter("bunseki.tool.attempts",
		metric.WithDescription("Tool attempts, by tool and status"),
	)
	_, _ = meter.Int64ObservableGauge("bunseki.executions.active",
		metric.WithDescription("Agent executions running in this process"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(o.Active()))
			return nil
		}),
	)
	return metrics{
		started:        started,
		finished:       finished,
		plannerLatency: plannerLatency,
		toolDuration:   toolDuration,
		toolAttempts:   toolAttempts,
	}
}

func (m metrics) recordFinished(ctx context.Context, status model.ExecutionStatus) {
	m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (m metrics) recordTool(ctx context.Context, te model.ToolExecution) {
	attrs := metric.WithAttributes(
		attribute.String("tool", te.ToolName),
		attribute.String("status", string(te.Status)),
	)
	m.toolAttempts.Add(ctx, 1, attrs)
	if te.DurationMs != nil {
		m.toolDuration.Record(ctx, float64(*te.DurationMs), attrs)
	}
}

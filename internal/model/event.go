package model

import (
	"github.com/google/uuid"
)

// EventType names a streamed transport event. Consumers interpret events by
// type and order them by Seq.
type EventType string

const (
	EventExecutionStarted  EventType = "execution.started"
	EventExecutionFinished EventType = "execution.finished"

	EventDecisionPartial EventType = "planner.decision.partial"
	EventDecisionFinal   EventType = "planner.decision.final"

	EventToolStart EventType = "tool.start"
	EventToolEnd   EventType = "tool.end"

	// Planning text streamer events.
	EventDeltaToken    EventType = "block.delta.token"
	EventDeltaText     EventType = "block.delta.text"
	EventDeltaComplete EventType = "block.delta.text.complete"
)

// StreamEvent is the transport shape of every streamed event.
//
// Durable events (final decisions, tool executions) carry the seq their row
// was recorded with. Partial events carry the latest seq handed out so far,
// so seq is non-decreasing across the stream.
type StreamEvent struct {
	EventType    EventType      `json:"event_type"`
	CompletionID string         `json:"completion_id"`
	ExecutionID  uuid.UUID      `json:"agent_execution_id"`
	Seq          int64          `json:"seq"`
	Data         map[string]any `json:"data"`
}

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/ashita-ai/bunseki/internal/model"
)

const sseKeepalive = 15 * time.Second

// HandleExecutionEvents handles GET /v1/executions/{id}/events (SSE).
//
// A run executing in this process is followed live from its stream. Any
// other run is rebuilt from its persisted decisions and tool executions and
// the response ends after the last event.
func (h *Handlers) HandleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	live, isLive := h.hub.Get(id)
	var replay []model.StreamEvent
	if !isLive {
		detail, err := h.detail(r.Context(), id)
		if err != nil {
			h.writeLookupError(w, r, "execution", err)
			return
		}
		replay = replayEvents(detail)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if !isLive {
		for _, ev := range replay {
			if _, err := w.Write(formatSSE(ev)); err != nil {
				return
			}
		}
		flusher.Flush()
		return
	}

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ctx := r.Context()
	events := make(chan model.StreamEvent)
	go func() {
		defer close(events)
		for ev := range live.Drain(ctx) {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := w.Write(formatSSE(ev)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatSSE renders one event as an SSE frame. The seq doubles as the SSE id.
func formatSSE(ev model.StreamEvent) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		data = []byte(`{"error":"encode failed"}`)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.EventType, data)
	return buf.Bytes()
}

// replayEvents rebuilds the durable part of a run's stream from its rows:
// the start, every final decision, a start and end per tool attempt, and
// the finish when the run is terminal. Token and partial events are not
// persisted and do not appear.
func replayEvents(d model.ExecutionDetail) []model.StreamEvent {
	e := d.Execution
	mk := func(typ model.EventType, seq int64, v any) model.StreamEvent {
		return model.StreamEvent{
			EventType:    typ,
			CompletionID: e.RequestID,
			ExecutionID:  e.ID,
			Seq:          seq,
			Data:         toData(v),
		}
	}

	out := []model.StreamEvent{mk(model.EventExecutionStarted, 0, e)}

	var body []model.StreamEvent
	var finalAnswer *string
	for _, dec := range d.Decisions {
		body = append(body, mk(model.EventDecisionFinal, dec.Seq, dec))
		if dec.AnalysisComplete && dec.FinalAnswer != nil {
			finalAnswer = dec.FinalAnswer
		}
	}
	for _, te := range d.ToolExecutions {
		started := te
		started.Status = model.ToolInProgress
		started.Success = false
		started.CompletedAt = nil
		started.DurationMs = nil
		started.ResultSummary = ""
		started.ResultPayload = nil
		started.ArtifactRefs = []string{}
		started.ErrorMessage = ""
		body = append(body, mk(model.EventToolStart, te.Seq, started))
		if te.Status != model.ToolInProgress {
			body = append(body, mk(model.EventToolEnd, te.Seq, te))
		}
	}
	// Stable: a tool's start stays ahead of its end.
	slices.SortStableFunc(body, func(a, b model.StreamEvent) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	out = append(out, body...)

	if e.Status.Terminal() {
		data := map[string]any{
			"status":            string(e.Status),
			"total_duration_ms": e.TotalDurationMs,
		}
		if e.Error != nil {
			data["error"] = map[string]any{"kind": string(e.Error.Kind), "message": e.Error.Message}
		}
		if finalAnswer != nil {
			data["final_answer"] = *finalAnswer
		}
		out = append(out, model.StreamEvent{
			EventType:    model.EventExecutionFinished,
			CompletionID: e.RequestID,
			ExecutionID:  e.ID,
			Seq:          e.LatestSeq,
			Data:         data,
		})
	}
	return out
}

func toData(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"encode_error": err.Error()}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"encode_error": err.Error()}
	}
	return m
}

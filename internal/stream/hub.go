package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/bunseki/internal/telemetry"
)

// Hub owns the live stream of every active execution. Streams are opened
// when a run starts and closed and removed when it finishes; readers that
// arrive later rebuild history from persisted rows.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	streams map[uuid.UUID]*Stream
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, streams: make(map[uuid.UUID]*Stream)}
}

// Open returns the stream for id, creating it if needed.
func (h *Hub) Open(id uuid.UUID) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.streams[id]; ok {
		return s
	}
	s := New()
	h.streams[id] = s
	return s
}

// Get returns the live stream for id.
func (h *Hub) Get(id uuid.UUID) (*Stream, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.streams[id]
	return s, ok
}

// Close closes the stream for id and removes it from the hub. Consumers
// already attached keep draining what was buffered.
func (h *Hub) Close(id uuid.UUID) {
	h.mu.Lock()
	s, ok := h.streams[id]
	delete(h.streams, id)
	h.mu.Unlock()
	if ok {
		s.Close()
	}
}

// CloseAll closes every stream. Used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	streams := h.streams
	h.streams = make(map[uuid.UUID]*Stream)
	h.mu.Unlock()
	for id, s := range streams {
		s.Close()
		h.logger.Debug("stream closed on shutdown", "execution_id", id)
	}
}

// Len returns the number of live streams.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// Buffered returns the total number of buffered events across streams.
func (h *Hub) Buffered() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.streams {
		n += s.Buffered()
	}
	return n
}

// RegisterMetrics exposes buffered event counts as an OTEL gauge.
func (h *Hub) RegisterMetrics() {
	meter := telemetry.Meter("bunseki/stream")
	_, _ = meter.Int64ObservableGauge("bunseki.stream.buffered",
		metric.WithDescription("Events buffered in live execution streams"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.Buffered()))
			return nil
		}),
	)
}

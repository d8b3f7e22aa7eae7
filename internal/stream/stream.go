// Package stream carries ordered per-execution events from the orchestrator
// to transport consumers such as the SSE handler.
package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/ashita-ai/bunseki/internal/model"
)

var (
	// ErrClosed is returned by Put after Close.
	ErrClosed = errors.New("stream: closed")

	// ErrSeqRegression is returned by Put when an event's seq is lower than
	// the seq of the event before it.
	ErrSeqRegression = errors.New("stream: seq regression")
)

// cursor is one attached consumer's read position.
type cursor struct {
	pos int
}

// Stream is an unbounded ordered channel for one execution. Put never blocks
// and never drops. Every attached consumer sees every event put after it
// attached plus whatever was still buffered when it attached. Events put
// before any consumer attaches stay buffered for the first one.
type Stream struct {
	mu      sync.Mutex
	events  []model.StreamEvent // events[i] is at offset base+i
	base    int
	cursors map[*cursor]struct{}
	lastSeq int64
	closed  bool
	wake    chan struct{}
}

// New creates an open Stream.
func New() *Stream {
	return &Stream{
		cursors: make(map[*cursor]struct{}),
		wake:    make(chan struct{}),
	}
}

// Put enqueues ev. Seq must be non-decreasing across puts.
func (s *Stream) Put(ev model.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if ev.Seq < s.lastSeq {
		return fmt.Errorf("%w: %d after %d", ErrSeqRegression, ev.Seq, s.lastSeq)
	}
	s.events = append(s.events, ev)
	s.lastSeq = ev.Seq
	s.broadcast()
	return nil
}

// Close marks the end of production. Buffered events are still delivered
// before consumers observe the end. Close is idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.broadcast()
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Buffered returns the number of events not yet read by every attached
// consumer.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Consumers returns the number of attached consumers.
func (s *Stream) Consumers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cursors)
}

// Drain returns a lazy sequence of events. The consumer attaches when the
// sequence is first ranged over and detaches when the loop ends. The
// sequence ends once the stream is closed and drained, or when ctx is done.
func (s *Stream) Drain(ctx context.Context) iter.Seq[model.StreamEvent] {
	return func(yield func(model.StreamEvent) bool) {
		c := s.attach()
		defer s.detach(c)

		for {
			ev, ok, wait := s.next(c)
			if ok {
				if !yield(ev) {
					return
				}
				continue
			}
			if wait == nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-wait:
			}
		}
	}
}

func (s *Stream) attach() *cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &cursor{pos: s.base}
	s.cursors[c] = struct{}{}
	return c
}

func (s *Stream) detach(c *cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, c)
	s.trim()
}

// next returns the cursor's next event. When none is available it returns
// a channel that is closed on the next Put or Close, or nil when the stream
// is closed and the cursor has read everything.
func (s *Stream) next(c *cursor) (model.StreamEvent, bool, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.pos < s.base+len(s.events) {
		ev := s.events[c.pos-s.base]
		c.pos++
		s.trim()
		return ev, true, nil
	}
	if s.closed {
		return model.StreamEvent{}, false, nil
	}
	return model.StreamEvent{}, false, s.wake
}

// trim drops events every attached consumer has read. With no consumers
// attached nothing is dropped. Callers hold s.mu.
func (s *Stream) trim() {
	if len(s.cursors) == 0 {
		return
	}
	low := s.base + len(s.events)
	for c := range s.cursors {
		low = min(low, c.pos)
	}
	n := low - s.base
	if n <= 0 {
		return
	}
	clear(s.events[:n])
	s.events = s.events[n:]
	s.base = low
}

// broadcast wakes every waiting consumer. Callers hold s.mu.
func (s *Stream) broadcast() {
	close(s.wake)
	s.wake = make(chan struct{})
}

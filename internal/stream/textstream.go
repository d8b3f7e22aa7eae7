package stream

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/ashita-ai/bunseki/internal/model"
)

// Free-text fields of an in-progress plan decision.
const (
	FieldReasoning = "reasoning"
	FieldContent   = "content"
)

// ErrTextComplete is returned by Update after Complete.
var ErrTextComplete = errors.New("stream: text already complete")

// EmitFunc delivers one text event. The caller stamps transport fields.
type EmitFunc func(eventType model.EventType, data map[string]any) error

// TextOptions tunes the text streamer. Zero values take the defaults.
type TextOptions struct {
	// MinInterval is the minimum time between deltas for one field.
	MinInterval time.Duration
	// MinChars emits a delta early once this many bytes are pending.
	MinChars int
	// SnapshotInterval is how often a full-text snapshot is sent.
	SnapshotInterval time.Duration
	// ChunkSize splits large deltas into pieces of at most this many
	// bytes. Zero disables splitting.
	ChunkSize int
	// ChunkDelay is the pause between chunks of a split delta.
	ChunkDelay time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

const (
	defaultMinInterval      = 16 * time.Millisecond
	defaultMinChars         = 8
	defaultSnapshotInterval = time.Second
)

func (o TextOptions) withDefaults() TextOptions {
	if o.MinInterval <= 0 {
		o.MinInterval = defaultMinInterval
	}
	if o.MinChars <= 0 {
		o.MinChars = defaultMinChars
	}
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = defaultSnapshotInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type fieldState struct {
	sent         string // what the consumer holds after applying every event so far
	latest       string
	lastEmit     time.Time
	lastSnapshot time.Time
	touched      bool
}

// TextStreamer turns repeated full-text updates of the reasoning and content
// fields into throttled deltas.
//
// A delta event carries {field, delta, offset}: the consumer truncates its
// copy of the field to offset bytes and appends delta. A text event carries
// the full text and replaces the consumer's copy. Applying every event in
// order reproduces the latest text after each snapshot and the exact final
// text after Complete.
type TextStreamer struct {
	opts   TextOptions
	emit   EmitFunc
	fields map[string]*fieldState
	done   bool
}

// NewTextStreamer creates a TextStreamer that emits through emit.
func NewTextStreamer(emit EmitFunc, opts TextOptions) *TextStreamer {
	return &TextStreamer{
		opts: opts.withDefaults(),
		emit: emit,
		fields: map[string]*fieldState{
			FieldReasoning: {},
			FieldContent:   {},
		},
	}
}

// Update records the newest reasoning and content text.
func (t *TextStreamer) Update(ctx context.Context, reasoning, content string) error {
	if t.done {
		return ErrTextComplete
	}
	if err := t.updateField(ctx, FieldReasoning, reasoning); err != nil {
		return err
	}
	return t.updateField(ctx, FieldContent, content)
}

// Complete flushes pending deltas, then sends a final snapshot and a
// completion marker for every field that received text.
func (t *TextStreamer) Complete(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	for _, name := range []string{FieldReasoning, FieldContent} {
		st := t.fields[name]
		if !st.touched {
			continue
		}
		if st.latest != st.sent {
			if err := t.sendDelta(ctx, name, st); err != nil {
				return err
			}
		}
		if err := t.sendSnapshot(name, st); err != nil {
			return err
		}
		if err := t.emit(model.EventDeltaComplete, map[string]any{
			"field":  name,
			"length": len(st.latest),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (t *TextStreamer) updateField(ctx context.Context, name, text string) error {
	st := t.fields[name]
	now := t.opts.Now()
	if !st.touched {
		if text == "" {
			return nil
		}
		st.touched = true
		st.lastSnapshot = now
	}
	st.latest = text

	if st.latest != st.sent {
		offset := commonPrefix(st.sent, st.latest)
		pending := len(st.latest) - offset
		if now.Sub(st.lastEmit) >= t.opts.MinInterval || pending >= t.opts.MinChars {
			if err := t.sendDelta(ctx, name, st); err != nil {
				return err
			}
		}
	}

	if now.Sub(st.lastSnapshot) >= t.opts.SnapshotInterval {
		return t.sendSnapshot(name, st)
	}
	return nil
}

// sendDelta emits the difference between st.sent and st.latest, split into
// chunks when configured.
func (t *TextStreamer) sendDelta(ctx context.Context, name string, st *fieldState) error {
	offset := commonPrefix(st.sent, st.latest)
	delta := st.latest[offset:]
	chunks := splitChunks(delta, t.opts.ChunkSize)
	if len(chunks) == 0 {
		// Pure truncation: an empty delta at the new length.
		chunks = []string{""}
	}
	for i, chunk := range chunks {
		if i > 0 && t.opts.ChunkDelay > 0 {
			timer := time.NewTimer(t.opts.ChunkDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := t.emit(model.EventDeltaToken, map[string]any{
			"field":  name,
			"delta":  chunk,
			"offset": offset,
		}); err != nil {
			return err
		}
		offset += len(chunk)
		st.sent = st.latest[:offset]
	}
	st.sent = st.latest
	st.lastEmit = t.opts.Now()
	return nil
}

func (t *TextStreamer) sendSnapshot(name string, st *fieldState) error {
	if err := t.emit(model.EventDeltaText, map[string]any{
		"field": name,
		"text":  st.latest,
	}); err != nil {
		return err
	}
	st.sent = st.latest
	st.lastSnapshot = t.opts.Now()
	return nil
}

// commonPrefix returns the byte length of the longest common prefix of a
// and b, backed off to a rune boundary.
func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	for i > 0 && i < len(b) && !utf8.RuneStart(b[i]) {
		i--
	}
	return i
}

// splitChunks splits s into pieces of at most size bytes on rune
// boundaries. size <= 0 returns s whole.
func splitChunks(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 || len(s) <= size {
		return []string{s}
	}
	var out []string
	for len(s) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			// A single rune wider than size.
			_, w := utf8.DecodeRuneInString(s)
			cut = w
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

package stream_test

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/stream"
)

func ev(seq int64, typ model.EventType) model.StreamEvent {
	return model.StreamEvent{EventType: typ, Seq: seq, Data: map[string]any{}}
}

func collect(ctx context.Context, s *stream.Stream) []int64 {
	var seqs []int64
	for e := range s.Drain(ctx) {
		seqs = append(seqs, e.Seq)
	}
	return seqs
}

func TestBufferedEventsGoToFirstConsumer(t *testing.T) {
	s := stream.New()
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.Put(ev(i, model.EventToolStart)))
	}
	s.Close()

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, collect(context.Background(), s))
	assert.Equal(t, 0, s.Buffered())
}

func TestPutAfterCloseFails(t *testing.T) {
	s := stream.New()
	s.Close()
	s.Close()
	assert.ErrorIs(t, s.Put(ev(1, model.EventToolEnd)), stream.ErrClosed)
	assert.True(t, s.Closed())
}

func TestSeqMustNotRegress(t *testing.T) {
	s := stream.New()
	require.NoError(t, s.Put(ev(3, model.EventDecisionFinal)))
	require.NoError(t, s.Put(ev(3, model.EventDeltaToken)), "equal seq is allowed for partial events")
	assert.ErrorIs(t, s.Put(ev(2, model.EventToolEnd)), stream.ErrSeqRegression)
}

func TestCloseDeliversBufferedBeforeEnd(t *testing.T) {
	s := stream.New()
	ctx := context.Background()

	got := make(chan []int64)
	go func() { got <- collect(ctx, s) }()

	for i := int64(1); i <= 100; i++ {
		require.NoError(t, s.Put(ev(i, model.EventDeltaToken)))
	}
	s.Close()

	select {
	case seqs := <-got:
		require.Len(t, seqs, 100)
		for i, seq := range seqs {
			assert.Equal(t, int64(i+1), seq)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not finish")
	}
}

func TestMultipleConsumersSeeEveryEvent(t *testing.T) {
	s := stream.New()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]int64, 3)
	for i := range results {
		wg.Go(func() {
			for e := range s.Drain(ctx) {
				results[i] = append(results[i], e.Seq)
			}
		})
	}
	require.Eventually(t, func() bool { return s.Consumers() == 3 }, 5*time.Second, time.Millisecond)

	for i := int64(1); i <= 20; i++ {
		require.NoError(t, s.Put(ev(i, model.EventToolStart)))
	}
	s.Close()
	wg.Wait()

	for _, r := range results {
		assert.Len(t, r, 20)
		assert.Equal(t, int64(1), r[0])
		assert.Equal(t, int64(20), r[len(r)-1])
	}
}

func TestLateConsumerSeesOnlyStillBuffered(t *testing.T) {
	s := stream.New()
	ctx := context.Background()

	first := s.Drain(ctx)
	var firstSeen []int64
	require.NoError(t, s.Put(ev(1, model.EventToolStart)))
	require.NoError(t, s.Put(ev(2, model.EventToolEnd)))

	next, stop := iter.Pull(first)
	defer stop()
	e, ok := next()
	require.True(t, ok)
	firstSeen = append(firstSeen, e.Seq)
	e, ok = next()
	require.True(t, ok)
	firstSeen = append(firstSeen, e.Seq)
	assert.Equal(t, []int64{1, 2}, firstSeen)

	require.NoError(t, s.Put(ev(3, model.EventDecisionFinal)))
	s.Close()

	assert.Equal(t, []int64{3}, collect(ctx, s), "events the first consumer already read are gone")
}

func TestDrainStopsOnContextCancel(t *testing.T) {
	s := stream.New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		for range s.Drain(ctx) {
		}
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not return after cancel")
	}
}

func TestHubLifecycle(t *testing.T) {
	h := stream.NewHub(testLogger())
	id := uuid.New()

	s := h.Open(id)
	assert.Same(t, s, h.Open(id))
	require.NoError(t, s.Put(ev(1, model.EventExecutionStarted)))

	got, ok := h.Get(id)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 1, h.Buffered())

	h.Close(id)
	_, ok = h.Get(id)
	assert.False(t, ok)
	assert.True(t, s.Closed())
	assert.Equal(t, []int64{1}, collect(context.Background(), s), "attached readers still drain after removal")

	other := h.Open(uuid.New())
	h.CloseAll()
	assert.True(t, other.Closed())
	assert.Equal(t, 0, h.Len())
}

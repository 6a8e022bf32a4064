package streaming

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Publish delivers synchronously into subscriber buffers, so after it returns
// a matching event is either in the channel or was dropped. The helpers below
// rely on that: no sleeps, no polling.

func mustRecv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("expected an event, channel stayed empty")
		return Event{}
	}
}

func assertEmpty(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("expected no event, got %s for thread %q", e.Type, e.ThreadID)
	default:
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	first, cancelFirst, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancelFirst()

	second, cancelSecond, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancelSecond()

	err = hub.Publish(ctx, Event{
		Type:     "step_completed",
		ThreadID: "thread-1",
		RunID:    "run-1",
		StepSlug: "classify",
		Payload:  map[string]any{"status": "ok"},
	})
	require.NoError(t, err)

	for _, ch := range []<-chan Event{first, second} {
		got := mustRecv(t, ch)
		assert.Equal(t, "step_completed", got.Type)
		assert.Equal(t, "thread-1", got.ThreadID)
		assert.Equal(t, "run-1", got.RunID)
		assert.Equal(t, "classify", got.StepSlug)
		assert.Equal(t, "ok", got.Payload["status"])
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	hub := NewMemoryHub()

	err := hub.Publish(context.Background(), Event{Type: "run_started"})
	assert.NoError(t, err)
}

func TestSubscribeThreadFilter(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{ThreadID: "thread-a"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{Type: "step_started", ThreadID: "thread-b"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: "step_started", ThreadID: "thread-a"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: "run_completed", ThreadID: "thread-c"}))

	got := mustRecv(t, ch)
	assert.Equal(t, "thread-a", got.ThreadID)
	assertEmpty(t, ch)
}

func TestSubscribeRunFilter(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{RunID: "run-7"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{Type: "run_started", ThreadID: "thread-a", RunID: "run-6"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: "run_started", ThreadID: "thread-a", RunID: "run-7"}))

	got := mustRecv(t, ch)
	assert.Equal(t, "run-7", got.RunID)
	assertEmpty(t, ch)
}

func TestSubscribeTypeFilter(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{Types: []string{"step_failed", "run_failed"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{Type: "step_started"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: "step_failed", StepSlug: "fetch"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: "step_completed"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: "run_failed"}))

	assert.Equal(t, "step_failed", mustRecv(t, ch).Type)
	assert.Equal(t, "run_failed", mustRecv(t, ch).Type)
	assertEmpty(t, ch)
}

func TestSubscribeCombinedFilter(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{
		ThreadID: "thread-a",
		Types:    []string{"wait_started"},
	})
	require.NoError(t, err)
	defer cancel()

	// Right type, wrong thread.
	require.NoError(t, hub.Publish(ctx, Event{Type: "wait_started", ThreadID: "thread-b"}))
	// Right thread, wrong type.
	require.NoError(t, hub.Publish(ctx, Event{Type: "step_started", ThreadID: "thread-a"}))
	// Both match.
	require.NoError(t, hub.Publish(ctx, Event{Type: "wait_started", ThreadID: "thread-a", StepSlug: "approval"}))

	got := mustRecv(t, ch)
	assert.Equal(t, "approval", got.StepSlug)
	assertEmpty(t, ch)
}

func TestPublishStampsEmissionTime(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	before := time.Now().UTC()
	require.NoError(t, hub.Publish(ctx, Event{Type: "run_started"}))

	got := mustRecv(t, ch)
	assert.False(t, got.At.IsZero())
	assert.Equal(t, time.UTC, got.At.Location())
	assert.False(t, got.At.Before(before))
	assert.False(t, got.At.After(time.Now().UTC()))
}

func TestPublishKeepsCallerTimestamp(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	require.NoError(t, hub.Publish(ctx, Event{Type: "run_resumed", At: at}))

	assert.True(t, mustRecv(t, ch).At.Equal(at))
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	// Nobody drains, so everything past the buffer is dropped. Publish must
	// keep returning nil either way.
	total := defaultChannelBuffer + 8
	for i := 0; i < total; i++ {
		err := hub.Publish(ctx, Event{
			Type:    "watch_output",
			Payload: map[string]any{"seq": i},
		})
		require.NoError(t, err)
	}

	received := 0
	for {
		select {
		case got := <-ch:
			// FIFO: the survivors are the earliest publishes.
			assert.Equal(t, received, got.Payload["seq"])
			received++
		default:
			assert.Equal(t, defaultChannelBuffer, received)
			return
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, Event{Type: "step_started"}))
	assert.Equal(t, "step_started", mustRecv(t, ch).Type)

	cancel()
	require.NoError(t, hub.Publish(ctx, Event{Type: "step_completed"}))
	assertEmpty(t, ch)

	// Cancelling twice is harmless.
	cancel()
}

func TestSubscribersAreIndependent(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	kept, cancelKept, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancelKept()

	dropped, cancelDropped, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancelDropped()

	require.NoError(t, hub.Publish(ctx, Event{Type: "branch_started", Branch: "west"}))

	assert.Equal(t, "west", mustRecv(t, kept).Branch)
	assertEmpty(t, dropped)
}

func TestPublishRejectsCancelledContext(t *testing.T) {
	hub := NewMemoryHub()

	ch, cancelSub, err := hub.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer cancelSub()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	err = hub.Publish(cancelled, Event{Type: "run_started"})
	assert.ErrorIs(t, err, context.Canceled)
	assertEmpty(t, ch)
}

func TestSubscribeRejectsCancelledContext(t *testing.T) {
	hub := NewMemoryHub()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	ch, _, err := hub.Subscribe(cancelled, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, ch)
}

func TestConcurrentPublishers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{ThreadID: "thread-busy"})
	require.NoError(t, err)
	defer cancel()

	// 4 publishers x 16 events fits the subscriber buffer exactly, so nothing
	// is dropped and every event must arrive.
	const publishers = 4
	const perPublisher = 16

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				err := hub.Publish(ctx, Event{
					Type:     "loop_iteration",
					ThreadID: "thread-busy",
					Payload:  map[string]any{"id": fmt.Sprintf("%d-%d", p, i)},
				})
				assert.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < publishers*perPublisher; i++ {
		got := mustRecv(t, ch)
		seen[got.Payload["id"].(string)] = true
	}
	assertEmpty(t, ch)
	assert.Len(t, seen, publishers*perPublisher)
}

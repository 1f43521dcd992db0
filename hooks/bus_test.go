package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	bus := NewBus(Config{})
	ctx := context.Background()

	var mu sync.Mutex
	got := 0
	id := bus.Subscribe(TypeAgentStarted, func(ctx context.Context, evt Event) error {
		mu.Lock()
		got++
		mu.Unlock()
		return nil
	})
	require.NotEmpty(t, id)

	n := bus.Publish(ctx, NewEvent(TypeAgentStarted, "chat"))
	require.Equal(t, 1, n)
	n = bus.Publish(ctx, NewEvent(TypeAgentStarted, "chat"))
	require.Equal(t, 1, n)
	require.Equal(t, 2, got)
}

func TestPublishTypeFiltering(t *testing.T) {
	bus := NewBus(Config{})
	ctx := context.Background()

	var started, completed, all int
	var mu sync.Mutex
	bus.Subscribe(TypeAgentStarted, func(ctx context.Context, evt Event) error {
		mu.Lock()
		started++
		mu.Unlock()
		return nil
	})
	bus.Subscribe(TypeAgentCompleted, func(ctx context.Context, evt Event) error {
		mu.Lock()
		completed++
		mu.Unlock()
		return nil
	})
	bus.Subscribe(TypeAny, func(ctx context.Context, evt Event) error {
		mu.Lock()
		all++
		mu.Unlock()
		return nil
	})

	require.Equal(t, 2, bus.Publish(ctx, NewEvent(TypeAgentStarted, "chat")))
	require.Equal(t, 2, bus.Publish(ctx, NewEvent(TypeAgentCompleted, "chat")))
	require.Equal(t, 1, bus.Publish(ctx, NewEvent(TypeCustom, "chat")))
	require.Equal(t, 1, started)
	require.Equal(t, 1, completed)
	require.Equal(t, 3, all)
}

func TestPublishNoSubscribers(t *testing.T) {
	bus := NewBus(Config{})
	n := bus.Publish(context.Background(), NewEvent(TypeAgentStarted, "chat"))
	require.Equal(t, 0, n)
	require.Len(t, bus.History(), 1)
}

func TestHandlerFailureDoesNotBlockSiblings(t *testing.T) {
	bus := NewBus(Config{})
	ctx := context.Background()

	var ok int
	var mu sync.Mutex
	bus.Subscribe(TypeAgentStarted, func(ctx context.Context, evt Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(TypeAgentStarted, func(ctx context.Context, evt Event) error {
		mu.Lock()
		ok++
		mu.Unlock()
		return nil
	})
	bus.Subscribe(TypeAgentStarted, func(ctx context.Context, evt Event) error {
		panic("handler panic")
	})

	n := bus.Publish(ctx, NewEvent(TypeAgentStarted, "chat"))
	require.Equal(t, 1, n)
	require.Equal(t, 1, ok)
}

func TestHandlerTimeoutAbandoned(t *testing.T) {
	bus := NewBus(Config{HandlerTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	release := make(chan struct{})
	bus.Subscribe(TypeAgentStarted, func(ctx context.Context, evt Event) error {
		<-release
		return nil
	})

	start := time.Now()
	n := bus.Publish(ctx, NewEvent(TypeAgentStarted, "chat"))
	close(release)
	require.Equal(t, 0, n)
	require.Less(t, time.Since(start), time.Second)
}

func TestEventOrderingSingleSubscription(t *testing.T) {
	// Scenario: 1000 events from one publisher arrive in publication order.
	bus := NewBus(Config{})
	ctx := context.Background()

	var seen []int64
	bus.Subscribe(TypeAgentCompleted, func(ctx context.Context, evt Event) error {
		seen = append(seen, evt.Metadata["seq"].(int64))
		return nil
	})

	delivered := 0
	for i := int64(0); i < 1000; i++ {
		evt := NewEvent(TypeAgentCompleted, "chat")
		evt.Metadata = map[string]any{"seq": i}
		delivered += bus.Publish(ctx, evt)
	}
	require.Equal(t, 1000, delivered)
	require.Len(t, seen, 1000)
	for i := int64(0); i < 1000; i++ {
		require.Equal(t, i, seen[i])
	}
}

func TestHistoryRingOverflow(t *testing.T) {
	bus := NewBus(Config{MaxHistory: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		evt := NewEvent(TypeCustom, "chat")
		evt.Metadata = map[string]any{"i": i}
		bus.Publish(ctx, evt)
	}
	hist := bus.History()
	require.Len(t, hist, 3)
	require.Equal(t, 2, hist[0].Metadata["i"])
	require.Equal(t, 4, hist[2].Metadata["i"])
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(Config{})
	ctx := context.Background()

	count := 0
	id := bus.Subscribe(TypeAgentStarted, func(ctx context.Context, evt Event) error {
		count++
		return nil
	})
	bus.Publish(ctx, NewEvent(TypeAgentStarted, "chat"))
	require.True(t, bus.Unsubscribe(id))
	require.False(t, bus.Unsubscribe(id))
	bus.Publish(ctx, NewEvent(TypeAgentStarted, "chat"))
	require.Equal(t, 1, count)
}

func TestUnsubscribeHandler(t *testing.T) {
	bus := NewBus(Config{})

	handler := func(ctx context.Context, evt Event) error { return nil }
	bus.Subscribe(TypeAgentStarted, handler)
	bus.Subscribe(TypeAgentCompleted, handler)
	bus.Subscribe(TypeAgentStarted, func(ctx context.Context, evt Event) error { return nil })

	require.Equal(t, 2, bus.UnsubscribeHandler(handler))
	require.Equal(t, 1, bus.SubscriberCount())
}

func TestSubscriberCount(t *testing.T) {
	bus := NewBus(Config{})
	handler := func(ctx context.Context, evt Event) error { return nil }
	bus.Subscribe(TypeAgentStarted, handler)
	bus.Subscribe(TypeAgentStarted, handler)
	bus.Subscribe(TypeAny, handler)

	require.Equal(t, 2, bus.SubscriberCount(TypeAgentStarted))
	require.Equal(t, 1, bus.SubscriberCount(TypeAny))
	require.Equal(t, 0, bus.SubscriberCount(TypeAgentCompleted))
	require.Equal(t, 3, bus.SubscriberCount())
}

func TestClearKeepsHistory(t *testing.T) {
	bus := NewBus(Config{})
	ctx := context.Background()
	bus.Subscribe(TypeCustom, func(ctx context.Context, evt Event) error { return nil })
	bus.Publish(ctx, NewEvent(TypeCustom, "chat"))

	bus.Clear()
	require.Equal(t, 0, bus.SubscriberCount())
	require.Len(t, bus.History(), 1)
}

func TestShutdownDrains(t *testing.T) {
	bus := NewBus(Config{})
	ctx := context.Background()
	bus.Subscribe(TypeCustom, func(ctx context.Context, evt Event) error { return nil })
	bus.Publish(ctx, NewEvent(TypeCustom, "chat"))

	bus.Shutdown(ctx)
	require.Empty(t, bus.History())
	require.Equal(t, 0, bus.Publish(ctx, NewEvent(TypeCustom, "chat")))
	require.Empty(t, bus.Subscribe(TypeCustom, func(ctx context.Context, evt Event) error { return nil }))
}

func TestConcurrentPublishers(t *testing.T) {
	bus := NewBus(Config{})
	ctx := context.Background()

	var mu sync.Mutex
	total := 0
	bus.Subscribe(TypeAny, func(ctx context.Context, evt Event) error {
		mu.Lock()
		total++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(ctx, NewEvent(TypeCustom, "chat"))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 400, total)
}

package hooks

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"goa.design/orbit/agent"
	"goa.design/orbit/telemetry"
)

// Default bus bounds applied by NewBus.
const (
	DefaultMaxHistory            = 1000
	DefaultMaxConcurrentHandlers = 16
	DefaultHandlerTimeout        = 5 * time.Second
)

type (
	// Config bounds the bus. Zero values take the documented defaults.
	Config struct {
		// MaxHistory is the ring buffer capacity for recent events.
		MaxHistory int
		// MaxConcurrentHandlers caps in-flight handlers per publication.
		MaxConcurrentHandlers int
		// HandlerTimeout bounds each handler invocation. A handler exceeding
		// it is abandoned: its goroutine finishes in the background and its
		// result is ignored.
		HandlerTimeout time.Duration
		// Logger receives handler failure logs. Defaults to noop.
		Logger telemetry.Logger
	}

	// Bus is the in-process event bus. It is safe for concurrent Subscribe,
	// Unsubscribe, and Publish. Construct with NewBus.
	Bus struct {
		cfg Config

		mu     sync.RWMutex
		subs   []*subscription
		closed bool

		histMu  sync.Mutex
		history []Event // ring, oldest first once full
	}

	subscription struct {
		id      string
		typ     EventType
		handler Handler
		ptr     uintptr // handler identity for UnsubscribeHandler
	}
)

// NewBus constructs a Bus with the given bounds.
func NewBus(cfg Config) *Bus {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.MaxConcurrentHandlers <= 0 {
		cfg.MaxConcurrentHandlers = DefaultMaxConcurrentHandlers
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	return &Bus{cfg: cfg}
}

var (
	defaultBus  *Bus
	defaultOnce sync.Once
)

// Default returns the process-wide bus, creating it with default bounds on
// first use. Applications that need custom bounds or logging should construct
// their own Bus and inject it. Call Shutdown on the default bus during process
// teardown to drain its history.
func Default() *Bus {
	defaultOnce.Do(func() { defaultBus = NewBus(Config{}) })
	return defaultBus
}

// Subscribe registers a handler for events of the given type and returns the
// subscription id. TypeAny subscribes to every published event. Returns the
// empty string when handler is nil or the bus is shut down.
func (b *Bus) Subscribe(t EventType, handler Handler) string {
	if handler == nil {
		return ""
	}
	sub := &subscription{
		id:      uuid.NewString(),
		typ:     t,
		handler: handler,
		ptr:     reflect.ValueOf(handler).Pointer(),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ""
	}
	b.subs = append(b.subs, sub)
	return sub.id
}

// Unsubscribe removes the subscription with the given id. It reports whether
// a subscription was removed. In-flight dispatches are unaffected.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// UnsubscribeHandler removes every subscription registered with the given
// handler, matched by function identity, and returns the number removed.
func (b *Bus) UnsubscribeHandler(handler Handler) int {
	if handler == nil {
		return 0
	}
	ptr := reflect.ValueOf(handler).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	removed := 0
	for _, sub := range b.subs {
		if sub.ptr == ptr {
			removed++
			continue
		}
		kept = append(kept, sub)
	}
	b.subs = kept
	return removed
}

// Clear removes every subscription. In-flight dispatches are unaffected and
// history is preserved.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

// SubscriberCount returns the number of exact-match subscriptions for t, or
// the total subscription count when called without arguments. Wildcard
// subscriptions count toward the total and toward SubscriberCount(TypeAny).
func (b *Bus) SubscriberCount(t ...EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(t) == 0 {
		return len(b.subs)
	}
	n := 0
	for _, sub := range b.subs {
		if sub.typ == t[0] {
			n++
		}
	}
	return n
}

// Publish appends the event to history and dispatches it to every matching
// subscription. Handlers run concurrently up to the configured cap, each
// under the per-handler timeout; Publish blocks until every handler has
// completed or been abandoned, which preserves per-subscription publication
// order for sequential publishers.
//
// Publish never fails: it returns the number of handlers successfully
// invoked. Handler errors, panics, and timeouts are logged and excluded from
// the count. Publishing on a shut-down bus returns 0.
func (b *Bus) Publish(ctx context.Context, evt Event) int {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.typ == evt.Type || sub.typ == TypeAny {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	b.appendHistory(evt)

	if len(matched) == 0 {
		return 0
	}

	sem := semaphore.NewWeighted(int64(b.cfg.MaxConcurrentHandlers))
	var wg sync.WaitGroup
	var delivered atomic.Int64
	for _, sub := range matched {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // caller canceled; remaining handlers are not attempted
		}
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			defer sem.Release(1)
			if b.invoke(ctx, sub, evt) {
				delivered.Add(1)
			}
		}(sub)
	}
	wg.Wait()
	return int(delivered.Load())
}

// History returns a copy of the retained events in publication order.
func (b *Bus) History() []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return append([]Event(nil), b.history...)
}

// Shutdown removes all subscriptions and drains the history. Publications
// after Shutdown are dropped. In-flight dispatches complete on their own
// timeouts.
func (b *Bus) Shutdown(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	b.subs = nil
	b.mu.Unlock()

	b.histMu.Lock()
	b.history = nil
	b.histMu.Unlock()
}

// invoke runs one handler under the per-handler timeout and reports whether
// it completed without error. A handler that outlives its timeout is
// abandoned; the bus does not attempt to kill its work.
func (b *Bus) invoke(ctx context.Context, sub *subscription, evt Event) bool {
	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- agent.NewError(agent.InternalError, "handler panic: %v", r)
			}
		}()
		done <- sub.handler(hctx, evt)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.cfg.Logger.Warn(hctx, "event handler failed",
				"event_type", string(evt.Type), "subscription", sub.id, "err", err.Error())
			return false
		}
		return true
	case <-hctx.Done():
		b.cfg.Logger.Warn(context.Background(), "event handler abandoned",
			"event_type", string(evt.Type), "subscription", sub.id, "err", hctx.Err().Error())
		return false
	}
}

func (b *Bus) appendHistory(evt Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	if len(b.history) == b.cfg.MaxHistory {
		copy(b.history, b.history[1:])
		b.history = b.history[:len(b.history)-1]
	}
	b.history = append(b.history, evt)
}

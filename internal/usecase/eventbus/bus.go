package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"llmshell/internal/domain"
)

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscription owns an unbounded mailbox drained by a single goroutine, so a
// subscriber sees events in publish order and a slow subscriber never blocks
// Publish.
type subscription struct {
	id      uint64
	handler domain.EventHandler

	mu     sync.Mutex
	queue  []delivery
	closed bool
	notify chan struct{}
}

func newSubscription(id uint64, handler domain.EventHandler) *subscription {
	return &subscription{id: id, handler: handler, notify: make(chan struct{}, 1)}
}

func (s *subscription) push(d delivery) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		logger: logger,
	}
}

// Publish fans out an event to matching typed subscribers and all-event
// subscribers. It never blocks on handlers.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	typed := b.typed[event.Type]
	all := b.allSubs
	for _, sub := range typed {
		sub.push(delivery{ctx: ctx, event: event})
	}
	for _, sub := range all {
		sub.push(delivery{ctx: ctx, event: event})
	}
	b.mu.RUnlock()
}

func (b *Bus) start(sub *subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for range sub.notify {
			for {
				sub.mu.Lock()
				if len(sub.queue) == 0 {
					closed := sub.closed
					sub.mu.Unlock()
					if closed {
						return
					}
					break
				}
				d := sub.queue[0]
				sub.queue[0] = delivery{}
				sub.queue = sub.queue[1:]
				sub.mu.Unlock()

				b.invoke(sub, d)
			}
		}
	}()
}

func (b *Bus) invoke(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := newSubscription(b.nextID.Add(1), handler)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()
	b.start(sub)
	if b.closed.Load() {
		sub.close()
	}

	return func() {
		b.mu.Lock()
		b.typed[eventType] = remove(b.typed[eventType], sub.id)
		b.mu.Unlock()
		sub.close()
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := newSubscription(b.nextID.Add(1), handler)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()
	b.start(sub)
	if b.closed.Load() {
		sub.close()
	}

	return func() {
		b.mu.Lock()
		b.allSubs = remove(b.allSubs, sub.id)
		b.mu.Unlock()
		sub.close()
	}
}

// remove returns subs without id. The result is a fresh slice so snapshots
// held by Publish stay valid.
func remove(subs []*subscription, id uint64) []*subscription {
	out := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Close prevents new publishes, delivers everything already queued and waits
// for the subscriber goroutines to exit. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	for _, subs := range b.typed {
		for _, s := range subs {
			s.close()
		}
	}
	for _, s := range b.allSubs {
		s.close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

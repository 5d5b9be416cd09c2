// Package events fans decoded envelopes out to subscribers keyed by message
// type.
package events

import (
	"log/slog"
	"sync"

	"github.com/prtfnx/ttrpg-system-sub008/internal/protocol"
)

type Handler func(protocol.Envelope)

type subscription struct {
	id      uint64
	handler Handler
}

type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	byType map[protocol.MessageType][]subscription
	all    []subscription
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:    log,
		byType: make(map[protocol.MessageType][]subscription),
	}
}

// Subscribe registers h for envelopes of type t. The returned function
// removes the subscription and is safe to call more than once.
func (b *Bus) Subscribe(t protocol.MessageType, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.byType[t] = append(b.byType[t], subscription{id: id, handler: h})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byType[t] = remove(b.byType[t], id)
		if len(b.byType[t]) == 0 {
			delete(b.byType, t)
		}
	}
}

// SubscribeAll registers h for every envelope.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

// Publish delivers env to matching subscribers and reports how many ran.
// A panicking handler is logged and does not stop delivery to the rest.
func (b *Bus) Publish(env protocol.Envelope) int {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.byType[env.Type])+len(b.all))
	targets = append(targets, b.byType[env.Type]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s, env)
	}
	return len(targets)
}

func (b *Bus) deliver(s subscription, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("message handler panicked", "type", env.Type, "panic", r)
		}
	}()
	s.handler(env)
}

func remove(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Package events defines the named-event bus that session subscriptions attach to.
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/SkynetNext/push-gateway/internal/logger"
	"go.uber.org/zap"
)

// Well-known event names
const (
	// System carries operator announcements to every connection
	System = "system"
	// Maintenance carries the housekeeping summary published on every maintenance tick
	Maintenance = "maintenance"
)

// ErrBusClosed is returned when subscribing to or publishing on a closed bus
var ErrBusClosed = errors.New("event bus closed")

// Handler receives the payload of a published event
type Handler func(payload []byte)

// Bus publishes named events to subscribers. The returned cancel function of
// Subscribe stops delivery; it is safe to call more than once.
type Bus interface {
	Subscribe(ctx context.Context, name string, h Handler) (cancel func(), err error)
	Publish(ctx context.Context, name string, payload []byte) error
	Close() error
}

// LocalBus is an in-process Bus
type LocalBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
	closed bool
}

// NewLocalBus creates an in-process bus
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs: make(map[string]map[uint64]Handler),
	}
}

// Subscribe registers h for events named name
func (b *LocalBus) Subscribe(_ context.Context, name string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	id := b.nextID
	if b.subs[name] == nil {
		b.subs[name] = make(map[uint64]Handler)
	}
	b.subs[name][id] = h

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(name, id) })
	}, nil
}

func (b *LocalBus) unsubscribe(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, ok := b.subs[name]
	if !ok {
		return
	}
	delete(handlers, id)
	if len(handlers) == 0 {
		delete(b.subs, name)
	}
}

// Publish invokes every handler subscribed to name
func (b *LocalBus) Publish(_ context.Context, name string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]Handler, 0, len(b.subs[name]))
	for _, h := range b.subs[name] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		invoke(name, h, payload)
	}
	return nil
}

// Subscribers returns the number of handlers subscribed to name
func (b *LocalBus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Close drops every subscription
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[uint64]Handler)
	return nil
}

// invoke calls h, logging instead of propagating a panic
func invoke(name string, h Handler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.L.Error("event handler panicked",
				zap.String("event", name),
				zap.Any("panic", r),
			)
		}
	}()
	h(payload)
}

// Dispatch calls h for a payload received from a remote transport, recovering panics
func Dispatch(name string, h Handler, payload []byte) {
	invoke(name, h, payload)
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SkynetNext/push-gateway/internal/broadcast"
	"github.com/SkynetNext/push-gateway/internal/events"
	"github.com/SkynetNext/push-gateway/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateConnection is returned when registering an id that is already present
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrSessionNotFound is returned for unknown or already destroyed connections
	ErrSessionNotFound = errors.New("session not found")

	// ErrDeliveryFailed is returned when a payload cannot be handed to the connection
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrResourceLimit is returned when a session already owns its maximum of a resource kind
	ErrResourceLimit = errors.New("session resource limit reached")
)

// Deliverer hands an outbound event to one connection. Deliver must not block.
type Deliverer interface {
	Deliver(event string, payload any) error
}

// WaitDeliverer is a Deliverer that can also wait for room in the outbound
// queue. DeliverWait returns once the event is queued, the connection is
// gone or ctx is done.
type WaitDeliverer interface {
	Deliverer
	DeliverWait(ctx context.Context, event string, payload any) error
}

// Limits bounds the resources a single session may own
type Limits struct {
	MaxTimers        int
	MaxSubscriptions int
}

// Resources counts the live handles of a session
type Resources struct {
	PeriodicTimers int `json:"periodicTimers"`
	OneShotTimers  int `json:"oneShotTimers"`
	Subscriptions  int `json:"subscriptions"`
}

// Session is the per-connection aggregate of identity, working memory and owned resources.
// It is created and destroyed only by a Registry.
type Session struct {
	connectionID string
	userID       string
	createdAt    time.Time
	log          *zap.Logger
	limits       Limits
	deliverer    Deliverer

	mu            sync.Mutex
	closed        bool
	buffer        []byte
	timers        map[uint64]*Handle
	subscriptions map[uint64]*Handle
	pendingSubs   int

	// bufMu serializes use of the working buffer without blocking delivery
	bufMu sync.Mutex

	// done is cancelled first on teardown; waiting deliveries hold sending.RLock
	done    context.Context
	cancel  context.CancelFunc
	sending sync.RWMutex
}

// ConnectionID returns the immutable connection identity
func (s *Session) ConnectionID() string { return s.connectionID }

// UserID returns the logical owner of the connection
func (s *Session) UserID() string { return s.userID }

// CreatedAt returns the registration time
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Alive reports whether the session has not been destroyed
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Deliver sends an event to the connection. Once the session is destroyed
// nothing is delivered and ErrSessionNotFound is returned.
func (s *Session) Deliver(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionNotFound
	}
	if err := s.deliverer.Deliver(event, payload); err != nil {
		metrics.DeliveryFailures.WithLabelValues(event).Inc()
		return fmt.Errorf("%w: %s: %v", ErrDeliveryFailed, event, err)
	}
	metrics.MessagesProcessed.WithLabelValues("outbound", event).Inc()
	return nil
}

// DeliverWait sends an event to the connection, waiting for queue space
// instead of failing when the connection is slow. Teardown cancels the wait.
// Deliverers without a waiting path fall back to Deliver.
func (s *Session) DeliverWait(ctx context.Context, event string, payload any) error {
	w, ok := s.deliverer.(WaitDeliverer)
	if !ok {
		return s.Deliver(event, payload)
	}

	s.sending.RLock()
	defer s.sending.RUnlock()
	if s.done.Err() != nil {
		return ErrSessionNotFound
	}

	wctx, stop := context.WithCancel(ctx)
	defer stop()
	unregister := context.AfterFunc(s.done, stop)
	defer unregister()

	if err := w.DeliverWait(wctx, event, payload); err != nil {
		if s.done.Err() != nil {
			return ErrSessionNotFound
		}
		metrics.DeliveryFailures.WithLabelValues(event).Inc()
		return fmt.Errorf("%w: %s: %v", ErrDeliveryFailed, event, err)
	}
	metrics.MessagesProcessed.WithLabelValues("outbound", event).Inc()
	return nil
}

// Every starts a periodic timer owned by the session. fn runs on every tick
// until the session is destroyed; the timer goroutine is joined on teardown.
func (s *Session) Every(name string, interval time.Duration, fn func(now time.Time)) (*Handle, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid interval %v", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionNotFound
	}
	if s.limits.MaxTimers > 0 && s.countLocked(KindPeriodicTimer) >= s.limits.MaxTimers {
		return nil, fmt.Errorf("%w: %d periodic timers", ErrResourceLimit, s.limits.MaxTimers)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	h := newHandle(KindPeriodicTimer, name, func() {
		close(stop)
		<-done
	})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				s.runCallback(KindPeriodicTimer, name, func() { fn(now) })
			}
		}
	}()

	s.timers[h.id] = h
	metrics.ResourceAcquired(h.kind.String())
	return h, nil
}

// After schedules fn once after d. A fired timer stops being tracked.
func (s *Session) After(name string, d time.Duration, fn func()) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionNotFound
	}

	var h *Handle
	var timer *time.Timer
	h = newHandle(KindOneShotTimer, name, func() {
		timer.Stop()
	})
	timer = time.AfterFunc(d, func() {
		if !s.untrack(h) {
			return // cancelled by teardown
		}
		s.runCallback(KindOneShotTimer, name, fn)
	})

	s.timers[h.id] = h
	metrics.ResourceAcquired(h.kind.String())
	return h, nil
}

// Subscribe attaches fn to the named event on bus. If the session is
// destroyed while the subscription is being established, it is cancelled
// before Subscribe returns.
func (s *Session) Subscribe(ctx context.Context, bus events.Bus, name string, fn events.Handler) (*Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if s.limits.MaxSubscriptions > 0 && len(s.subscriptions)+s.pendingSubs >= s.limits.MaxSubscriptions {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d subscriptions", ErrResourceLimit, s.limits.MaxSubscriptions)
	}
	s.pendingSubs++
	s.mu.Unlock()

	cancel, err := bus.Subscribe(ctx, name, func(payload []byte) {
		s.runCallback(KindSubscription, name, func() { fn(payload) })
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingSubs--

	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	h := newHandle(KindSubscription, name, cancel)
	if s.closed {
		h.cancelOnce()
		return nil, ErrSessionNotFound
	}

	s.subscriptions[h.id] = h
	metrics.ResourceAcquired(h.kind.String())
	return h, nil
}

// AddBroadcast registers the connection as a broadcast target in dir.
// The registration is removed by the Registry on teardown.
func (s *Session) AddBroadcast(dir *broadcast.Directory, deliver broadcast.DeliverFunc) (broadcast.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrSessionNotFound
	}
	return dir.Add(s.connectionID, deliver), nil
}

// WithBuffer runs fn with exclusive use of the working buffer. fn must not
// retain the slice after it returns.
func (s *Session) WithBuffer(fn func(buf []byte) error) error {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	s.mu.Lock()
	buf := s.buffer
	s.mu.Unlock()

	if buf == nil {
		return ErrSessionNotFound
	}
	return fn(buf)
}

// BufferSize returns the size of the working buffer, zero once released
func (s *Session) BufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Resources returns the counts of live handles
func (s *Session) Resources() Resources {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Resources{
		PeriodicTimers: s.countLocked(KindPeriodicTimer),
		OneShotTimers:  s.countLocked(KindOneShotTimer),
		Subscriptions:  len(s.subscriptions),
	}
}

func (s *Session) countLocked(kind Kind) int {
	n := 0
	for _, h := range s.timers {
		if h.kind == kind {
			n++
		}
	}
	return n
}

// untrack forgets a fired one-shot timer. It reports false when teardown got there first.
func (s *Session) untrack(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.timers[h.id]; !ok {
		return false
	}
	delete(s.timers, h.id)
	metrics.ResourceReleased(h.kind.String(), 1)
	return true
}

// runCallback runs a resource callback, logging instead of propagating a panic
func (s *Session) runCallback(kind Kind, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session callback panicked",
				zap.String("kind", kind.String()),
				zap.String("name", name),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

// release marks the session destroyed, cancels every owned handle and
// hands back the working buffer. Only the first call does anything.
func (s *Session) release() (Released, []byte) {
	// Unblock waiting deliveries and wait for them to return
	s.cancel()
	s.sending.Lock()
	s.sending.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Released{}, nil
	}
	s.closed = true

	handles := make([]*Handle, 0, len(s.timers)+len(s.subscriptions))
	for _, h := range s.timers {
		handles = append(handles, h)
	}
	for _, h := range s.subscriptions {
		handles = append(handles, h)
	}
	s.timers = make(map[uint64]*Handle)
	s.subscriptions = make(map[uint64]*Handle)

	buf := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	// Cancel outside s.mu: in-flight callbacks may need it to finish.
	var rel Released
	for _, h := range handles {
		if !h.cancelOnce() {
			continue
		}
		s.log.Debug("resource released",
			zap.String("kind", h.kind.String()),
			zap.String("name", h.name),
			zap.Duration("age", time.Since(h.createdAt)),
		)
		switch h.kind {
		case KindPeriodicTimer:
			rel.PeriodicTimers++
		case KindOneShotTimer:
			rel.OneShotTimers++
		case KindSubscription:
			rel.Subscriptions++
		}
	}
	metrics.ResourceReleased(metrics.KindPeriodicTimer, rel.PeriodicTimers)
	metrics.ResourceReleased(metrics.KindOneShotTimer, rel.OneShotTimers)
	metrics.ResourceReleased(metrics.KindSubscription, rel.Subscriptions)

	// Wait out a buffer user that is mid-flight.
	s.bufMu.Lock()
	if buf != nil {
		rel.BufferBytes = len(buf)
	}
	s.bufMu.Unlock()

	return rel, buf
}

package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SkynetNext/push-gateway/internal/events"
)

func TestSession_DeliverAfterDestroy(t *testing.T) {
	r := newTestRegistry(nil)
	rec := newRecorder()
	s, _ := r.Register("c1", "u1", rec)

	if err := s.Deliver("ack", nil); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	_, _ = r.Destroy("c1")

	if err := s.Deliver("ack", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if rec.count("ack") != 1 {
		t.Errorf("Expected 1 delivery, got %d", rec.count("ack"))
	}
	if s.Alive() {
		t.Error("Destroyed session reports alive")
	}
}

func TestSession_DeliverFailure(t *testing.T) {
	r := newTestRegistry(nil)
	rec := newRecorder()
	rec.fail = true
	s, _ := r.Register("c1", "u1", rec)

	if err := s.Deliver("ack", nil); !errors.Is(err, ErrDeliveryFailed) {
		t.Errorf("Expected ErrDeliveryFailed, got %v", err)
	}
}

func TestSession_OneShotUntracksWhenFired(t *testing.T) {
	r := newTestRegistry(nil)
	s, _ := r.Register("c1", "u1", newRecorder())

	fired := make(chan struct{})
	if _, err := s.After("welcome", time.Millisecond, func() { close(fired) }); err != nil {
		t.Fatalf("After failed: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("One-shot timer did not fire")
	}

	deadline := time.Now().Add(time.Second)
	for s.Resources().OneShotTimers != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := s.Resources().OneShotTimers; n != 0 {
		t.Errorf("Expected fired timer to be untracked, got %d", n)
	}

	rel, _ := r.Destroy("c1")
	if rel.OneShotTimers != 0 {
		t.Errorf("Fired timer counted on destroy: %d", rel.OneShotTimers)
	}
}

func TestSession_OneShotCancelledByDestroy(t *testing.T) {
	r := newTestRegistry(nil)
	s, _ := r.Register("c1", "u1", newRecorder())

	var fired atomic.Bool
	_, _ = s.After("later", 20*time.Millisecond, func() { fired.Store(true) })
	_, _ = r.Destroy("c1")

	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Error("One-shot timer fired after destroy")
	}
}

func TestSession_TimerLimit(t *testing.T) {
	r := newTestRegistry(nil)
	s, _ := r.Register("c1", "u1", newRecorder())
	defer r.Destroy("c1")

	for i := 0; i < 4; i++ {
		if _, err := s.Every("tick", time.Hour, func(time.Time) {}); err != nil {
			t.Fatalf("Every %d failed: %v", i, err)
		}
	}
	if _, err := s.Every("tick", time.Hour, func(time.Time) {}); !errors.Is(err, ErrResourceLimit) {
		t.Errorf("Expected ErrResourceLimit, got %v", err)
	}
}

func TestSession_SubscriptionLimit(t *testing.T) {
	r := newTestRegistry(nil)
	bus := events.NewLocalBus()
	s, _ := r.Register("c1", "u1", newRecorder())
	defer r.Destroy("c1")

	for i := 0; i < 4; i++ {
		if _, err := s.Subscribe(context.Background(), bus, "e", func([]byte) {}); err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
	}
	if _, err := s.Subscribe(context.Background(), bus, "e", func([]byte) {}); !errors.Is(err, ErrResourceLimit) {
		t.Errorf("Expected ErrResourceLimit, got %v", err)
	}
	if n := bus.Subscribers("e"); n != 4 {
		t.Errorf("Expected 4 bus subscribers, got %d", n)
	}
}

func TestSession_SubscriptionDelivery(t *testing.T) {
	r := newTestRegistry(nil)
	bus := events.NewLocalBus()
	rec := newRecorder()
	s, _ := r.Register("c1", "u1", rec)

	_, err := s.Subscribe(context.Background(), bus, events.System, func(p []byte) {
		_ = s.Deliver("event", string(p))
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	_ = bus.Publish(context.Background(), events.System, []byte("hello"))
	if rec.count("event") != 1 {
		t.Errorf("Expected 1 event delivered, got %d", rec.count("event"))
	}

	_, _ = r.Destroy("c1")
	_ = bus.Publish(context.Background(), events.System, []byte("hello"))
	if rec.count("event") != 1 {
		t.Errorf("Event delivered after destroy: %d", rec.count("event"))
	}
}

func TestSession_SubscribeOnClosedBus(t *testing.T) {
	r := newTestRegistry(nil)
	bus := events.NewLocalBus()
	_ = bus.Close()
	s, _ := r.Register("c1", "u1", newRecorder())

	if _, err := s.Subscribe(context.Background(), bus, "e", func([]byte) {}); !errors.Is(err, events.ErrBusClosed) {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
	if n := s.Resources().Subscriptions; n != 0 {
		t.Errorf("Failed subscribe was tracked: %d", n)
	}
}

func TestSession_PanickingTimerKeepsTicking(t *testing.T) {
	r := newTestRegistry(nil)
	s, _ := r.Register("c1", "u1", newRecorder())
	defer r.Destroy("c1")

	var calls atomic.Int64
	_, _ = s.Every("boom", 2*time.Millisecond, func(time.Time) {
		calls.Add(1)
		panic("boom")
	})

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if calls.Load() < 3 {
		t.Errorf("Expected timer to survive panics, got %d calls", calls.Load())
	}
}

func TestSession_WithBufferAfterDestroy(t *testing.T) {
	r := newTestRegistry(nil)
	s, _ := r.Register("c1", "u1", newRecorder())

	err := s.WithBuffer(func(buf []byte) error {
		if len(buf) != 4096 {
			t.Errorf("Expected 4096 byte buffer, got %d", len(buf))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithBuffer failed: %v", err)
	}

	_, _ = r.Destroy("c1")
	if err := s.WithBuffer(func([]byte) error { return nil }); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

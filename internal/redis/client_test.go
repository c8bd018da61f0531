package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SkynetNext/push-gateway/internal/circuitbreaker"
	"github.com/SkynetNext/push-gateway/internal/config"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default().Redis
	cfg.KeyPrefix = "push-gateway-test:"
	cfg.MaxRetries = 1

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Connect(ctx, &cfg)
	if err != nil {
		t.Skipf("Skipping test: Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_PublishSubscribe(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	got := make(chan string, 1)
	cancel, err := c.Subscribe(ctx, "unit", func(p []byte) { got <- string(p) })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := c.Publish(ctx, "unit", []byte("ping")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-got:
		if msg != "ping" {
			t.Errorf("Expected ping, got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for published event")
	}

	cancel()
	cancel()

	if err := c.Publish(ctx, "unit", []byte("after-cancel")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case msg := <-got:
		t.Errorf("Received %q after cancel", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClient_PublishBreakerOpens(t *testing.T) {
	cfg := config.Default().Redis
	cfg.Addr = "127.0.0.1:1" // nothing listens here
	cfg.DialTimeout = 200 * time.Millisecond
	cfg.BreakerFailures = 1
	cfg.BreakerTimeout = time.Minute

	c := NewClient(&cfg)
	defer c.Close()
	ctx := context.Background()

	if err := c.Publish(ctx, "unit", []byte("x")); err == nil {
		t.Fatal("Expected publish to an unreachable Redis to fail")
	}
	err := c.Publish(ctx, "unit", []byte("x"))
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("Expected ErrOpen after repeated failures, got %v", err)
	}
}

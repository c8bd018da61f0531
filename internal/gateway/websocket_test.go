package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SkynetNext/push-gateway/internal/config"
	"github.com/SkynetNext/push-gateway/internal/protocol"
	"github.com/gorilla/websocket"
)

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func startServer(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, userID string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?userId=" + userID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) send(event string, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.t.Fatalf("Encode failed: %v", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("Write failed: %v", err)
	}
}

// next reads frames until one carries event, returning every frame read
func (c *wsClient) next(event string) (*protocol.Envelope, []*protocol.Envelope) {
	c.t.Helper()
	var seen []*protocol.Envelope
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.t.Fatalf("Waiting for %s: %v", event, err)
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			c.t.Fatalf("Decode failed: %v", err)
		}
		seen = append(seen, env)
		if env.Event == event {
			return env, seen
		}
	}
}

func TestWebSocket_ConnectedEvent(t *testing.T) {
	gw := newTestGateway(t, nil)
	srv := startServer(t, gw)
	c := dial(t, srv, "alice")

	env, _ := c.next(protocol.EventConnected)
	var connected protocol.Connected
	if err := env.Bind(&connected); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if connected.UserID != "alice" || connected.ConnectionID == "" {
		t.Errorf("Unexpected connected payload: %+v", connected)
	}

	if _, err := gw.registry.Lookup(connected.ConnectionID); err != nil {
		t.Errorf("Expected a live session for %s: %v", connected.ConnectionID, err)
	}
}

func TestWebSocket_HeavyComputation(t *testing.T) {
	gw := newTestGateway(t, nil)
	srv := startServer(t, gw)
	c := dial(t, srv, "bob")
	c.next(protocol.EventConnected)

	c.send(protocol.CmdHeavyComputation, protocol.HeavyComputationRequest{Iterations: 10})

	ackEnv, frames := c.next(protocol.EventAck)
	var ack protocol.Ack
	if err := ackEnv.Bind(&ack); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if ack.Processed == nil || *ack.Processed != 10 {
		t.Errorf("Expected processed=10, got %+v", ack)
	}

	iteration := 0
	var last time.Time
	for _, env := range frames {
		if env.Event != protocol.EventComputationResult {
			continue
		}
		var r protocol.ComputationResult
		if err := env.Bind(&r); err != nil {
			t.Fatalf("Bind failed: %v", err)
		}
		if r.Iteration != iteration {
			t.Errorf("Expected iteration %d, got %d", iteration, r.Iteration)
		}
		if !r.Timestamp.After(last) {
			t.Errorf("Iteration %d: timestamp not increasing", r.Iteration)
		}
		last = r.Timestamp
		iteration++
	}
	if iteration != 10 {
		t.Errorf("Expected 10 computation results before the ack, got %d", iteration)
	}
}

func TestWebSocket_MemoryStats(t *testing.T) {
	gw := newTestGateway(t, nil)
	srv := startServer(t, gw)
	clients := []*wsClient{dial(t, srv, "a"), dial(t, srv, "b"), dial(t, srv, "c")}
	for _, c := range clients {
		c.next(protocol.EventConnected)
	}

	clients[0].send(protocol.CmdGetMemoryStats, nil)
	env, _ := clients[0].next(protocol.EventMemoryStats)

	var stats protocol.MemoryStats
	if err := env.Bind(&stats); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if stats.SessionCount != 3 {
		t.Errorf("Expected sessionCount 3, got %d", stats.SessionCount)
	}
	if stats.BroadcastCount != 3 {
		t.Errorf("Expected broadcastCount 3, got %d", stats.BroadcastCount)
	}
}

func TestWebSocket_CloseDestroysSession(t *testing.T) {
	gw := newTestGateway(t, nil)
	srv := startServer(t, gw)
	c := dial(t, srv, "carol")
	c.next(protocol.EventConnected)

	c.send(protocol.CmdSubscribeUpdates, protocol.SubscribeUpdatesRequest{
		Preferences: protocol.Preferences{IntervalMs: 20},
	})
	c.next(protocol.EventAck)
	c.next(protocol.EventUserUpdates)

	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.ws.Close()

	if !waitFor(t, 2*time.Second, func() bool { return gw.registry.Count() == 0 }) {
		t.Fatalf("Expected session destroyed after close, %d remain", gw.registry.Count())
	}
	if res := gw.registry.Resources(); res.PeriodicTimers != 0 {
		t.Errorf("Expected no periodic timers, got %d", res.PeriodicTimers)
	}
	if n := gw.broadcasts.Count(); n != 0 {
		t.Errorf("Expected no broadcast registrations, got %d", n)
	}
}

func TestWebSocket_ErrorReplies(t *testing.T) {
	gw := newTestGateway(t, nil)
	srv := startServer(t, gw)
	c := dial(t, srv, "dave")
	c.next(protocol.EventConnected)

	if err := c.ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	c.next(protocol.EventError)

	c.send("launch_rockets", nil)
	env, _ := c.next(protocol.EventError)
	var e protocol.Error
	if err := env.Bind(&e); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if e.Command != "launch_rockets" {
		t.Errorf("Expected error for launch_rockets, got %+v", e)
	}

	c.send(protocol.CmdForceGC, nil)
	env, _ = c.next(protocol.EventGCResult)
	var gc protocol.GCResult
	if err := env.Bind(&gc); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if gc.Error != "" || gc.Before == nil || gc.After == nil {
		t.Errorf("Expected force_gc to collect by default, got %+v", gc)
	}

	// The connection survives bad input
	c.send(protocol.CmdGetHistory, protocol.GetHistoryRequest{Limit: 1})
	env, _ = c.next(protocol.EventHistory)
	var h protocol.History
	if err := env.Bind(&h); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if len(h.Entries) != 1 {
		t.Errorf("Expected 1 history entry, got %d", len(h.Entries))
	}
}

func TestWebSocket_BroadcastReachesOthers(t *testing.T) {
	gw := newTestGateway(t, nil)
	srv := startServer(t, gw)
	sender, receiver := dial(t, srv, "erin"), dial(t, srv, "frank")
	sender.next(protocol.EventConnected)
	receiver.next(protocol.EventConnected)

	sender.send(protocol.CmdBroadcast, protocol.BroadcastRequest{Message: "hi all"})
	sender.next(protocol.EventAck)

	env, _ := receiver.next(protocol.EventBroadcast)
	var msg protocol.BroadcastMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.From != "erin" || msg.Message != "hi all" {
		t.Errorf("Unexpected broadcast: %+v", msg)
	}
}

func TestWebSocket_RejectsWhileDraining(t *testing.T) {
	gw := newTestGateway(t, nil)
	srv := startServer(t, gw)
	atomic.StoreInt32(&gw.draining, 1)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected dial to fail while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %+v", resp)
	}
}

func TestWebSocket_ConnectionLimit(t *testing.T) {
	gw := newTestGateway(t, func(cfg *config.Config) {
		cfg.Security.MaxConnections = 1
	})
	srv := startServer(t, gw)
	c := dial(t, srv, "gina")
	c.next(protocol.EventConnected)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected second connection to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %+v", resp)
	}
}

func TestWebSocket_HeavyComputationSlowReader(t *testing.T) {
	gw := newTestGateway(t, func(cfg *config.Config) {
		cfg.Server.SendQueueSize = 8
	})
	srv := startServer(t, gw)
	c := dial(t, srv, "ivan")
	c.next(protocol.EventConnected)

	const iterations = 5000
	c.send(protocol.CmdHeavyComputation, protocol.HeavyComputationRequest{Iterations: iterations})

	// Let the queue fill before reading anything
	time.Sleep(100 * time.Millisecond)

	next := 0
	_ = c.ws.SetReadDeadline(time.Now().Add(20 * time.Second))
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			t.Fatalf("Read failed after %d results: %v", next, err)
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		switch env.Event {
		case protocol.EventComputationResult:
			var res protocol.ComputationResult
			if err := env.Bind(&res); err != nil {
				t.Fatalf("Bind failed: %v", err)
			}
			if res.Iteration != next {
				t.Fatalf("Expected iteration %d, got %d", next, res.Iteration)
			}
			next++
		case protocol.EventAck:
			var ack protocol.Ack
			if err := env.Bind(&ack); err != nil {
				t.Fatalf("Bind failed: %v", err)
			}
			if ack.Processed == nil || *ack.Processed != iterations {
				t.Fatalf("Expected processed=%d, got %+v", iterations, ack)
			}
			if next != iterations {
				t.Errorf("Expected %d results before the ack, got %d", iterations, next)
			}
			return
		}
	}
}

func TestWebSocket_ShutdownClosesConnections(t *testing.T) {
	gw := newTestGateway(t, nil)
	srv := startServer(t, gw)
	c := dial(t, srv, "judy")
	c.next(protocol.EventConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := gw.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if n := gw.registry.Count(); n != 0 {
		t.Errorf("Expected no sessions after shutdown, got %d", n)
	}

	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			break
		}
	}
}

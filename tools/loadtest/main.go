package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/push-gateway/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	addr        = flag.String("addr", "localhost:8080", "Target host:port")
	path        = flag.String("path", "/ws", "WebSocket path")
	connections = flag.Int("connections", 100, "Number of concurrent connections")
	duration    = flag.Duration("duration", 30*time.Second, "Test duration")
	hold        = flag.Duration("hold", 2*time.Second, "How long each connection stays open")
	iterations  = flag.Int("iterations", 10, "heavy_computation iterations per connection")
	intervalMs  = flag.Int("interval-ms", 200, "subscribe_updates interval")
	timeout     = flag.Duration("timeout", 5*time.Second, "Dial and reply timeout")
	verbose     = flag.Bool("verbose", false, "Verbose output")
)

// Stats holds counters shared by every worker
type Stats struct {
	TotalConnections int64
	SuccessfulConns  int64
	FailedConns      int64
	FramesIn         int64
	FramesOut        int64
	Updates          int64
	Results          int64
	MinLatency       int64 // ns, heavy_computation round trip
	MaxLatency       int64
	TotalLatency     int64
	LatencyCount     int64
	ReadErrors       int64
	WriteErrors      int64
}

var stats Stats

func main() {
	flag.Parse()

	target := url.URL{Scheme: "ws", Host: *addr, Path: *path}

	fmt.Printf("=== Push Gateway Load Test ===\n")
	fmt.Printf("Target: %s\n", target.String())
	fmt.Printf("Connections: %d\n", *connections)
	fmt.Printf("Duration: %v (hold %v)\n", *duration, *hold)
	fmt.Printf("\n")

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// Start stats reporter
	statsDone := make(chan struct{})
	go reportStats(ctx, statsDone)

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, *connections)

	startTime := time.Now()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case semaphore <- struct{}{}:
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-semaphore }()
				runConnection(ctx, target)
			}()
		}
	}

	wg.Wait()
	elapsed := time.Since(startTime)
	<-statsDone

	// Once every client has gone, the gateway should hold exactly one session: ours
	leaked := checkSessions(target)

	printFinalReport(elapsed, leaked)
}

// runConnection opens one client, exercises the session-owned resources and disconnects
func runConnection(ctx context.Context, target url.URL) {
	atomic.AddInt64(&stats.TotalConnections, 1)

	u := target
	u.RawQuery = "userId=load-" + uuid.NewString()[:8]
	dialer := websocket.Dialer{HandshakeTimeout: *timeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		if *verbose {
			fmt.Printf("connection failed: %v\n", err)
		}
		return
	}
	defer ws.Close()
	atomic.AddInt64(&stats.SuccessfulConns, 1)

	send := func(event string, payload any) bool {
		frame, err := protocol.Encode(event, payload)
		if err == nil {
			err = ws.WriteMessage(websocket.TextMessage, frame)
		}
		if err != nil {
			atomic.AddInt64(&stats.WriteErrors, 1)
			return false
		}
		atomic.AddInt64(&stats.FramesOut, 1)
		return true
	}

	if !send(protocol.CmdSubscribeUpdates, protocol.SubscribeUpdatesRequest{
		Preferences: protocol.Preferences{IntervalMs: *intervalMs},
	}) {
		return
	}
	start := time.Now()
	if !send(protocol.CmdHeavyComputation, protocol.HeavyComputationRequest{Iterations: *iterations}) {
		return
	}

	deadline := time.Now().Add(*hold)
	computed := false
	for time.Now().Before(deadline) && ctx.Err() == nil {
		_ = ws.SetReadDeadline(deadline)
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); !ok || !ne.Timeout() {
				atomic.AddInt64(&stats.ReadErrors, 1)
			}
			break
		}
		atomic.AddInt64(&stats.FramesIn, 1)

		env, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		switch env.Event {
		case protocol.EventUserUpdates:
			atomic.AddInt64(&stats.Updates, 1)
		case protocol.EventComputationResult:
			atomic.AddInt64(&stats.Results, 1)
		case protocol.EventAck:
			var ack protocol.Ack
			if env.Bind(&ack) == nil && ack.Processed != nil && !computed {
				computed = true
				recordLatency(time.Since(start))
			}
		}
	}

	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func recordLatency(latency time.Duration) {
	l := int64(latency)
	atomic.AddInt64(&stats.LatencyCount, 1)
	atomic.AddInt64(&stats.TotalLatency, l)
	for {
		old := atomic.LoadInt64(&stats.MinLatency)
		if old != 0 && l >= old {
			break
		}
		if atomic.CompareAndSwapInt64(&stats.MinLatency, old, l) {
			break
		}
	}
	for {
		old := atomic.LoadInt64(&stats.MaxLatency)
		if l <= old {
			break
		}
		if atomic.CompareAndSwapInt64(&stats.MaxLatency, old, l) {
			break
		}
	}
}

// checkSessions asks the gateway for its session count after the run. It
// returns the number of sessions beyond the checking connection, or -1.
func checkSessions(target url.URL) int {
	// Give the gateway a moment to finish tearing down the last connections
	time.Sleep(500 * time.Millisecond)

	dialer := websocket.Dialer{HandshakeTimeout: *timeout}
	ws, _, err := dialer.Dial(target.String(), nil)
	if err != nil {
		fmt.Printf("\nsession check failed: %v\n", err)
		return -1
	}
	defer ws.Close()

	frame, _ := protocol.Encode(protocol.CmdGetMemoryStats, nil)
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return -1
	}
	_ = ws.SetReadDeadline(time.Now().Add(*timeout))
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return -1
		}
		env, err := protocol.Decode(frame)
		if err != nil || env.Event != protocol.EventMemoryStats {
			continue
		}
		var ms protocol.MemoryStats
		if err := env.Bind(&ms); err != nil {
			return -1
		}
		fmt.Printf("\nGateway after run: sessions=%d broadcasts=%d timers=%d subscriptions=%d heap=%d\n",
			ms.SessionCount, ms.BroadcastCount, ms.PeriodicTimers, ms.Subscriptions, ms.Memory.HeapAlloc)
		return ms.SessionCount - 1
	}
}

func reportStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStats()
		}
	}
}

func printStats() {
	fmt.Printf("\r[Stats] Conns: %d/%d (failed: %d) | Frames in/out: %d/%d | Updates: %d | Results: %d",
		atomic.LoadInt64(&stats.SuccessfulConns),
		atomic.LoadInt64(&stats.TotalConnections),
		atomic.LoadInt64(&stats.FailedConns),
		atomic.LoadInt64(&stats.FramesIn),
		atomic.LoadInt64(&stats.FramesOut),
		atomic.LoadInt64(&stats.Updates),
		atomic.LoadInt64(&stats.Results),
	)
}

func printFinalReport(elapsed time.Duration, leaked int) {
	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	totalConns := atomic.LoadInt64(&stats.TotalConnections)
	successConns := atomic.LoadInt64(&stats.SuccessfulConns)
	failedConns := atomic.LoadInt64(&stats.FailedConns)

	fmt.Printf("\n--- Connections ---\n")
	fmt.Printf("Total: %d\n", totalConns)
	if totalConns > 0 {
		fmt.Printf("Successful: %d (%.2f%%)\n", successConns, float64(successConns)/float64(totalConns)*100)
		fmt.Printf("Failed: %d (%.2f%%)\n", failedConns, float64(failedConns)/float64(totalConns)*100)
	}
	fmt.Printf("Churn: %.2f conn/s\n", float64(successConns)/elapsed.Seconds())

	fmt.Printf("\n--- Frames ---\n")
	fmt.Printf("In: %d  Out: %d\n", atomic.LoadInt64(&stats.FramesIn), atomic.LoadInt64(&stats.FramesOut))
	fmt.Printf("user_updates: %d  computation_result: %d\n", atomic.LoadInt64(&stats.Updates), atomic.LoadInt64(&stats.Results))

	fmt.Printf("\n--- heavy_computation latency ---\n")
	if n := atomic.LoadInt64(&stats.LatencyCount); n > 0 {
		fmt.Printf("Min: %v\n", time.Duration(atomic.LoadInt64(&stats.MinLatency)))
		fmt.Printf("Max: %v\n", time.Duration(atomic.LoadInt64(&stats.MaxLatency)))
		fmt.Printf("Avg: %v\n", time.Duration(atomic.LoadInt64(&stats.TotalLatency)/n))
	}

	fmt.Printf("\n--- Errors ---\n")
	fmt.Printf("Read Errors: %d\n", atomic.LoadInt64(&stats.ReadErrors))
	fmt.Printf("Write Errors: %d\n", atomic.LoadInt64(&stats.WriteErrors))

	switch {
	case leaked < 0:
		fmt.Printf("\nTest failed: could not read gateway session count\n")
		os.Exit(1)
	case leaked > 0:
		fmt.Printf("\nTest failed: %d sessions outlived their connections\n", leaked)
		os.Exit(1)
	case failedConns > totalConns/10:
		fmt.Printf("\nTest failed: too many connection errors\n")
		os.Exit(1)
	default:
		fmt.Printf("\nTest completed successfully\n")
	}
}

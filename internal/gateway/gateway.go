package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/push-gateway/internal/broadcast"
	"github.com/SkynetNext/push-gateway/internal/buffer"
	"github.com/SkynetNext/push-gateway/internal/config"
	"github.com/SkynetNext/push-gateway/internal/events"
	"github.com/SkynetNext/push-gateway/internal/history"
	"github.com/SkynetNext/push-gateway/internal/logger"
	"github.com/SkynetNext/push-gateway/internal/maintenance"
	"github.com/SkynetNext/push-gateway/internal/middleware"
	"github.com/SkynetNext/push-gateway/internal/ratelimit"
	"github.com/SkynetNext/push-gateway/internal/redis"
	"github.com/SkynetNext/push-gateway/internal/session"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Gateway represents the push gateway service
type Gateway struct {
	config   *config.Config
	configMu sync.RWMutex // Protects config updates

	// Components
	registry    *session.Registry
	history     *history.Log
	broadcasts  *broadcast.Directory
	bus         events.Bus
	redisClient *redis.Client // nil unless events.backend is redis
	scheduler   *maintenance.Scheduler

	// Rate limiting
	rateLimiter *ratelimit.Limiter
	ipLimiter   *ratelimit.IPLimiter

	// Live transport connections, keyed by connection id
	conns cmap.ConcurrentMap[string, *connection]

	// Network
	server        *http.Server
	metricsServer *http.Server

	// State
	draining int32          // Atomic: 0=Running, 1=Draining
	wg       sync.WaitGroup // connection handlers
	admitMu  sync.Mutex     // orders wg.Add against the drain flag
}

// New creates a new gateway instance. With the redis events backend, Redis
// must be reachable.
func New(cfg *config.Config) (*Gateway, error) {
	var (
		bus         events.Bus
		redisClient *redis.Client
	)
	switch cfg.Events.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c, err := redis.Connect(ctx, &cfg.Redis)
		if err != nil {
			return nil, err
		}
		bus, redisClient = c, c
	default:
		bus = events.NewLocalBus()
	}

	broadcasts := broadcast.NewDirectory(cfg.Broadcast.DeliveryTimeout, cfg.Broadcast.MaxParallel)

	g := &Gateway{
		config: cfg,
		registry: session.NewRegistry(session.Options{
			BufferPool: buffer.NewPool(cfg.Session.WorkingBufferSize),
			Broadcasts: broadcasts,
			Limits: session.Limits{
				MaxTimers:        cfg.Session.MaxTimers,
				MaxSubscriptions: cfg.Session.MaxSubscriptions,
			},
		}),
		history:     history.NewLog(cfg.History.MaxEntries),
		broadcasts:  broadcasts,
		bus:         bus,
		redisClient: redisClient,
		rateLimiter: ratelimit.NewLimiter(int64(cfg.Security.MaxConnections)),
		ipLimiter: ratelimit.NewIPLimiter(
			cfg.Security.MaxConnectionsPerIP,
			cfg.Security.ConnectionRateLimit,
		),
		conns: cmap.New[*connection](),
	}
	g.scheduler = maintenance.New(cfg.Maintenance.Interval, cfg.Maintenance.TickTimeout, g.housekeeping)
	return g, nil
}

// Handler returns the HTTP handler serving the WebSocket endpoint
func (g *Gateway) Handler() http.Handler {
	cfg := g.GetConfig()
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.WebSocketPath, g.handleWebSocket)
	return mux
}

// Start starts the gateway service
func (g *Gateway) Start(ctx context.Context) error {
	cfg := g.GetConfig()

	// 1. Initialize access logger with batching
	middleware.InitAccessLogger(100, 5*time.Second) // Batch 100 logs or flush every 5 seconds

	// 2. Start the process-wide maintenance task
	g.scheduler.Start(ctx)

	// 3. Start metrics and health check server
	if err := g.startMetricsServer(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Start WebSocket listener
	listener, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Error("websocket server error", zap.Error(err))
		}
	}()

	logger.L.Info("push gateway listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", cfg.Server.WebSocketPath),
		zap.String("events_backend", cfg.Events.Backend),
	)
	return nil
}

// Shutdown gracefully shuts down the gateway
func (g *Gateway) Shutdown(ctx context.Context) error {
	// 1. Enter drain mode. No handler is admitted after this.
	g.admitMu.Lock()
	atomic.StoreInt32(&g.draining, 1)
	g.admitMu.Unlock()

	// 2. Stop accepting new connections
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			logger.L.Warn("websocket server shutdown error", zap.Error(err))
		}
	}

	// 3. Tell clients, then close every connection. Each reader destroys its own session.
	g.announce(ctx, "gateway shutting down")
	for _, c := range g.conns.Items() {
		c.close()
	}

	// 4. Stop maintenance
	g.scheduler.Stop()

	// 5. Wait for connection handlers to finish (with timeout)
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.L.Warn("shutdown timed out waiting for connections",
			zap.Int("remaining", g.conns.Count()),
		)
	}

	// 6. Destroy anything a handler did not get to
	if rel := g.registry.CloseAll(); rel.Total() > 0 {
		logger.L.Info("sessions destroyed at shutdown",
			zap.Int("released_total", rel.Total()),
		)
	}

	// 7. Close the event bus (and Redis connection)
	if err := g.bus.Close(); err != nil {
		return fmt.Errorf("failed to close event bus: %w", err)
	}

	// 8. Shutdown metrics server
	if g.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.metricsServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}
	}

	// 9. Shutdown access logger
	middleware.ShutdownAccessLogger()

	return nil
}

// announce publishes an operator message on the system event
func (g *Gateway) announce(ctx context.Context, message string) {
	payload, _ := json.Marshal(map[string]any{
		"message":   message,
		"timestamp": time.Now(),
	})
	if err := g.bus.Publish(ctx, events.System, payload); err != nil {
		logger.L.Warn("failed to publish system event", zap.Error(err))
	}
}

// startMetricsServer starts the metrics and health check HTTP server
func (g *Gateway) startMetricsServer(_ context.Context) error {
	port := g.GetConfig().Server.HealthCheckPort

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.healthHandler)
	mux.HandleFunc("/ready", g.readyHandler)
	mux.Handle("/metrics", promhttp.Handler()) // Prometheus metrics endpoint

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	g.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Not tracked by wg: it stays up while connections drain.
	go func() {
		if err := g.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Error("metrics server error",
				zap.Error(err),
			)
		}
	}()

	logger.L.Info("metrics server started",
		zap.Int("port", port),
	)
	return nil
}

// admit counts a connection handler in wg unless the gateway is draining.
// An admitted handler must call g.wg.Done.
func (g *Gateway) admit() bool {
	g.admitMu.Lock()
	defer g.admitMu.Unlock()
	if atomic.LoadInt32(&g.draining) == 1 {
		return false
	}
	g.wg.Add(1)
	return true
}

// healthHandler handles liveness probe requests
func (g *Gateway) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// readyHandler handles readiness probe requests
func (g *Gateway) readyHandler(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&g.draining) == 1 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Draining"))
		return
	}
	if g.redisClient != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := g.redisClient.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Redis unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

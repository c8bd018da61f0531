package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/push-gateway/internal/logger"
	"github.com/SkynetNext/push-gateway/internal/metrics"
	"github.com/SkynetNext/push-gateway/internal/middleware"
	"github.com/SkynetNext/push-gateway/internal/protocol"
	"github.com/SkynetNext/push-gateway/internal/ratelimit"
	"github.com/SkynetNext/push-gateway/internal/session"
	"github.com/SkynetNext/push-gateway/internal/tracing"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errConnectionClosed = errors.New("connection closed")
	errSendQueueFull    = errors.New("send queue full")
)

var _ session.WaitDeliverer = (*connection)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Authentication and origin policy belong to the fronting proxy
	CheckOrigin: func(*http.Request) bool { return true },
}

// connection is one WebSocket client. A single writer goroutine drains send;
// the reader goroutine applies commands in arrival order.
type connection struct {
	id         string
	userID     string
	remoteAddr string
	ws         *websocket.Conn
	send       chan []byte

	closed    chan struct{}
	closeOnce sync.Once

	messagesIn  atomic.Int64
	messagesOut atomic.Int64
}

// Deliver enqueues an event without blocking
func (c *connection) Deliver(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendQueueFull
	}
}

// DeliverWait enqueues an event, waiting for the writer to make room
func (c *connection) DeliverWait(ctx context.Context, event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close tells the writer to send a close frame and drop the socket, which unblocks the reader
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// handleWebSocket admits, upgrades and serves one client connection
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()
	ip := ratelimit.ClientIP(r)

	reject := func(status int, reason, msg string) {
		metrics.IncConnectionRejected(reason)
		logger.WarnWithTrace(ctx, "connection rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("reason", reason),
		)
		middleware.LogAccess(ctx, &middleware.AccessLogEntry{
			RemoteAddr: r.RemoteAddr,
			DurationMs: time.Since(startTime).Milliseconds(),
			Status:     "rejected",
			Error:      msg,
		})
		http.Error(w, msg, status)
	}

	if !g.admit() {
		reject(http.StatusServiceUnavailable, "draining", "gateway draining")
		return
	}
	defer g.wg.Done()

	g.configMu.RLock()
	ipLimiter, rateLimiter := g.ipLimiter, g.rateLimiter
	cfg := g.config
	g.configMu.RUnlock()

	// Per-IP open connections and accept rate
	if ok, reason := ipLimiter.Allow(ip); !ok {
		reject(http.StatusTooManyRequests, reason, "too many connections from this address")
		return
	}
	defer ipLimiter.Release(ip)

	// Global limit on concurrent connections
	if !rateLimiter.Allow() {
		reject(http.StatusServiceUnavailable, "max_connections", "connection limit exceeded")
		return
	}
	defer rateLimiter.Release()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		metrics.IncConnectionRejected("upgrade_failed")
		logger.DebugWithTrace(ctx, "websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	c := &connection{
		id:         uuid.NewString(),
		remoteAddr: r.RemoteAddr,
		ws:         ws,
		send:       make(chan []byte, cfg.Server.SendQueueSize),
		closed:     make(chan struct{}),
	}

	ctx, span := tracing.StartSpan(ctx, "gateway.handle_connection")
	defer span.End()

	s, err := g.Connect(c.id, r.URL.Query().Get("userId"), c)
	if err != nil {
		logger.ErrorWithTrace(ctx, "failed to register session",
			zap.String("connection_id", c.id),
			zap.Error(err),
		)
		_ = ws.Close()
		return
	}
	c.userID = s.UserID()

	g.conns.Set(c.id, c)
	defer g.conns.Remove(c.id)
	if atomic.LoadInt32(&g.draining) == 1 {
		// Shutdown may already have walked conns
		c.close()
	}

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	logger.InfoWithTrace(ctx, "new connection",
		zap.String("connection_id", c.id),
		zap.String("user_id", c.userID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writePump(c, cfg.Server.WriteTimeout, cfg.Server.PingInterval)
	}()

	readErr := g.readPump(ctx, c, cfg.Security.MaxMessageSize, cfg.Server.ReadTimeout)

	// Disconnect is the barrier: nothing owned by the session survives it.
	rel, err := g.Disconnect(c.id)
	if err != nil {
		logger.L.Debug("session already destroyed",
			zap.String("connection_id", c.id),
			zap.Error(err),
		)
	}
	c.close()
	<-writerDone

	entry := &middleware.AccessLogEntry{
		RemoteAddr:   r.RemoteAddr,
		ConnectionID: c.id,
		UserID:       c.userID,
		DurationMs:   time.Since(startTime).Milliseconds(),
		Status:       "closed",
		MessagesIn:   c.messagesIn.Load(),
		MessagesOut:  c.messagesOut.Load(),
		Released:     rel.Total(),
	}
	if readErr != nil {
		entry.Status = "error"
		entry.Error = readErr.Error()
	}
	middleware.LogAccess(ctx, entry)
}

// readPump reads frames until the socket fails or closes. It returns nil for
// a normal close.
func (g *Gateway) readPump(ctx context.Context, c *connection, maxMessageSize int64, readTimeout time.Duration) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		msgType, frame, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil // closed by us
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return err
			}
			return nil
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		if msgType != websocket.TextMessage {
			continue
		}
		c.messagesIn.Add(1)
		g.dispatch(ctx, c, frame)
	}
}

// writePump owns all writes to the socket
func (g *Gateway) writePump(c *connection, writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer func() {
		c.close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.closed:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.L.Debug("websocket write failed",
					zap.String("connection_id", c.id),
					zap.Error(err),
				)
				return
			}
			c.messagesOut.Add(1)
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

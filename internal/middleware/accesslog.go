package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/SkynetNext/push-gateway/internal/logger"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// AccessLogEntry records one WebSocket connection from accept to teardown
type AccessLogEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	TraceID      string    `json:"trace_id,omitempty"`
	SpanID       string    `json:"span_id,omitempty"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectionID string    `json:"connection_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Status       string    `json:"status"` // closed, error, rejected
	MessagesIn   int64     `json:"messages_in,omitempty"`
	MessagesOut  int64     `json:"messages_out,omitempty"`
	Released     int       `json:"released,omitempty"` // session resources reclaimed on teardown
	Error        string    `json:"error,omitempty"`
}

// fields renders the entry as zap fields, skipping empty values
func (e *AccessLogEntry) fields() []zap.Field {
	fields := []zap.Field{
		zap.String("remote_addr", e.RemoteAddr),
		zap.Int64("duration_ms", e.DurationMs),
		zap.String("status", e.Status),
	}

	if e.TraceID != "" {
		fields = append(fields, zap.String("trace_id", e.TraceID))
	}
	if e.SpanID != "" {
		fields = append(fields, zap.String("span_id", e.SpanID))
	}
	if e.ConnectionID != "" {
		fields = append(fields, zap.String("connection_id", e.ConnectionID))
	}
	if e.UserID != "" {
		fields = append(fields, zap.String("user_id", e.UserID))
	}
	if e.MessagesIn > 0 {
		fields = append(fields, zap.Int64("messages_in", e.MessagesIn))
	}
	if e.MessagesOut > 0 {
		fields = append(fields, zap.Int64("messages_out", e.MessagesOut))
	}
	if e.Released > 0 {
		fields = append(fields, zap.Int("released", e.Released))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	return fields
}

// batcher writes access log entries in batches from a single goroutine.
// Entries are dropped, not queued, when the buffer is full.
type batcher struct {
	entries  chan *AccessLogEntry
	size     int
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

var (
	accessLog     *batcher
	accessLogOnce sync.Once
)

// InitAccessLogger starts the process-wide batcher. A batch is written once it
// holds batchSize entries or flushInterval has passed.
func InitAccessLogger(batchSize int, flushInterval time.Duration) {
	accessLogOnce.Do(func() {
		b := &batcher{
			entries:  make(chan *AccessLogEntry, batchSize*2),
			size:     batchSize,
			interval: flushInterval,
			stop:     make(chan struct{}),
			done:     make(chan struct{}),
		}
		go b.run()
		accessLog = b
	})
}

// LogAccess stamps entry with the time and the trace of ctx and records it.
// It never blocks the caller.
func LogAccess(ctx context.Context, entry *AccessLogEntry) {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		entry.TraceID = sc.TraceID().String()
		entry.SpanID = sc.SpanID().String()
	}
	entry.Timestamp = time.Now()

	if accessLog == nil {
		write(entry)
		return
	}
	select {
	case accessLog.entries <- entry:
	default:
		logger.L.Warn("access log buffer full, dropping entry",
			zap.String("remote_addr", entry.RemoteAddr),
		)
	}
}

func write(entry *AccessLogEntry) {
	logger.L.Info("access_log", entry.fields()...)
}

func (b *batcher) run() {
	defer close(b.done)

	batch := make([]*AccessLogEntry, 0, b.size)
	flush := func() {
		for _, e := range batch {
			write(e)
		}
		batch = batch[:0]
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case e := <-b.entries:
			batch = append(batch, e)
			if len(batch) >= b.size {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-b.stop:
			for {
				select {
				case e := <-b.entries:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// ShutdownAccessLogger writes everything still pending and stops the batcher.
// Safe to call more than once.
func ShutdownAccessLogger() {
	b := accessLog
	if b == nil {
		return
	}
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

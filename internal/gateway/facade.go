package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/SkynetNext/push-gateway/internal/broadcast"
	"github.com/SkynetNext/push-gateway/internal/diagnostics"
	"github.com/SkynetNext/push-gateway/internal/history"
	"github.com/SkynetNext/push-gateway/internal/logger"
	"github.com/SkynetNext/push-gateway/internal/metrics"
	"github.com/SkynetNext/push-gateway/internal/protocol"
	"github.com/SkynetNext/push-gateway/internal/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrReclaimUnsupported is returned by ForceReclaim when manual reclamation is disabled
	ErrReclaimUnsupported = errors.New("memory reclamation unsupported")

	// ErrInvalidArgument is returned for out-of-range command arguments
	ErrInvalidArgument = errors.New("invalid argument")
)

const (
	maxUpdateItems     = 20
	defaultUpdateItems = 5
	defaultHistory     = 50
	maxEventNameLen    = 64
	maxBroadcastLen    = 4096
)

var defaultTopics = []string{"status"}

// Connect registers a session for a new connection, makes it a broadcast
// target and schedules its welcome message. An empty userID is synthesized.
func (g *Gateway) Connect(connectionID, userID string, d session.Deliverer) (*session.Session, error) {
	if userID == "" {
		userID = "anon-" + uuid.NewString()[:8]
	}

	s, err := g.registry.Register(connectionID, userID, d)
	if err != nil {
		return nil, err
	}
	if err := g.attach(s, userID); err != nil {
		_, _ = g.registry.Destroy(connectionID)
		return nil, err
	}

	g.record(userID, "user connected")
	return s, nil
}

// attach gives a fresh session its broadcast registration and welcome timer
func (g *Gateway) attach(s *session.Session, userID string) error {
	if _, err := s.AddBroadcast(g.broadcasts, func(_ context.Context, payload []byte) error {
		return s.Deliver(protocol.EventBroadcast, json.RawMessage(payload))
	}); err != nil {
		return err
	}

	welcome := g.GetConfig().Session.WelcomeDelay
	if _, err := s.After("welcome", welcome, func() {
		_ = s.Deliver(protocol.EventWelcome, protocol.Welcome{
			UserID:    userID,
			Message:   "connected to push gateway",
			Timestamp: time.Now(),
		})
	}); err != nil {
		return err
	}

	if err := s.Deliver(protocol.EventConnected, protocol.Connected{
		ConnectionID: s.ConnectionID(),
		UserID:       userID,
	}); err != nil {
		logger.L.Warn("failed to deliver connected event",
			zap.String("connection_id", s.ConnectionID()),
			zap.Error(err),
		)
	}
	return nil
}

// Disconnect destroys the session of a closed connection. It is the only
// path through which a connection's session ends.
func (g *Gateway) Disconnect(connectionID string) (session.Released, error) {
	s, err := g.registry.Lookup(connectionID)
	if err != nil {
		return session.Released{}, err
	}
	userID := s.UserID()

	rel, err := g.registry.Destroy(connectionID)
	if err != nil {
		return session.Released{}, err
	}
	g.record(userID, "user disconnected")
	return rel, nil
}

// SubscribeUpdates starts periodic user_updates deliveries on the connection.
// The timer belongs to the session and stops when it is destroyed.
func (g *Gateway) SubscribeUpdates(connectionID, userID string, prefs protocol.Preferences) (protocol.Ack, error) {
	s, err := g.registry.Lookup(connectionID)
	if err != nil {
		return protocol.Ack{}, err
	}
	if userID == "" {
		userID = s.UserID()
	}

	interval := g.updateInterval(prefs.IntervalMs)
	topics := prefs.Topics
	if len(topics) == 0 {
		topics = defaultTopics
	}
	topics = append([]string(nil), topics...)
	maxItems := prefs.MaxItems
	if maxItems <= 0 {
		maxItems = defaultUpdateItems
	}
	if maxItems > maxUpdateItems {
		maxItems = maxUpdateItems
	}

	var seq uint64
	h, err := s.Every(protocol.EventUserUpdates, interval, func(now time.Time) {
		seq++
		_ = s.Deliver(protocol.EventUserUpdates, buildUpdates(userID, topics, maxItems, seq, now))
	})
	if err != nil {
		return protocol.Ack{}, err
	}

	return protocol.Ack{
		Command:  protocol.CmdSubscribeUpdates,
		HandleID: h.ID(),
		Interval: interval.Milliseconds(),
	}, nil
}

// updateInterval clamps a requested interval to the configured lower bound
func (g *Gateway) updateInterval(intervalMs int) time.Duration {
	cfg := g.GetConfig()
	if intervalMs <= 0 {
		return cfg.Session.UpdateInterval
	}
	interval := time.Duration(intervalMs) * time.Millisecond
	if interval < cfg.Session.MinUpdateInterval {
		return cfg.Session.MinUpdateInterval
	}
	return interval
}

// buildUpdates builds a payload from copied scalars only
func buildUpdates(userID string, topics []string, maxItems int, seq uint64, now time.Time) protocol.UserUpdates {
	n := len(topics)
	if n > maxItems {
		n = maxItems
	}
	updates := make([]protocol.Update, 0, n)
	for _, topic := range topics[:n] {
		updates = append(updates, protocol.Update{
			Type:      topic,
			Message:   fmt.Sprintf("%s update #%d for %s", topic, seq, userID),
			Timestamp: now,
		})
	}
	return protocol.UserUpdates{UserID: userID, Updates: updates}
}

// SubscribeEvent forwards every bus event named name to the connection
func (g *Gateway) SubscribeEvent(ctx context.Context, connectionID, name string) (protocol.Ack, error) {
	if name == "" || len(name) > maxEventNameLen {
		return protocol.Ack{}, fmt.Errorf("%w: event name must be 1-%d bytes", ErrInvalidArgument, maxEventNameLen)
	}
	s, err := g.registry.Lookup(connectionID)
	if err != nil {
		return protocol.Ack{}, err
	}

	h, err := s.Subscribe(ctx, g.bus, name, func(payload []byte) {
		_ = s.Deliver(protocol.EventEvent, protocol.Event{
			Name:    name,
			Payload: eventPayload(payload),
		})
	})
	if err != nil {
		return protocol.Ack{}, err
	}
	return protocol.Ack{Command: protocol.CmdSubscribeEvent, HandleID: h.ID()}, nil
}

// eventPayload copies a bus payload, quoting it when it is not JSON
func eventPayload(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return append(json.RawMessage(nil), payload...)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

// RunComputation performs iterations independent units of work, delivering a
// computation_result after each. Every unit uses a window of the session's
// working buffer as scratch and clears it before the next unit starts.
func (g *Gateway) RunComputation(ctx context.Context, connectionID string, iterations int) (int, error) {
	cfg := g.GetConfig()
	if iterations > cfg.Computation.MaxIterations {
		return 0, fmt.Errorf("%w: iterations must be at most %d", ErrInvalidArgument, cfg.Computation.MaxIterations)
	}
	s, err := g.registry.Lookup(connectionID)
	if err != nil {
		return 0, err
	}

	processed := 0
	err = s.WithBuffer(func(buf []byte) error {
		size := cfg.Computation.ScratchSize
		if size > len(buf) {
			size = len(buf)
		}

		var last time.Time
		for i := 0; i < iterations; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			scratch := buf[:size]
			checksum := computeUnit(scratch, i)
			clear(scratch)

			ts := time.Now().Round(0)
			if !ts.After(last) {
				ts = last.Add(time.Nanosecond)
			}
			last = ts

			err := s.DeliverWait(ctx, protocol.EventComputationResult, protocol.ComputationResult{
				Iteration: i,
				Size:      size,
				Checksum:  checksum,
				Timestamp: ts,
			})
			processed++
			if errors.Is(err, session.ErrSessionNotFound) {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				logger.L.Debug("computation result dropped",
					zap.String("connection_id", connectionID),
					zap.Int("iteration", i),
					zap.Error(err),
				)
			}
		}
		return nil
	})
	metrics.ComputationIterations.Add(float64(processed))
	if err != nil {
		return processed, err
	}

	g.record(s.UserID(), fmt.Sprintf("computation of %d iterations completed", processed))
	return processed, nil
}

// computeUnit fills scratch with a pattern derived from seed and checksums it
func computeUnit(scratch []byte, seed int) uint32 {
	x := uint32(seed)*2654435761 + 1
	for i := range scratch {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		scratch[i] = byte(x)
	}
	return crc32.ChecksumIEEE(scratch)
}

// Stats returns a read-only snapshot of the gateway
func (g *Gateway) Stats() protocol.MemoryStats {
	res := g.registry.Resources()
	return protocol.MemoryStats{
		Memory:         diagnostics.Snapshot(),
		SessionCount:   g.registry.Count(),
		HistoryLength:  g.history.Len(),
		BroadcastCount: g.broadcasts.Count(),
		PeriodicTimers: res.PeriodicTimers,
		OneShotTimers:  res.OneShotTimers,
		Subscriptions:  res.Subscriptions,
	}
}

// ForceReclaim runs a garbage collection when diagnostics.allow_force_gc is
// set. Otherwise the result carries the error and ErrReclaimUnsupported is returned.
func (g *Gateway) ForceReclaim() (protocol.GCResult, error) {
	if !g.GetConfig().Diagnostics.AllowForceGC {
		return protocol.GCResult{Error: ErrReclaimUnsupported.Error()}, ErrReclaimUnsupported
	}

	before, after := diagnostics.Reclaim()
	freed := diagnostics.Freed(before, after)
	logger.L.Info("forced memory reclamation",
		zap.Uint64("heap_before", before.HeapAlloc),
		zap.Uint64("heap_after", after.HeapAlloc),
		zap.Uint64("freed", freed),
	)
	return protocol.GCResult{Before: &before, After: &after, Freed: freed}, nil
}

// Broadcast sends message from the connection's user to every broadcast target
func (g *Gateway) Broadcast(ctx context.Context, connectionID, message string) (broadcast.Result, error) {
	if message == "" || len(message) > maxBroadcastLen {
		return broadcast.Result{}, fmt.Errorf("%w: message must be 1-%d bytes", ErrInvalidArgument, maxBroadcastLen)
	}
	s, err := g.registry.Lookup(connectionID)
	if err != nil {
		return broadcast.Result{}, err
	}

	payload, err := json.Marshal(protocol.BroadcastMessage{
		From:      s.UserID(),
		Message:   message,
		Timestamp: time.Now(),
	})
	if err != nil {
		return broadcast.Result{}, err
	}

	result := g.broadcasts.Broadcast(ctx, payload)
	g.record(s.UserID(), "broadcast: "+message)
	return result, nil
}

// History returns up to limit of the most recent log entries, oldest first
func (g *Gateway) History(limit int) []history.Entry {
	if limit <= 0 {
		limit = defaultHistory
	}
	return g.history.Last(limit)
}

// record appends to the event log
func (g *Gateway) record(userID, message string) {
	if evicted := g.history.Append(history.Entry{
		Timestamp: time.Now(),
		Message:   message,
		UserID:    userID,
	}); evicted > 0 {
		metrics.HistoryEvicted.Add(float64(evicted))
	}
	metrics.HistoryLength.Set(float64(g.history.Len()))
}

package session

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/SkynetNext/push-gateway/internal/broadcast"
	"github.com/SkynetNext/push-gateway/internal/buffer"
	"github.com/SkynetNext/push-gateway/internal/logger"
	"github.com/SkynetNext/push-gateway/internal/metrics"
	"go.uber.org/zap"
)

const shardCount = 16

// Released counts what a Destroy reclaimed
type Released struct {
	PeriodicTimers int `json:"periodicTimers"`
	OneShotTimers  int `json:"oneShotTimers"`
	Subscriptions  int `json:"subscriptions"`
	Broadcasts     int `json:"broadcasts"`
	BufferBytes    int `json:"bufferBytes"`
}

// Total returns the number of released handles and registrations
func (r Released) Total() int {
	return r.PeriodicTimers + r.OneShotTimers + r.Subscriptions + r.Broadcasts
}

// Options configures a Registry
type Options struct {
	// BufferPool supplies working buffers. Required.
	BufferPool *buffer.Pool

	// Broadcasts is cleaned of a session's registrations on Destroy. Optional.
	Broadcasts *broadcast.Directory

	Limits Limits
}

// Registry is the sole authority for creating and destroying sessions.
// Sessions are kept in sharded maps to reduce lock contention.
type Registry struct {
	shards     [shardCount]*registryShard
	pool       *buffer.Pool
	broadcasts *broadcast.Directory
	limits     Limits
}

type registryShard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// entry is a registered session; destroying is set while teardown runs
type entry struct {
	session    *Session
	destroying bool
}

// NewRegistry creates a new session registry
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		pool:       opts.BufferPool,
		broadcasts: opts.Broadcasts,
		limits:     opts.Limits,
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{
			entries: make(map[string]*entry),
		}
	}
	return r
}

func (r *Registry) getShard(connectionID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connectionID))
	return r.shards[h.Sum32()%shardCount]
}

// Register creates a session for connectionID. It never replaces an existing
// session: a present id fails with ErrDuplicateConnection.
func (r *Registry) Register(connectionID, userID string, deliverer Deliverer) (*Session, error) {
	shard := r.getShard(connectionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, ok := shard.entries[connectionID]; ok {
		return nil, ErrDuplicateConnection
	}

	s := &Session{
		connectionID:  connectionID,
		userID:        userID,
		createdAt:     time.Now(),
		log:           logger.ForConnection(connectionID, userID),
		limits:        r.limits,
		deliverer:     deliverer,
		buffer:        r.pool.Get(),
		timers:        make(map[uint64]*Handle),
		subscriptions: make(map[uint64]*Handle),
	}
	s.done, s.cancel = context.WithCancel(context.Background())
	shard.entries[connectionID] = &entry{session: s}

	metrics.ActiveSessions.Inc()
	metrics.ResourceAcquired(metrics.KindBuffer)
	return s, nil
}

// Lookup returns the live session of connectionID
func (r *Registry) Lookup(connectionID string) (*Session, error) {
	shard := r.getShard(connectionID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	e, ok := shard.entries[connectionID]
	if !ok || e.destroying {
		return nil, ErrSessionNotFound
	}
	return e.session, nil
}

// Destroy ends the life of a session: every owned timer and subscription is
// cancelled, its broadcast registrations are removed, the working buffer is
// released and the entry is deleted. Only the first call for a registration
// does this; later or concurrent calls return ErrSessionNotFound.
func (r *Registry) Destroy(connectionID string) (Released, error) {
	shard := r.getShard(connectionID)
	shard.mu.Lock()
	e, ok := shard.entries[connectionID]
	if !ok || e.destroying {
		shard.mu.Unlock()
		return Released{}, ErrSessionNotFound
	}
	e.destroying = true
	shard.mu.Unlock()

	// Teardown runs outside the shard lock: joining a timer goroutine must not
	// stall unrelated sessions in the same shard.
	rel, buf := e.session.release()
	if r.broadcasts != nil {
		rel.Broadcasts = r.broadcasts.RemoveAllFor(connectionID)
	}
	if buf != nil {
		r.pool.Put(buf)
		metrics.ResourceReleased(metrics.KindBuffer, 1)
	}
	if rel.Broadcasts > 0 {
		metrics.ResourcesReleased.WithLabelValues(metrics.KindBroadcast).Add(float64(rel.Broadcasts))
	}

	shard.mu.Lock()
	delete(shard.entries, connectionID)
	shard.mu.Unlock()
	metrics.ActiveSessions.Dec()

	e.session.log.Info("session destroyed",
		zap.Int("released_total", rel.Total()),
		zap.Int("periodic_timers", rel.PeriodicTimers),
		zap.Int("one_shot_timers", rel.OneShotTimers),
		zap.Int("subscriptions", rel.Subscriptions),
		zap.Int("broadcasts", rel.Broadcasts),
		zap.Int("buffer_bytes", rel.BufferBytes),
		zap.Duration("lifetime", time.Since(e.session.createdAt)),
	)
	return rel, nil
}

// Alive reports whether connectionID has a live session
func (r *Registry) Alive(connectionID string) bool {
	_, err := r.Lookup(connectionID)
	return err == nil
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	total := 0
	for _, shard := range r.shards {
		shard.mu.RLock()
		for _, e := range shard.entries {
			if !e.destroying {
				total++
			}
		}
		shard.mu.RUnlock()
	}
	return total
}

// Range calls fn for every live session until fn returns false.
// fn runs outside the registry locks.
func (r *Registry) Range(fn func(s *Session) bool) {
	for _, s := range r.snapshot() {
		if !fn(s) {
			return
		}
	}
}

// Resources sums the live handles of every session
func (r *Registry) Resources() Resources {
	var total Resources
	r.Range(func(s *Session) bool {
		res := s.Resources()
		total.PeriodicTimers += res.PeriodicTimers
		total.OneShotTimers += res.OneShotTimers
		total.Subscriptions += res.Subscriptions
		return true
	})
	return total
}

// CloseAll destroys every live session and returns the summed release counts
func (r *Registry) CloseAll() Released {
	var total Released
	for _, s := range r.snapshot() {
		rel, err := r.Destroy(s.connectionID)
		if err != nil {
			continue
		}
		total.PeriodicTimers += rel.PeriodicTimers
		total.OneShotTimers += rel.OneShotTimers
		total.Subscriptions += rel.Subscriptions
		total.Broadcasts += rel.Broadcasts
		total.BufferBytes += rel.BufferBytes
	}
	return total
}

func (r *Registry) snapshot() []*Session {
	sessions := make([]*Session, 0)
	for _, shard := range r.shards {
		shard.mu.RLock()
		for _, e := range shard.entries {
			if !e.destroying {
				sessions = append(sessions, e.session)
			}
		}
		shard.mu.RUnlock()
	}
	return sessions
}

// Package broadcast holds cross-connection fan-out targets, each tied to the
// lifetime of the connection that registered it.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/push-gateway/internal/logger"
	"github.com/SkynetNext/push-gateway/internal/metrics"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrDeliveryTimeout is returned when a target does not accept a payload in time
var ErrDeliveryTimeout = errors.New("broadcast delivery timed out")

// DeliverFunc sends a payload to one connection
type DeliverFunc func(ctx context.Context, payload []byte) error

// Token identifies a single registration
type Token string

// Registration is a recorded broadcast target
type Registration struct {
	Token             Token
	OwnerConnectionID string
	Deliver           DeliverFunc
	CreatedAt         time.Time
}

// Result summarizes a broadcast pass
type Result struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Directory is a concurrent collection of broadcast registrations
type Directory struct {
	targets     cmap.ConcurrentMap[string, *Registration]
	timeout     atomic.Int64 // time.Duration
	maxParallel int
}

// NewDirectory creates a directory. timeout bounds every single delivery and
// maxParallel bounds deliveries in flight during one pass.
func NewDirectory(timeout time.Duration, maxParallel int) *Directory {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if maxParallel <= 0 {
		maxParallel = 64
	}
	d := &Directory{
		targets:     cmap.New[*Registration](),
		maxParallel: maxParallel,
	}
	d.timeout.Store(int64(timeout))
	return d
}

// Add records a broadcast target owned by connectionID
func (d *Directory) Add(connectionID string, deliver DeliverFunc) Token {
	token := Token(uuid.NewString())
	d.targets.Set(string(token), &Registration{
		Token:             token,
		OwnerConnectionID: connectionID,
		Deliver:           deliver,
		CreatedAt:         time.Now(),
	})
	metrics.BroadcastRegistrations.Inc()
	return token
}

// Remove drops a single registration. It reports whether it was present.
func (d *Directory) Remove(token Token) bool {
	removed := d.targets.RemoveCb(string(token), func(_ string, _ *Registration, exists bool) bool {
		return exists
	})
	if removed {
		metrics.BroadcastRegistrations.Dec()
	}
	return removed
}

// RemoveAllFor drops every registration owned by connectionID and returns how many were removed
func (d *Directory) RemoveAllFor(connectionID string) int {
	removed := 0
	for token, reg := range d.targets.Items() {
		if reg.OwnerConnectionID != connectionID {
			continue
		}
		if d.Remove(Token(token)) {
			removed++
		}
	}
	return removed
}

// Prune drops registrations whose owner is no longer alive
func (d *Directory) Prune(alive func(connectionID string) bool) int {
	pruned := 0
	for token, reg := range d.targets.Items() {
		if alive(reg.OwnerConnectionID) {
			continue
		}
		if d.Remove(Token(token)) {
			pruned++
		}
	}
	return pruned
}

// Count returns the number of registrations
func (d *Directory) Count() int {
	return d.targets.Count()
}

// CountFor returns the number of registrations owned by connectionID
func (d *Directory) CountFor(connectionID string) int {
	n := 0
	d.targets.IterCb(func(_ string, reg *Registration) {
		if reg.OwnerConnectionID == connectionID {
			n++
		}
	})
	return n
}

// SetTimeout changes the per-target delivery timeout for subsequent passes
func (d *Directory) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.timeout.Store(int64(timeout))
	}
}

// Broadcast delivers payload to every current target. Each delivery runs
// under its own timeout; a failing target is removed and does not abort the pass.
func (d *Directory) Broadcast(ctx context.Context, payload []byte) Result {
	targets := d.targets.Items()
	timeout := time.Duration(d.timeout.Load())

	var delivered, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(d.maxParallel)

	for _, reg := range targets {
		reg := reg
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if err := deliver(dctx, reg.Deliver, payload); err != nil {
				failed.Add(1)
				metrics.BroadcastDeliveries.WithLabelValues("failed").Inc()
				if d.Remove(reg.Token) {
					logger.L.Debug("broadcast target removed after failed delivery",
						zap.String("connection_id", reg.OwnerConnectionID),
						zap.Error(err),
					)
				}
				return nil
			}
			delivered.Add(1)
			metrics.BroadcastDeliveries.WithLabelValues("delivered").Inc()
			return nil
		})
	}
	_ = g.Wait()

	return Result{
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
	}
}

// deliver runs fn without letting an unresponsive or panicking target stall the caller
func deliver(ctx context.Context, fn DeliverFunc, payload []byte) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("broadcast target panicked: %v", r)
			}
		}()
		done <- fn(ctx, payload)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ErrDeliveryTimeout
	}
}

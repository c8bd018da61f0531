package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/push-gateway/internal/metrics"
)

// Kind identifies what a Handle controls
type Kind int

const (
	KindPeriodicTimer Kind = iota
	KindOneShotTimer
	KindSubscription
)

// String returns the metrics label of the kind
func (k Kind) String() string {
	switch k {
	case KindPeriodicTimer:
		return metrics.KindPeriodicTimer
	case KindOneShotTimer:
		return metrics.KindOneShotTimer
	case KindSubscription:
		return metrics.KindSubscription
	default:
		return "unknown"
	}
}

var handleSeq atomic.Uint64

// Handle is a cancellable token for a timer or subscription owned by one session
type Handle struct {
	id        uint64
	kind      Kind
	name      string
	createdAt time.Time

	once   sync.Once
	cancel func()
}

func newHandle(kind Kind, name string, cancel func()) *Handle {
	return &Handle{
		id:        handleSeq.Add(1),
		kind:      kind,
		name:      name,
		createdAt: time.Now(),
		cancel:    cancel,
	}
}

// ID returns the process-unique handle id
func (h *Handle) ID() uint64 { return h.id }

// cancelOnce stops the underlying effect. Only the first call runs the
// cancel function; it reports whether this call did.
func (h *Handle) cancelOnce() bool {
	ran := false
	h.once.Do(func() {
		ran = true
		if h.cancel != nil {
			h.cancel()
		}
	})
	return ran
}

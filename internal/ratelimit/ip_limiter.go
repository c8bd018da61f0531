package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Rejection reasons reported by IPLimiter.Allow, used as metric labels
const (
	ReasonIPLimit = "ip_limit"
	ReasonIPRate  = "ip_rate"
)

const (
	rateWindow = time.Second
	sweepEvery = 5 * time.Minute
)

// IPLimiter bounds open connections and new connections per second for every client IP
type IPLimiter struct {
	mu            sync.Mutex
	maxConnsPerIP int
	rateLimit     int
	clients       map[string]*ipState
	lastSweep     time.Time
}

// ipState tracks one client IP
type ipState struct {
	open   int64
	recent []time.Time // accept times inside the rate window, oldest first
}

// NewIPLimiter creates a limiter allowing maxConnsPerIP open connections and
// rateLimit new connections per second for every client IP
func NewIPLimiter(maxConnsPerIP, rateLimit int) *IPLimiter {
	return &IPLimiter{
		maxConnsPerIP: maxConnsPerIP,
		rateLimit:     rateLimit,
		clients:       make(map[string]*ipState),
		lastSweep:     time.Now(),
	}
}

// Allow admits a connection from ip. When it is refused, reason says which
// limit was hit. An admitted connection must be given back with Release.
func (l *IPLimiter) Allow(ip string) (ok bool, reason string) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > sweepEvery {
		l.sweep(now)
		l.lastSweep = now
	}

	st := l.clients[ip]
	if st == nil {
		st = &ipState{}
		l.clients[ip] = st
	}
	st.trim(now)

	if st.open >= int64(l.maxConnsPerIP) {
		return false, ReasonIPLimit
	}
	if len(st.recent) >= l.rateLimit {
		return false, ReasonIPRate
	}

	st.recent = append(st.recent, now)
	st.open++
	return true, ""
}

// Release gives back a connection slot of ip
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.clients[ip]; ok && st.open > 0 {
		st.open--
	}
}

// SetLimits changes both limits; open connections and rate windows are kept
func (l *IPLimiter) SetLimits(maxConnsPerIP, rateLimit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxConnsPerIP = maxConnsPerIP
	l.rateLimit = rateLimit
}

// Stats returns the open connections and recent accepts of ip
func (l *IPLimiter) Stats(ip string) (open int64, recent int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.clients[ip]
	if !ok {
		return 0, 0
	}
	st.trim(time.Now())
	return st.open, len(st.recent)
}

// Tracked returns the number of IPs the limiter holds state for
func (l *IPLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// sweep drops IPs with no open connections and an empty rate window
func (l *IPLimiter) sweep(now time.Time) {
	for ip, st := range l.clients {
		st.trim(now)
		if st.open == 0 && len(st.recent) == 0 {
			delete(l.clients, ip)
		}
	}
}

// trim drops accept times that fell out of the rate window
func (st *ipState) trim(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(st.recent) && !st.recent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.recent = append(st.recent[:0], st.recent[i:]...)
	}
}

// ClientIP returns the client address of an upgrade request, preferring the
// first X-Forwarded-For hop when present
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

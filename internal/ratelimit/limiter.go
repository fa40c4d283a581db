// Package ratelimit implements fixed-window request limits keyed by client.
package ratelimit

import (
	"context"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Store counts hits per key within a window.
type Store interface {
	// Increment records one hit for key and returns the count in the current
	// window and when that window resets. A window starts at the first hit
	// after the previous one expired.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (count int64, resetAt time.Time, err error)
}

// Config is one limit class.
type Config struct {
	Window      time.Duration
	MaxRequests int64
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter applies one Config over a Store.
type Limiter struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// New returns a limiter. A nil now uses time.Now.
func New(store Store, cfg Config, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{store: store, cfg: cfg, now: now}
}

// Allow counts a hit for key under prefix and reports whether it is within the limit.
func (l *Limiter) Allow(ctx context.Context, prefix, key string) (Decision, error) {
	now := l.now()
	count, resetAt, err := l.store.Increment(ctx, prefix+":"+key, l.cfg.Window, now)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		Allowed:   count <= l.cfg.MaxRequests,
		Limit:     l.cfg.MaxRequests,
		Remaining: l.cfg.MaxRequests - count,
		ResetAt:   resetAt,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
	}
	return d, nil
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum one.
func (d Decision) RetryAfterSeconds() int64 {
	s := int64(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// ClientID picks the key a request is limited under: the wallet header, the
// first forwarded address, the real-IP header, then the peer address.
// None of these headers is authenticated, so a client that rotates them gets
// a fresh window each time; the key is advisory, not an identity.
func ClientID(r *http.Request) string {
	if w := strings.TrimSpace(r.Header.Get("x-wallet-address")); w != "" {
		return strings.ToLower(w)
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type bucket struct {
	count   int64
	resetAt time.Time
}

// MemoryStore keeps windows in process memory. Expired windows are swept on
// write once the map grows past sweepAt entries.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	sweepAt int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket), sweepAt: 10000}
}

func (s *MemoryStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buckets) >= s.sweepAt {
		for k, b := range s.buckets {
			if !now.Before(b.resetAt) {
				delete(s.buckets, k)
			}
		}
	}

	b, ok := s.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(window)}
		s.buckets[key] = b
	}
	b.count++
	return b.count, b.resetAt, nil
}

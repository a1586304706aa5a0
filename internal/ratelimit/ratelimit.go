// Package ratelimit provides the per-client admission gate applied before any
// request-specific processing.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the trailing interval a client's requests are counted over.
const Window = 60 * time.Second

// Admitter decides whether a client request may proceed. The policy is kept
// behind an interface so the sliding-window implementation can be swapped
// without touching the server.
type Admitter interface {
	// Allow reports whether the client identified by addr may proceed now,
	// recording the request when admitted.
	Allow(addr string) bool
}

// SlidingWindow admits up to `limit` requests per client address within the
// trailing Window. Buckets are evicted lazily on each check; Sweep drops
// long-idle client keys so the map stays bounded over the process lifetime.
type SlidingWindow struct {
	limit int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// NewSlidingWindow returns a limiter admitting limit requests per Window.
func NewSlidingWindow(limit int) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		now:     time.Now,
		buckets: make(map[string][]time.Time),
	}
}

// SetClock overrides the time source. Tests only.
func (s *SlidingWindow) SetClock(now func() time.Time) {
	s.now = now
}

// Allow implements Admitter.
func (s *SlidingWindow) Allow(addr string) bool {
	now := s.now()
	cutoff := now.Add(-Window)

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.buckets[addr]
	idx := 0
	for idx < len(bucket) && bucket[idx].Before(cutoff) {
		idx++
	}
	bucket = bucket[idx:]
	if len(bucket) >= s.limit {
		s.buckets[addr] = bucket
		return false
	}
	s.buckets[addr] = append(bucket, now)
	return true
}

// Sweep removes clients whose newest request predates the window. It is
// cheap enough to run on a timer from the server loop.
func (s *SlidingWindow) Sweep() {
	cutoff := s.now().Add(-Window)

	s.mu.Lock()
	defer s.mu.Unlock()

	for addr, bucket := range s.buckets {
		if len(bucket) == 0 || bucket[len(bucket)-1].Before(cutoff) {
			delete(s.buckets, addr)
		}
	}
}

// Len returns the number of tracked client keys.
func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

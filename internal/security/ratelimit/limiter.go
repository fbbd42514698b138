package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a per-key token bucket: maxRequests tokens refilled evenly
// over window.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	maxReqs int
	window  time.Duration
	now     func() time.Time
	cleanup *time.Ticker
	done    chan struct{}
	once    sync.Once
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter allows bursts of maxRequests per key, refilled over window.
// A non-positive maxRequests disables limiting.
func NewLimiter(maxRequests int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		maxReqs: maxRequests,
		window:  window,
		now:     time.Now,
		cleanup: time.NewTicker(5 * time.Minute),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.cleanupLoop()
	return l
}

// Allow takes a token for key. When none is available the reservation is
// returned and the duration reports how long until the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l.maxReqs <= 0 || key == "" {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		every := rate.Every(l.window / time.Duration(l.maxReqs))
		b = &bucket{lim: rate.NewLimiter(every, l.maxReqs)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	r := b.lim.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Prune drops buckets idle for longer than the window, which by then are
// full again, and returns how many.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	stale := l.now().Add(-l.window)
	n := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(stale) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

func (l *Limiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanup.C:
			l.Prune()
		case <-l.done:
			return
		}
	}
}

// Stop ends the background cleanup.
func (l *Limiter) Stop() {
	l.once.Do(func() {
		l.cleanup.Stop()
		close(l.done)
	})
}

package chat

import (
	"sync"
	"time"

	"IMProject/global"
)

// RateLimiter bounds event throughput per connection: at most max events per
// window. Exceeding rejects the event only; the connection stays up.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow

	max    int
	window time.Duration
	grace  time.Duration
	clock  func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

type rateWindow struct {
	start time.Time
	count int
	touch time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = global.RateLimitMax
	}
	if window <= 0 {
		window = global.RateLimitWindow
	}
	l := &RateLimiter{
		windows: make(map[string]*rateWindow),
		max:     max,
		window:  window,
		grace:   window,
		clock:   time.Now,
		stopCh:  make(chan struct{}),
	}
	go l.sweeper()
	return l
}

// Allow counts one event against the connection's current window.
func (l *RateLimiter) Allow(connID string) bool {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[connID]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[connID] = &rateWindow{start: now, count: 1, touch: now}
		return true
	}
	w.touch = now
	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

func (l *RateLimiter) Forget(connID string) {
	l.mu.Lock()
	delete(l.windows, connID)
	l.mu.Unlock()
}

func (l *RateLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *RateLimiter) sweeper() {
	t := time.NewTicker(l.window)
	defer t.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-t.C:
			l.sweepOnce(l.clock())
		}
	}
}

// sweepOnce purges windows untouched for window+grace, bounding memory for
// connections that went quiet or away.
func (l *RateLimiter) sweepOnce(now time.Time) {
	cutoff := l.window + l.grace
	l.mu.Lock()
	for id, w := range l.windows {
		if now.Sub(w.touch) > cutoff {
			delete(l.windows, id)
		}
	}
	l.mu.Unlock()
}

package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Ensure SlidingWindowLimiter implements Limiter and io.Closer.
var (
	_ Limiter   = (*SlidingWindowLimiter)(nil)
	_ io.Closer = (*SlidingWindowLimiter)(nil)
)

// defaultBuckets is the number of sub-window buckets; one bucket per second
// for the standard 60-second window.
const defaultBuckets = 60

// SlidingWindowLimiter implements Limiter with a fixed ring of time buckets
// per key. Counting a call and checking the budget happen under one per-key
// mutex, so the decision is atomic with respect to concurrent calls for the
// same key while calls against different keys never contend.
//
// Bucket indices derive from a monotonic elapsed reading, never from wall
// time, so wall-clock jumps cannot corrupt the window arithmetic.
// Starts a background cleanup goroutine; call Close when done.
type SlidingWindowLimiter struct {
	window  time.Duration
	buckets int
	width   time.Duration
	logger  *zap.Logger

	// elapsed returns time since the limiter was created, measured on the
	// monotonic clock. Overridable in tests.
	elapsed func() time.Duration

	windows sync.Map // keyID -> *windowState

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
}

// windowState holds the bucket ring for a single key.
type windowState struct {
	mu       sync.Mutex
	counts   []int
	lastTick int64
	total    int
}

// NewSlidingWindowLimiter creates a limiter over the given trailing window
// using one bucket per second.
func NewSlidingWindowLimiter(window time.Duration, logger *zap.Logger) *SlidingWindowLimiter {
	return NewSlidingWindowLimiterWithBuckets(window, defaultBuckets, logger)
}

// NewSlidingWindowLimiterWithBuckets creates a limiter with a custom bucket
// count. More buckets give a finer-grained window at slightly more memory per
// key.
func NewSlidingWindowLimiterWithBuckets(window time.Duration, buckets int, logger *zap.Logger) *SlidingWindowLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = time.Minute
	}
	if buckets < 1 {
		buckets = defaultBuckets
	}

	start := time.Now()
	l := &SlidingWindowLimiter{
		window:          window,
		buckets:         buckets,
		width:           window / time.Duration(buckets),
		logger:          logger,
		elapsed:         func() time.Duration { return time.Since(start) },
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go l.startCleanupLoop()

	return l
}

// tick returns the current bucket tick on the monotonic clock.
func (l *SlidingWindowLimiter) tick() int64 {
	return int64(l.elapsed() / l.width)
}

// CheckAndConsume implements Limiter.
func (l *SlidingWindowLimiter) CheckAndConsume(ctx context.Context, keyID string, ceiling int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ws := l.getOrCreateWindowState(keyID)
	now := l.tick()

	ws.mu.Lock()
	defer ws.mu.Unlock()

	l.advance(ws, now)

	allowed := ws.total < ceiling
	if allowed {
		ws.counts[now%int64(l.buckets)]++
		ws.total++
	}

	remaining := ceiling - ws.total
	if remaining < 0 {
		remaining = 0
	}

	result := &Result{
		Allowed:   allowed,
		Ceiling:   ceiling,
		Remaining: remaining,
	}
	if !allowed {
		result.RetryAfter = l.retryAfter(ws, now)
	}

	return result, nil
}

// getOrCreateWindowState retrieves or creates the bucket ring for a key.
func (l *SlidingWindowLimiter) getOrCreateWindowState(keyID string) *windowState {
	if value, ok := l.windows.Load(keyID); ok {
		return value.(*windowState)
	}
	value, _ := l.windows.LoadOrStore(keyID, &windowState{
		counts: make([]int, l.buckets),
	})
	return value.(*windowState)
}

// advance moves the ring forward to the given tick, evicting buckets that
// have fallen out of the window. Caller holds ws.mu.
func (l *SlidingWindowLimiter) advance(ws *windowState, now int64) {
	if now <= ws.lastTick {
		return
	}

	if now-ws.lastTick >= int64(l.buckets) {
		for i := range ws.counts {
			ws.counts[i] = 0
		}
		ws.total = 0
	} else {
		for t := ws.lastTick + 1; t <= now; t++ {
			idx := t % int64(l.buckets)
			ws.total -= ws.counts[idx]
			ws.counts[idx] = 0
		}
	}

	ws.lastTick = now
}

// retryAfter estimates how long until the oldest occupied bucket leaves the
// window. Caller holds ws.mu.
func (l *SlidingWindowLimiter) retryAfter(ws *windowState, now int64) time.Duration {
	oldest := now - int64(l.buckets) + 1
	if oldest < 0 {
		oldest = 0
	}
	for t := oldest; t <= now; t++ {
		if ws.counts[t%int64(l.buckets)] > 0 {
			return time.Duration(t+int64(l.buckets)-now) * l.width
		}
	}
	return l.width
}

// Reset implements Limiter.
func (l *SlidingWindowLimiter) Reset(_ context.Context, keyID string) error {
	l.windows.Delete(keyID)
	return nil
}

// Cleanup removes bucket rings that hold no calls inside the window anymore.
func (l *SlidingWindowLimiter) Cleanup() {
	now := l.tick()

	l.windows.Range(func(key, value interface{}) bool {
		ws := value.(*windowState)
		ws.mu.Lock()
		l.advance(ws, now)
		empty := ws.total == 0
		ws.mu.Unlock()

		if empty {
			l.windows.Delete(key)
		}
		return true
	})
}

// startCleanupLoop runs the periodic cleanup of idle key states.
func (l *SlidingWindowLimiter) startCleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// Close implements io.Closer. Stops the background cleanup goroutine; safe to
// call multiple times.
func (l *SlidingWindowLimiter) Close() error {
	l.cleanupOnce.Do(func() {
		close(l.stopCleanup)
	})
	return nil
}

package mcphost

import (
	"slices"
	"sync"
	"time"
)

// rollingWindow keeps the last N execution latencies of one tool in a ring
// buffer, together with whether each call failed. All methods are safe for
// concurrent use.
type rollingWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	failed  []bool
	pos     int // next write position
	count   int // total calls recorded; may exceed the window size
}

// newRollingWindow creates a window holding size samples. A size of 0 or
// less defaults to 100.
func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = 100
	}
	return &rollingWindow{
		samples: make([]time.Duration, size),
		failed:  make([]bool, size),
	}
}

// Record adds one call, overwriting the oldest once the buffer is full.
func (w *rollingWindow) Record(d time.Duration, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.pos] = d
	w.failed[w.pos] = failed
	w.pos = (w.pos + 1) % len(w.samples)
	w.count++
}

// filled returns the number of valid slots.
func (w *rollingWindow) filled() int {
	return min(w.count, len(w.samples))
}

// Percentile returns the latency at quantile q (0..1) over the window, or 0
// when nothing has been recorded.
func (w *rollingWindow) Percentile(q float64) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.filled()
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(w.samples[:n])
	slices.Sort(sorted)
	idx := int(float64(n-1) * q)
	return sorted[idx]
}

// ErrorRate returns the fraction of failed calls in the window.
func (w *rollingWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.filled()
	if n == 0 {
		return 0
	}
	failed := 0
	for _, f := range w.failed[:n] {
		if f {
			failed++
		}
	}
	return float64(failed) / float64(n)
}

// Count returns the total number of calls recorded.
func (w *rollingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

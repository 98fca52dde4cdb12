package metrics

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const window = 60

// RateMeter averages a byte count over the last minute in one-second
// buckets.
type RateMeter struct {
	clock clock.Clock

	mu       sync.Mutex
	buckets  [window]int64
	last     int
	lastTime time.Time
	total    int64
}

// NewRateMeter returns an empty meter.
func NewRateMeter(clk clock.Clock) *RateMeter {
	return &RateMeter{clock: clk, lastTime: clk.Now()}
}

// Add records n bytes now.
func (r *RateMeter) Add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	r.buckets[r.last] += n
	r.total += n
}

// advance rotates stale buckets out. Callers hold r.mu.
func (r *RateMeter) advance() {
	now := r.clock.Now()
	elapsed := int(now.Sub(r.lastTime) / time.Second)
	if elapsed <= 0 {
		return
	}
	if elapsed >= window {
		r.buckets = [window]int64{}
	} else {
		for i := 0; i < elapsed; i++ {
			r.last = (r.last + 1) % window
			r.buckets[r.last] = 0
		}
	}
	r.lastTime = r.lastTime.Add(time.Duration(elapsed) * time.Second)
}

// Rate returns bytes per second over the window.
func (r *RateMeter) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	var sum int64
	for _, v := range r.buckets {
		sum += v
	}
	return float64(sum) / window
}

// Total returns every byte ever added.
func (r *RateMeter) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

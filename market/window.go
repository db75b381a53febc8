package market

import (
	"sync"

	"gridbot/exchange"
)

// ring is a capacity-bounded kline buffer for one contract.
// Oldest bars are evicted once the capacity is reached.
type ring struct {
	mu  sync.RWMutex
	buf []exchange.Kline
	cap int
}

func newRing(capacity int) *ring {
	return &ring{cap: capacity}
}

func (r *ring) append(k exchange.Kline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, k)
	if len(r.buf) > r.cap {
		// trim in one shift instead of per-append reslicing
		overflow := len(r.buf) - r.cap
		r.buf = append(r.buf[:0], r.buf[overflow:]...)
	}
}

func (r *ring) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}

// tail returns a copy of the newest n bars, oldest first.
// Fewer than n bars returns nil.
func (r *ring) tail(n int) []exchange.Kline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.buf) < n {
		return nil
	}
	out := make([]exchange.Kline, n)
	copy(out, r.buf[len(r.buf)-n:])
	return out
}

package exchange

import (
	"context"
	"sync"
	"time"
)

// Governor gates all exchange calls through a shared slot replenished at
// a fixed interval. The default 1.3s interval keeps two callers inside
// edgeX's 2-requests-per-2s budget with headroom for clock skew.
type Governor struct {
	slots       chan struct{}
	waitTimeout time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewGovernor starts a governor replenishing one call slot per interval.
// waitTimeout bounds how long Acquire blocks before giving up.
func NewGovernor(interval, waitTimeout time.Duration) *Governor {
	g := &Governor{
		slots:       make(chan struct{}, 1),
		waitTimeout: waitTimeout,
		stopCh:      make(chan struct{}),
	}
	g.slots <- struct{}{}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case g.slots <- struct{}{}:
				default:
				}
			case <-g.stopCh:
				return
			}
		}
	}()

	return g
}

// Acquire blocks until a call slot is free, the context is cancelled, or
// the wait timeout passes. Timeout returns ErrRateLimit and the caller
// must not dispatch the call.
func (g *Governor) Acquire(ctx context.Context) error {
	timer := time.NewTimer(g.waitTimeout)
	defer timer.Stop()

	select {
	case <-g.slots:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrRateLimit
	}
}

// Stop halts the replenisher goroutine. Safe to call more than once;
// the engine and its owner may both stop the shared governor.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

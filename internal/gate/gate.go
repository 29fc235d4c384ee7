// Package gate provides the counting admission gate that bounds how many
// transcription jobs run at once.
package gate

import (
	"context"
	"sync"
)

// DefaultLimit is used when the configured concurrency limit is not positive.
const DefaultLimit = 2

// Gate admits at most limit concurrent holders. Blocked callers are served
// in submission order.
type Gate struct {
	mu      sync.Mutex
	limit   int
	active  int
	waiters []chan struct{}
}

func New(limit int) *Gate {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Gate{limit: limit}
}

func (g *Gate) Limit() int { return g.limit }

// Acquire blocks until a slot is free or ctx is done. A successful acquire
// must be paired with Release on every exit path.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.active < g.limit {
		g.active++
		g.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ready {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// The slot was handed over while ctx fired; give it back.
		select {
		case <-ready:
			g.Release()
		default:
		}
		return ctx.Err()
	}
}

// Release frees a slot, handing it to the oldest waiter if any.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.waiters) > 0 {
		ready := g.waiters[0]
		g.waiters = g.waiters[1:]
		close(ready)
		return
	}

	if g.active > 0 {
		g.active--
	}
}

// InUse reports how many slots are currently held.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Package gate provides an admission gate whose capacity can change while it is in use.
package gate

import (
	"container/list"
	"context"
	"sync"
)

// Gate bounds how many holders may be admitted at once. Waiters are admitted in FIFO order.
type Gate struct {
	mu       sync.Mutex
	limit    int
	admitted int
	waiters  list.List // of chan struct{}, closed on admission
}

// New creates a gate admitting at most limit holders. A limit below 1 is treated as 1.
func New(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}

	return &Gate{limit: limit}
}

// Acquire blocks until the caller is admitted or ctx is done. Every successful Acquire
// must be paired with exactly one Release.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return g.Reserve().Wait(ctx)
}

// Reservation is a place in the gate's queue.
type Reservation struct {
	g     *Gate
	ready chan struct{}
	elem  *list.Element
}

// Reserve takes a place in the queue without blocking, admitting right away when there is
// capacity and nobody is waiting. Wait must be called exactly once on the result.
func (g *Gate) Reserve() *Reservation {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := &Reservation{g: g, ready: make(chan struct{})}

	if g.admitted < g.limit && g.waiters.Len() == 0 {
		g.admitted++
		close(r.ready)

		return r
	}

	r.elem = g.waiters.PushBack(r.ready)

	return r
}

// Wait blocks until the reservation is admitted or ctx is done. On a ctx error the
// reservation leaves the queue, and a unit granted in the meantime is handed on.
func (r *Reservation) Wait(ctx context.Context) error {
	if ctx.Err() == nil {
		select {
		case <-r.ready:
			return nil
		case <-ctx.Done():
		}
	}

	g := r.g

	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-r.ready:
		g.admitted--
		g.admitLocked()
	default:
		g.waiters.Remove(r.elem)
	}

	return ctx.Err()
}

// Release returns one unit to the gate and admits the next waiter if capacity allows.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.admitted == 0 {
		panic("gate: Release called without a matching Acquire")
	}

	g.admitted--
	g.admitLocked()
}

// Resize changes the limit. Shrinking never evicts admitted holders; it only withholds
// admissions until enough units are released. Growing admits waiters immediately.
func (g *Gate) Resize(limit int) {
	if limit < 1 {
		limit = 1
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.limit = limit
	g.admitLocked()
}

// Limit returns the current limit.
func (g *Gate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.limit
}

// Admitted returns the number of holders currently admitted.
func (g *Gate) Admitted() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.admitted
}

// Waiting returns the number of reservations not yet admitted.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.waiters.Len()
}

func (g *Gate) admitLocked() {
	for g.admitted < g.limit && g.waiters.Len() > 0 {
		front := g.waiters.Front()
		g.waiters.Remove(front)
		g.admitted++
		close(front.Value.(chan struct{}))
	}
}

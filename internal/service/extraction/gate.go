package extraction

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate bounds concurrent calls to the extraction service. One gate is shared
// by every document in the process; waiters are admitted in FIFO order.
type Gate struct {
	sem      *semaphore.Weighted
	size     int
	inFlight atomic.Int64
	acquired atomic.Int64
}

// NewGate creates a gate with size permits (at least one).
func NewGate(size int) *Gate {
	if size < 1 {
		size = 1
	}
	return &Gate{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}
}

// Acquire blocks until a permit is free or ctx is done. A done context never
// gets a permit, even when one is free.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inFlight.Add(1)
	g.acquired.Add(1)
	return nil
}

// Release returns a permit taken by Acquire.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// Size is the number of permits.
func (g *Gate) Size() int { return g.size }

// InFlight is the number of permits currently held.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Acquired is the total number of permits ever granted.
func (g *Gate) Acquired() int { return int(g.acquired.Load()) }

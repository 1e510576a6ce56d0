package registry

import (
	"context"
	"sync/atomic"

	"ferry/api/metrics"
)

// Gate bounds how many environment jobs run at once across all workers.
type Gate struct {
	slots chan struct{}
	inUse atomic.Int64
}

func NewGate(capacity int) *Gate {
	if capacity <= 0 {
		capacity = 1
	}
	return &Gate{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		metrics.GateInUse.Set(float64(g.inUse.Add(1)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) Release() {
	metrics.GateInUse.Set(float64(g.inUse.Add(-1)))
	<-g.slots
}

func (g *Gate) InUse() int64 { return g.inUse.Load() }

func (g *Gate) Capacity() int { return cap(g.slots) }

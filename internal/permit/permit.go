// Package permit implements the engine's async semaphore (spec §4.1): a
// fair, context-cancellable admission gate bounding how many traversal
// entries may be in flight at once. It wraps golang.org/x/sync/semaphore,
// which already gives FIFO-fair, cancellation-safe acquisition instead of
// the stdlib buffered-channel-as-semaphore idiom rclone's own legacy
// accounting code used before it adopted the same x/sync primitive.
package permit

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate bounds concurrent admission to maxInFlight. The zero value is not
// usable; construct with New.
type Gate struct {
	sem     *semaphore.Weighted
	issued  atomic.Int64
	maxSize int64
}

// New returns a Gate that admits at most maxInFlight concurrent holders.
// maxInFlight must be at least 1.
func New(maxInFlight int) *Gate {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Gate{
		sem:     semaphore.NewWeighted(int64(maxInFlight)),
		maxSize: int64(maxInFlight),
	}
}

// Permit represents a single held slot. Release must be called exactly
// once, typically via defer immediately after a successful Acquire.
type Permit struct {
	gate *Gate
}

// Acquire blocks, in FIFO order relative to other waiters, until a slot is
// free or ctx is cancelled. On cancellation it returns ctx.Err() and holds
// nothing — callers must not call Release in that case.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	g.issued.Add(1)
	return &Permit{gate: g}, nil
}

// TryAcquire attempts a non-blocking acquisition, returning (nil, false)
// if no slot is immediately available.
func (g *Gate) TryAcquire() (*Permit, bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	g.issued.Add(1)
	return &Permit{gate: g}, true
}

// Release frees the held slot. Call it exactly once: a second call frees a
// slot the permit no longer holds, and the underlying semaphore panics
// only if that releases more than is held across all permits.
func (p *Permit) Release() {
	p.gate.sem.Release(1)
	p.gate.issued.Add(-1)
}

// InFlight reports the current number of outstanding permits. Intended for
// progress reporting, not for synchronization — do not branch control flow
// on this value.
func (g *Gate) InFlight() int64 {
	return g.issued.Load()
}

// Capacity returns the configured maximum concurrency.
func (g *Gate) Capacity() int64 {
	return g.maxSize
}

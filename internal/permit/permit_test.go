package permit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	g := New(2)
	ctx := context.Background()

	p1, err := g.Acquire(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, g.InFlight())

	p2, err := g.Acquire(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, g.InFlight())

	_, ok := g.TryAcquire()
	assert.False(t, ok, "gate is at capacity, TryAcquire should fail")

	p1.Release()
	assert.EqualValues(t, 1, g.InFlight())

	p3, ok := g.TryAcquire()
	require.True(t, ok)
	assert.EqualValues(t, 2, g.InFlight())

	p2.Release()
	p3.Release()
	assert.EqualValues(t, 0, g.InFlight())
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	g := New(1)
	ctx := context.Background()

	p1, err := g.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		p2, err := g.Acquire(ctx)
		require.NoError(t, err)
		close(acquired)
		p2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should not have succeeded before Release")
	case <-time.After(50 * time.Millisecond):
	}

	p1.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire should have succeeded after Release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	g := New(1)
	ctx := context.Background()
	p1, err := g.Acquire(ctx)
	require.NoError(t, err)
	defer p1.Release()

	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	_, err = g.Acquire(cancelCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentAcquireNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	g := New(capacity)
	ctx := context.Background()

	var wg sync.WaitGroup
	const workers = 32
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			p, err := g.Acquire(ctx)
			require.NoError(t, err)
			assert.LessOrEqual(t, g.InFlight(), int64(capacity))
			time.Sleep(time.Millisecond)
			p.Release()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 0, g.InFlight())
}

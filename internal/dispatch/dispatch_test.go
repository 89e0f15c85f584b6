package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/jmalicki/iouring-sync/internal/config"
	"github.com/jmalicki/iouring-sync/internal/copier"
	"github.com/jmalicki/iouring-sync/internal/ioring"
	"github.com/jmalicki/iouring-sync/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWorkerCountHonorsExplicitValue(t *testing.T) {
	assert.Equal(t, 7, ResolveWorkerCount(7))
}

func TestResolveWorkerCountFallsBackToCPUTopology(t *testing.T) {
	assert.GreaterOrEqual(t, ResolveWorkerCount(0), 1)
}

func newTestPool(t *testing.T, n int) *Pool {
	t.Helper()
	cfg, err := config.New(config.Config{})
	require.NoError(t, err)
	st := stats.New()
	p, err := New(n, 32, func(r *ioring.Ring) *copier.Copier {
		return copier.New(r, cfg, st)
	})
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPoolSizeMatchesRequestedWorkers(t *testing.T) {
	p := newTestPool(t, 3)
	assert.Equal(t, 3, p.Size())
}

func TestPoolLendsWorkersExclusively(t *testing.T) {
	p := newTestPool(t, 1)

	inUse := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.Ring(context.Background(), func(r *ioring.Ring) error {
			close(inUse)
			<-release
			return nil
		})
	}()

	<-inUse

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	cancel()
	err := p.Ring(ctx, func(r *ioring.Ring) error { return nil })
	assert.Error(t, err, "pool has only one worker and it's already lent out")

	close(release)
	wg.Wait()
}

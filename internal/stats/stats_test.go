package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersAccumulate(t *testing.T) {
	s := New()
	s.DiscoveredFile(100)
	s.DiscoveredFile(200)
	s.CompletedFile(100)
	s.SkippedFile()
	s.FailedFile(ClassIOError)

	snap := s.Snapshot()
	assert.EqualValues(t, 2, snap.DiscoveredFiles)
	assert.EqualValues(t, 300, snap.DiscoveredBytes)
	assert.EqualValues(t, 1, snap.CompletedFiles)
	assert.EqualValues(t, 100, snap.CompletedBytes)
	assert.EqualValues(t, 1, snap.SkippedFiles)
	assert.EqualValues(t, 1, snap.FailedFiles)
	assert.EqualValues(t, 1, snap.ErrorsByClass["io-error"])
}

func TestInFlightTracksEnterLeave(t *testing.T) {
	s := New()
	s.EnterFlight()
	s.EnterFlight()
	assert.EqualValues(t, 2, s.Snapshot().InFlightEntries)
	s.LeaveFlight()
	assert.EqualValues(t, 1, s.Snapshot().InFlightEntries)
}

func TestConcurrentUpdatesAreConsistent(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	const goroutines = 50
	const perGoroutine = 20
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				s.DiscoveredFile(1)
				s.CompletedFile(1)
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.EqualValues(t, goroutines*perGoroutine, snap.DiscoveredFiles)
	assert.EqualValues(t, goroutines*perGoroutine, snap.CompletedFiles)
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "io-error", ClassIOError.String())
	assert.Equal(t, "unknown", ErrorClass(999).String())
}

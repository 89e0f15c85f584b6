// Package hardlink implements the hardlink tracker (spec §4.4): a
// (device, inode) keyed registry that lets the second and later
// traversal encounters of a multiply-linked source file materialize a
// hardlink to the first copy's destination instead of copying the bytes
// again, with a state machine that makes any waiter encountering the
// entry mid-copy block until the first copier finishes (or fails).
//
// Grounded on backend/local/linkinfo_unix.go's UnixHLinkInfo{dev,ino}
// extraction, generalized from a read-only info struct into a full
// registry with waiter coordination — the teacher's backend never needed
// coordination because it never materializes two objects from the same
// source concurrently the way a worker-pool traversal does.
package hardlink

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmalicki/iouring-sync/internal/metadata"
)

// State is where a tracked identity sits in its materialization lifecycle.
type State int

const (
	// Pending means some worker has claimed the identity and is copying
	// the file; waiters block until it's Materialized or Failed.
	Pending State = iota
	// Materialized means the destination path is a complete, valid copy
	// other entries with the same identity can be hardlinked to.
	Materialized
	// Failed means the claiming worker's copy did not complete; the
	// identity is released back to Absent so the next encounter retries
	// a full copy instead of linking to a nonexistent or partial file.
	Failed
)

type entry struct {
	state State
	path  string
	err   error
	ready chan struct{}
}

// Tracker is the shared (device, inode) registry. The zero value is not
// usable; construct with New.
type Tracker struct {
	mu      sync.Mutex
	entries map[metadata.Identity]*entry
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[metadata.Identity]*entry)}
}

// Claim result tells the caller what to do with a given identity.
type ClaimResult struct {
	// First is true when this call claimed the identity and the caller
	// is now responsible for copying the file and calling Materialize or
	// Fail exactly once.
	First bool
	// Path is the destination path of the first copy. Only meaningful
	// when First is false and the wait (if any) succeeded — the caller
	// should create a hardlink to Path instead of copying.
	Path string
}

// Observe registers a traversal encounter of id. If no worker has claimed
// id yet, the caller becomes the first claimant (ClaimResult.First is
// true) and must eventually call Materialize or Fail. Otherwise Observe
// blocks until the first claimant finishes, then returns the destination
// path to link to. If the first claimant failed, the waiter claims the
// identity itself and returns with First true (no error), so its caller
// performs a full copy rather than propagating the first claimant's
// failure as its own, since a failed first copy at one path says nothing
// about whether this path can succeed. The only error returned is ctx's.
func (t *Tracker) Observe(ctx context.Context, id metadata.Identity) (ClaimResult, error) {
	for {
		t.mu.Lock()
		e, ok := t.entries[id]
		if !ok {
			e = &entry{state: Pending, ready: make(chan struct{})}
			t.entries[id] = e
			t.mu.Unlock()
			return ClaimResult{First: true}, nil
		}
		t.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return ClaimResult{}, ctx.Err()
		}

		if e.state == Failed {
			// Re-claim the identity if nobody else has yet; otherwise
			// loop back around and wait on whichever entry (fresh claim
			// or a concurrently reclaimed one) now occupies the slot.
			t.mu.Lock()
			if t.entries[id] == e {
				fresh := &entry{state: Pending, ready: make(chan struct{})}
				t.entries[id] = fresh
				t.mu.Unlock()
				return ClaimResult{First: true}, nil
			}
			t.mu.Unlock()
			continue
		}
		return ClaimResult{First: false, Path: e.path}, nil
	}
}

// Materialize records that the first claimant for id finished copying to
// path, waking every waiter so they can hardlink to it.
func (t *Tracker) Materialize(id metadata.Identity, path string) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		panic(fmt.Sprintf("hardlink: Materialize called for untracked identity %+v", id))
	}
	e.state = Materialized
	e.path = path
	t.mu.Unlock()
	close(e.ready)
}

// Fail records that the first claimant for id could not complete its
// copy, waking every waiter so they can each retry independently.
func (t *Tracker) Fail(id metadata.Identity, err error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		panic(fmt.Sprintf("hardlink: Fail called for untracked identity %+v", id))
	}
	e.state = Failed
	e.err = err
	t.mu.Unlock()
	close(e.ready)
}

// Len reports how many identities are currently tracked, for tests and
// diagnostics.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Package stats implements the engine's lock-free statistics aggregator
// (spec §4.8): counters for discovered/completed/skipped/failed files,
// bytes, in-flight entries, and per-error-class tallies. Every counter is
// updated with sync/atomic so readers never block writers, and there is no
// read path inside the engine itself — only external consumers (a progress
// renderer, the CLI's end-of-run summary) observe these.
package stats

import "sync/atomic"

// ErrorClass identifies the kind of error a failure is tallied under,
// matching the breakdown spec §4.8 and §7 call for.
type ErrorClass int

const (
	ClassSourceOpen ErrorClass = iota
	ClassDestinationCreate
	ClassIOError
	ClassMetadataStamp
	ClassXattr
	ClassPermission
	numErrorClasses
)

func (c ErrorClass) String() string {
	switch c {
	case ClassSourceOpen:
		return "source-open"
	case ClassDestinationCreate:
		return "destination-create"
	case ClassIOError:
		return "io-error"
	case ClassMetadataStamp:
		return "metadata-stamp"
	case ClassXattr:
		return "xattr"
	case ClassPermission:
		return "permission"
	default:
		return "unknown"
	}
}

// Stats is a single shared record of monotonically increasing counters.
// The zero value is ready to use.
type Stats struct {
	discoveredFiles atomic.Int64
	completedFiles  atomic.Int64
	skippedFiles    atomic.Int64
	failedFiles     atomic.Int64

	discoveredBytes atomic.Int64
	completedBytes  atomic.Int64

	inFlightEntries atomic.Int64

	errorsByClass [numErrorClasses]atomic.Int64
}

// New returns a ready-to-use Stats.
func New() *Stats {
	return &Stats{}
}

// DiscoveredFile records that a file was found during traversal.
func (s *Stats) DiscoveredFile(size int64) {
	s.discoveredFiles.Add(1)
	s.discoveredBytes.Add(size)
}

// CompletedFile records a successful per-file copy.
func (s *Stats) CompletedFile(size int64) {
	s.completedFiles.Add(1)
	s.completedBytes.Add(size)
}

// SkippedFile records a file that was intentionally not copied (e.g. the
// existing-destination skip heuristic).
func (s *Stats) SkippedFile() {
	s.skippedFiles.Add(1)
}

// FailedFile records a fatal per-file failure under the given error class.
func (s *Stats) FailedFile(class ErrorClass) {
	s.failedFiles.Add(1)
	if class >= 0 && class < numErrorClasses {
		s.errorsByClass[class].Add(1)
	}
}

// EnterFlight increments the in-flight entry count. Call on permit
// acquisition; pair with LeaveFlight on every exit path.
func (s *Stats) EnterFlight() {
	s.inFlightEntries.Add(1)
}

// LeaveFlight decrements the in-flight entry count.
func (s *Stats) LeaveFlight() {
	s.inFlightEntries.Add(-1)
}

// Snapshot is a point-in-time, non-atomic copy of every counter, suitable
// for handing to a progress renderer or an end-of-run summary.
type Snapshot struct {
	DiscoveredFiles int64
	CompletedFiles  int64
	SkippedFiles    int64
	FailedFiles     int64
	DiscoveredBytes int64
	CompletedBytes  int64
	InFlightEntries int64
	ErrorsByClass   map[string]int64
}

// Snapshot takes a consistent-enough read of every counter. Individual
// fields may be read at slightly different instants relative to each other
// (there is no global lock), which is fine for a progress display but not a
// property this type should be used to assert exact invariants from.
func (s *Stats) Snapshot() Snapshot {
	byClass := make(map[string]int64, numErrorClasses)
	for c := ErrorClass(0); c < numErrorClasses; c++ {
		if v := s.errorsByClass[c].Load(); v != 0 {
			byClass[c.String()] = v
		}
	}
	return Snapshot{
		DiscoveredFiles: s.discoveredFiles.Load(),
		CompletedFiles:  s.completedFiles.Load(),
		SkippedFiles:    s.skippedFiles.Load(),
		FailedFiles:     s.failedFiles.Load(),
		DiscoveredBytes: s.discoveredBytes.Load(),
		CompletedBytes:  s.completedBytes.Load(),
		InFlightEntries: s.inFlightEntries.Load(),
		ErrorsByClass:   byClass,
	}
}

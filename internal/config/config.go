// Package config holds the resolved, immutable options the copy engine
// consumes. It is the engine's only external input besides the source and
// destination paths; everything else (flag parsing, environment variables,
// config files) is the CLI's concern, not the core's.
package config

import "fmt"

// ExistingFileMode controls what happens when the destination already has a
// file at the computed path. The original source this system was distilled
// from didn't specify a default for this case, so it's made explicit and
// configurable here.
type ExistingFileMode int

const (
	// ExistingOverwrite unconditionally overwrites the destination. Matches
	// the literal reading of "byte-identical content after a successful
	// run" and is the default.
	ExistingOverwrite ExistingFileMode = iota
	// ExistingSizeModTimeSkip skips the copy when the destination already
	// has the same size and modification time as the source, the way a
	// quick-check sync does.
	ExistingSizeModTimeSkip
	// ExistingError fails the file (advisory, tallied, non-fatal to the run)
	// when the destination already exists.
	ExistingError
)

func (m ExistingFileMode) String() string {
	switch m {
	case ExistingOverwrite:
		return "overwrite"
	case ExistingSizeModTimeSkip:
		return "size-modtime-skip"
	case ExistingError:
		return "error"
	default:
		return "unknown"
	}
}

// Config is the immutable, resolved set of options the engine runs with.
// Constructed once via New and shared by reference across every task for
// the lifetime of a run.
type Config struct {
	// Metadata preservation, one flag per rsync-compatible archive component.
	PreservePermissions bool
	PreserveOwner        bool
	PreserveGroup        bool
	PreserveTimes        bool
	PreserveAtime        bool
	PreserveCrtime       bool
	PreserveXattrs       bool
	PreserveACLs         bool
	PreserveHardlinks    bool
	PreserveSymlinks     bool
	PreserveDevices      bool

	// StrictOwnership promotes an owner-change-denied advisory into a fatal
	// per-file error instead of a warn-and-continue.
	StrictOwnership bool

	// Strict promotes any fatal-per-file error into a whole-run failure.
	Strict bool

	// Recursive controls whether directories are descended into at all. Off
	// means only top-level regular files are copied.
	Recursive bool

	// OneFileSystem stops traversal at filesystem (device) boundaries, the
	// way rsync's -x / the local backend's one_file_system option does.
	OneFileSystem bool

	// DryRun traverses and logs but issues no mutating operation.
	DryRun bool

	// Existing controls behavior when the destination path already exists.
	Existing ExistingFileMode

	// NormalizeUnicode applies NFC normalization to traversed file names
	// before joining them onto the destination root, the way
	// backend/local's cleanRemote does when its UTFNorm option is set —
	// useful when the source tree was produced on a filesystem (notably
	// HFS+) that stores decomposed (NFD) Unicode names.
	NormalizeUnicode bool

	// Concurrency and I/O tuning.
	QueueDepth       uint32
	MaxFilesInFlight int
	WorkerCount      int
	BufferSize       int

	// Verbose/Quiet affect only the logging level the CLI configures;
	// the core does not interpret them beyond what's been set up for it.
	Verbose bool
	Quiet   bool
}

const (
	// DefaultQueueDepth is the default size of a single worker's io_uring
	// submission queue.
	DefaultQueueDepth = 256
	// DefaultMaxFilesInFlight is the default traversal-semaphore ceiling.
	DefaultMaxFilesInFlight = 1024
	// DefaultBufferSize is the default per-transfer chunk size (1 MiB),
	// matching spec's "auto" default.
	DefaultBufferSize = 1 << 20
)

// New validates opt and returns a ready-to-use Config, resolving the
// zero-means-auto fields (queue_depth, max_files_in_flight, buffer_size)
// the way the spec's configuration contract table describes. worker_count
// is left at 0 when unset: it is resolved later, by
// dispatch.ResolveWorkerCount, since that is where a host-topology probe
// actually belongs, not here.
func New(opt Config) (*Config, error) {
	if opt.PreserveACLs && !opt.PreservePermissions {
		// Spec §3: preserve_acls implies preserve_permissions.
		opt.PreservePermissions = true
	}
	if opt.QueueDepth == 0 {
		opt.QueueDepth = DefaultQueueDepth
	}
	if opt.MaxFilesInFlight <= 0 {
		opt.MaxFilesInFlight = DefaultMaxFilesInFlight
	}
	if opt.BufferSize <= 0 {
		opt.BufferSize = DefaultBufferSize
	}
	if opt.WorkerCount < 0 {
		return nil, fmt.Errorf("config: worker count %d is invalid", opt.WorkerCount)
	}
	// WorkerCount is left at 0 (the auto sentinel) rather than resolved
	// here: dispatch.ResolveWorkerCount is where the host-topology probe
	// actually runs, at pool-construction time, not at config-validation
	// time.
	cfg := opt
	return &cfg, nil
}

// EffectiveBufferSize returns c.BufferSize, or DefaultBufferSize when it
// is not positive. New already applies that default; a Config built
// without New may still hold 0.
func (c *Config) EffectiveBufferSize() int {
	if c.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return c.BufferSize
}

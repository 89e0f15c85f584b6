// Command iouring-sync is the CLI surface the engine package doesn't
// provide (spec §1 "out of scope: CLI parsing and flag surface"): it
// parses an rsync-compatible archive-mode flag set with
// github.com/spf13/cobra, resolves a config.Config, and drives
// internal/engine.Run to completion.
//
// Grounded on the teacher's single-purpose cmd/<name> packages (e.g.
// cmd/touch, cmd/copyurl) rather than its backend-registration idiom
// (cmd/*/init wiring into a shared cmd.Root): this repo ships exactly one
// binary, so a single cobra.Command in package main replaces the
// multi-command registry the teacher needs for dozens of subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/jmalicki/iouring-sync/internal/config"
	"github.com/jmalicki/iouring-sync/internal/engine"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// exit codes, spec §6.
const (
	exitSuccess = 0
	exitFatal   = 1
	exitUsage   = 2
)

var opt config.Config

// archive and the component booleans it expands into are collected as
// cobra flags first, then folded into opt by resolveConfig, mirroring
// rsync's own "-a implies -rlptgoD" expansion.
var (
	archive        bool
	existingPolicy string
	quietFlag      bool
	progressFlag   bool
	crtimesFlag    bool
	atimeFlag      bool
	cpuCount       int
	bufferSizeKB   int
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		if _, ok := err.(usageError); ok {
			return exitUsage
		}
		return exitFatal
	}
	return rootExitCode
}

// rootExitCode is set by runEngine once the engine has actually run, so
// Execute()'s own error (usage parsing) and the engine's fatal-run result
// can produce distinct exit codes without cobra's RunE forcing everything
// through a single error value.
var rootExitCode = exitSuccess

type usageError struct{ error }

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "iouring-sync SRC DST",
		Short: "High-throughput local file-tree replicator",
		Long: `iouring-sync reproduces a source directory tree at a destination path
on the same machine, preserving metadata, using io_uring for concurrent
asynchronous I/O. Its flag surface is rsync-compatible for the
local-to-local case.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return usageError{fmt.Errorf("expected SRC and DST, got %d argument(s)", len(args))}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, args[0], args[1])
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	f := cmd.Flags()
	f.BoolVarP(&archive, "archive", "a", false, "archive mode; equivalent to -rlptgoD")
	f.BoolVarP(&opt.Recursive, "recursive", "r", false, "recurse into directories")
	f.BoolVarP(&opt.PreserveSymlinks, "links", "l", false, "copy symlinks as symlinks")
	f.BoolVarP(&opt.PreservePermissions, "perms", "p", false, "preserve permissions")
	f.BoolVarP(&opt.PreserveTimes, "times", "t", false, "preserve modification times")
	f.BoolVarP(&opt.PreserveGroup, "group", "g", false, "preserve group")
	f.BoolVarP(&opt.PreserveOwner, "owner", "o", false, "preserve owner")
	f.BoolVarP(&opt.PreserveDevices, "devices", "D", false, "preserve device and special files")
	f.BoolVarP(&opt.PreserveXattrs, "xattrs", "X", false, "preserve extended attributes")
	f.BoolVarP(&opt.PreserveACLs, "acls", "A", false, "preserve ACLs (implies --perms)")
	f.BoolVarP(&opt.PreserveHardlinks, "hard-links", "H", false, "preserve hard links")
	f.BoolVarP(&atimeFlag, "atimes", "U", false, "preserve access times")
	f.BoolVar(&crtimesFlag, "crtimes", false, "preserve creation times (best-effort, advisory)")
	f.BoolVar(&opt.OneFileSystem, "one-file-system", false, "don't cross filesystem boundaries")
	f.BoolVar(&opt.NormalizeUnicode, "unicode-normalize", false, "NFC-normalize traversed file names before writing the destination path")
	f.BoolVar(&opt.Strict, "strict", false, "treat any per-file error as a whole-run failure")
	f.BoolVar(&opt.StrictOwnership, "strict-ownership", false, "fail a file if owner preservation is denied")
	f.StringVar(&existingPolicy, "existing", "overwrite", "behavior when destination already exists: overwrite|skip|error")
	f.BoolVar(&opt.DryRun, "dry-run", false, "traverse and log, issue no mutations")
	f.BoolVarP(&opt.Verbose, "verbose", "v", false, "increase logging verbosity")
	f.BoolVarP(&quietFlag, "quiet", "q", false, "suppress non-error output")
	f.BoolVar(&progressFlag, "progress", false, "show progress during transfer")
	f.Uint32Var(&opt.QueueDepth, "queue-depth", config.DefaultQueueDepth, "io_uring submission queue depth per worker")
	f.IntVar(&opt.MaxFilesInFlight, "max-files-in-flight", config.DefaultMaxFilesInFlight, "traversal semaphore ceiling")
	f.IntVar(&cpuCount, "cpu-count", 0, "number of workers (0 = one per CPU)")
	f.IntVar(&bufferSizeKB, "buffer-size-kb", 0, "per-transfer chunk size in KiB (0 = auto, 1024 KiB)")

	return cmd
}

// resolveConfig folds the package-level flag variables into opt,
// expanding -a into its rsync-equivalent component flags, and validates
// the result through config.New. Kept free of cobra and the engine so
// the archive-mode expansion can be unit tested without a real kernel or
// a constructed cobra.Command.
func resolveConfig(raw config.Config) (*config.Config, error) {
	if archive {
		raw.Recursive = true
		raw.PreserveSymlinks = true
		raw.PreservePermissions = true
		raw.PreserveTimes = true
		raw.PreserveGroup = true
		raw.PreserveOwner = true
		raw.PreserveDevices = true
	}
	raw.PreserveAtime = atimeFlag
	raw.PreserveCrtime = crtimesFlag
	raw.WorkerCount = cpuCount
	if bufferSizeKB > 0 {
		raw.BufferSize = bufferSizeKB * 1024
	}
	raw.Verbose = raw.Verbose && !quietFlag
	raw.Quiet = quietFlag

	switch existingPolicy {
	case "overwrite", "":
		raw.Existing = config.ExistingOverwrite
	case "skip":
		raw.Existing = config.ExistingSizeModTimeSkip
	case "error":
		raw.Existing = config.ExistingError
	default:
		return nil, usageError{fmt.Errorf("invalid --existing value %q", existingPolicy)}
	}

	cfg, err := config.New(raw)
	if err != nil {
		return nil, usageError{err}
	}
	return cfg, nil
}

func runEngine(cmd *cobra.Command, src, dst string) error {
	configureLogging()

	cfg, err := resolveConfig(opt)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var stop func()
	if progressFlag && !quietFlag {
		stop = startProgress(cmd.OutOrStderr())
	}

	result, runErr := engine.Run(ctx, src, dst, cfg)
	if stop != nil {
		stop()
	}

	printSummary(cmd.OutOrStdout(), result, quietFlag)

	if runErr != nil {
		logrus.WithError(runErr).Error("replication failed")
		rootExitCode = exitFatal
		return nil
	}
	if result.Stats.FailedFiles > 0 {
		rootExitCode = exitFatal
		return nil
	}
	rootExitCode = exitSuccess
	return nil
}

func configureLogging() {
	logrus.SetOutput(os.Stderr)
	switch {
	case quietFlag:
		logrus.SetLevel(logrus.ErrorLevel)
	case opt.Verbose:
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func printSummary(w interface{ Write([]byte) (int, error) }, result engine.Result, quiet bool) {
	if quiet {
		return
	}
	s := result.Stats
	fmt.Fprintf(w, "discovered %s files (%s), completed %s (%s), skipped %d, failed %d\n",
		humanize.Comma(s.DiscoveredFiles), humanize.Bytes(uint64(s.DiscoveredBytes)),
		humanize.Comma(s.CompletedFiles), humanize.Bytes(uint64(s.CompletedBytes)),
		s.SkippedFiles, s.FailedFiles)
	for class, count := range s.ErrorsByClass {
		fmt.Fprintf(w, "  %s: %d\n", class, count)
	}
}

package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-runewidth"
)

// progressTicker renders a single, periodically overwritten terminal line
// while a run is in flight — the external consumer spec §4.8 leaves room
// for, kept as a small piece of the CLI rather than the core. Grounded on
// the teacher's reliance on mattn/go-colorable for a Windows-safe ANSI
// writer and mattn/go-runewidth to pad/truncate the line to 80 columns
// without splitting a multi-byte rune.
type progressTicker struct {
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

// startProgress begins rendering progress to stderr (via a colorable
// writer so ANSI cursor-control codes behave on Windows consoles too) and
// returns a stop function that halts rendering and clears the line. The
// caller's writer is intentionally ignored in favor of the real console
// handle colorable needs to patch ANSI escapes on Windows; on other
// platforms colorable.NewColorableStderr is a thin passthrough to
// os.Stderr, which is where progress belongs regardless of where the
// run's summary is printed.
func startProgress(_ interface{ Write([]byte) (int, error) }) func() {
	t := &progressTicker{interval: 200 * time.Millisecond, done: make(chan struct{})}
	t.wg.Add(1)
	go t.loop()
	return t.stop
}

func (t *progressTicker) loop() {
	defer t.wg.Done()
	out := colorable.NewColorableStderr()
	start := time.Now()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			render(out, start)
		case <-t.done:
			fmt.Fprint(out, "\r\033[K")
			return
		}
	}
}

func render(out interface{ Write([]byte) (int, error) }, start time.Time) {
	// The engine doesn't expose a live Stats handle to external callers
	// beyond the final Snapshot (spec §4.8: "no read path inside the
	// core"), so this renderer prints only the time elapsed since start,
	// padded/truncated to 80 columns.
	line := fmt.Sprintf("replicating... %s elapsed", time.Since(start).Round(time.Second))
	padded := runewidth.Truncate(line, 80, "...")
	fmt.Fprintf(out, "\r%-80s", padded)
}

func (t *progressTicker) stop() {
	close(t.done)
	t.wg.Wait()
}

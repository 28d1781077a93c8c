// Package scenetrace captures a lightweight stack snapshot for diagnosing a
// subprogram that appears stuck (parked on an input core that never wakes,
// or a sink whose target never connects). Grounded on stacks.Run/PullTrace,
// trimmed to the one operation the scheduler actually needs: a named
// snapshot of all goroutines, not a parsed per-frame Tracer registry.
package scenetrace

import (
	"fmt"
	"runtime"
	"time"
)

// Snapshot is a captured stack dump, tagged with the reason it was taken
// (e.g. a program id that has not yielded within a diagnostic window).
type Snapshot struct {
	Context string
	Taken   time.Time
	Dump    []byte
}

// Capture takes a snapshot of every goroutine's stack, tagged with context
// (typically a ProgramId.String() or task description).
func Capture(context string) Snapshot {
	buf := make([]byte, 1<<16)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}

	return Snapshot{Context: context, Taken: time.Now(), Dump: buf}
}

// String renders the snapshot for logging.
func (s Snapshot) String() string {
	return fmt.Sprintf("stack trace[%s] @ %s:\n%s", s.Context, s.Taken.Format(time.RFC3339), s.Dump)
}

// Package panics isolates a subprogram body's or filter's panic from the
// rest of the process, turning it into a recovered error its caller can
// react to (see subprogram's runBody and filter's apply) instead of
// crashing the process.
package panics

import (
	"bytes"
	"fmt"
	"runtime"
)

// Recovered describes a panic caught while running a subprogram or filter
// future. The subprogram package records it as the program's error and
// closes the panicking process's input core, so any sender parked on it
// observes TargetClosed.
type Recovered struct {
	Value interface{}
	Stack []byte
}

func (r *Recovered) Error() string {
	return fmt.Sprintf("panic: %v", r.Value)
}

// Defer runs op and, if it panics, recovers and reports the panic through
// onPanic instead of letting it unwind past the caller. Mirrors the
// two-callback shape used throughout this lineage (op, then a reporter)
// but hands onPanic the Recovered value rather than only logging it.
// Defer itself returns nothing.
func Defer(op func(), onPanic func(*Recovered)) {
	defer func() {
		if ex := recover(); ex != nil {
			if onPanic == nil {
				return
			}

			trace := make([]byte, 1<<16)
			n := runtime.Stack(trace, false)
			onPanic(&Recovered{Value: ex, Stack: trace[:n]})
		}
	}()

	op()
}

// Guard runs fx and converts any panic into a returned error, for call
// sites that need a plain error rather than the full Recovered trace.
func Guard(fx func() error) (err error) {
	defer func() {
		if ex := recover(); ex != nil {
			if asErr, ok := ex.(error); ok {
				err = asErr
				return
			}
			err = fmt.Errorf("panic: %v", ex)
		}
	}()

	return fx()
}

// Dump renders a Recovered as a log-friendly block, grounded on the
// teacher's banner-delimited stack dump in its own Defer helper.
func Dump(r *Recovered) string {
	var buf bytes.Buffer
	buf.WriteString("----------------------------------------------------------------\n")
	fmt.Fprintf(&buf, "panic: %v\n", r.Value)
	buf.WriteString("----------------------------------------------------------------\n")
	buf.Write(r.Stack)
	buf.WriteString("\n----------------------------------------------------------------\n")
	return buf.String()
}

package debug

import (
	"fmt"
	"runtime"
)

// Assert panics when truth is false. It exists for invariants that cannot
// fail unless there's a bug (sizes of fixed-width wire structs, exhaustive
// switches); recoverable conditions must be reported as errors instead.
func Assert(truth bool, msg ...string) {
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if !truth {
		msg := fmt.Sprintf("assertion failed(%s)", msg)
		// include the assertion location; with panic recovery in play
		// it is otherwise buried in the middle of the panicking stack.
		if _, file, line, ok := runtime.Caller(1); ok {
			msg = fmt.Sprintf("%s:%d: %s", file, line, msg)
		}
		panic(msg)
	}
}

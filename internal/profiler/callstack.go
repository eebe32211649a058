package profiler

import (
	"github.com/getsentry/stacksampler/internal/frame"
	"github.com/getsentry/stacksampler/internal/host"
)

// buildCallStack returns the stack of th seen from f, outermost first,
// starting with the thread pseudo frame. A call is attributed to the
// caller since the new frame has not run yet. When a C function returns,
// a built-in frame takes the time spent in it.
func buildCallStack(th *host.Thread, f *host.Frame, kind host.EventKind, arg any) []string {
	depth := 1
	for c := f; c != nil; c = c.Back {
		depth++
	}
	stack := make([]string, 0, depth+1)

	switch kind {
	case host.EventCall:
		if f != nil {
			f = f.Back
		}
	case host.EventCReturn, host.EventCException:
		if b, ok := arg.(host.Builtin); ok {
			stack = append(stack, frame.BuiltinIdentifier(b.Name))
		}
	}
	for ; f != nil; f = f.Back {
		stack = append(stack, f.Info())
	}
	stack = append(stack, th.Identifier())

	for i, j := 0, len(stack)-1; i < j; i, j = i+1, j-1 {
		stack[i], stack[j] = stack[j], stack[i]
	}
	return stack
}

// Package sink implements the opaque dashboard/reporter sink spec.md §9
// describes: the core pushes TestResults to a Sink and must function
// identically with a no-op one.
package sink

import (
	"fmt"
	"io"

	"github.com/testpilot/testpilot/internal/model"
)

// Sink receives one TestResult per executed (or skipped/dry-run) step.
type Sink interface {
	Emit(result model.TestResult)
}

// Noop discards every result. The default when no dashboard or reporter
// is configured.
type Noop struct{}

func (Noop) Emit(model.TestResult) {}

// Console prints the one-line `[STATUS][sheet][row N][host] Reason`
// summary spec.md §7 specifies, directly to an io.Writer — matching the
// teacher's habit of writing CLI-facing output with plain
// fmt.Fprintf(os.Stderr, ...) rather than routing it through the
// structured logger.
type Console struct {
	Out io.Writer
}

// NewConsole returns a Console sink writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{Out: w}
}

func (c *Console) Emit(r model.TestResult) {
	reason := r.FailReason
	if reason == "" {
		reason = "ok"
	}
	fmt.Fprintf(c.Out, "[%s][%s][row %d][%s] %s\n", r.Status, r.Sheet, r.RowIdx, r.Host, reason)
}

// Multi fans a result out to every member sink, letting the CLI attach
// both a console sink and a dashboard sink simultaneously.
type Multi struct {
	Sinks []Sink
}

func (m Multi) Emit(r model.TestResult) {
	for _, s := range m.Sinks {
		s.Emit(r)
	}
}

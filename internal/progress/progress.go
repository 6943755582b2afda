// Package progress reports live training progress, separately from the
// training log.
package progress

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// Reporter observes per-batch progress.
type Reporter interface {
	Report(current, total int, runningMean float64)
}

// Nop discards progress reports.
type Nop struct{}

// Report implements Reporter.
func (Nop) Report(int, int, float64) {}

// Bar redraws a single status line on a terminal.
type Bar struct {
	w     io.Writer
	label string
	width int
}

// NewBar returns a Bar writing to w, prefixing each line with label.
func NewBar(w io.Writer, label string) *Bar {
	return &Bar{w: w, label: label}
}

// Report implements Reporter.
func (b *Bar) Report(current, total int, runningMean float64) {
	line := fmt.Sprintf("%s %s/%s avg_loss=%.4f", b.label,
		humanize.Comma(int64(current)), humanize.Comma(int64(total)), runningMean)
	pad := b.width - len(line)
	if pad < 0 {
		pad = 0
	}
	b.width = len(line)
	fmt.Fprintf(b.w, "\r%s%*s", line, pad, "")
}

// Finish ends the status line.
func (b *Bar) Finish() {
	if b.width > 0 {
		fmt.Fprintln(b.w)
	}
	b.width = 0
}

// SetLabel changes the prefix used by subsequent reports.
func (b *Bar) SetLabel(label string) {
	b.label = label
}

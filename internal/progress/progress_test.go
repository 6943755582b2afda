package progress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBarRedrawsLine(t *testing.T) {
	var buf bytes.Buffer
	b := NewBar(&buf, "[train] epoch 1")

	b.Report(1, 12000, 0.5)
	b.Report(1500, 12000, 0.25)
	b.Finish()

	assert.Equal(t,
		"\r[train] epoch 1 1/12,000 avg_loss=0.5000"+
			"\r[train] epoch 1 1,500/12,000 avg_loss=0.2500\n",
		buf.String())
}

func TestBarPadsShorterLines(t *testing.T) {
	var buf bytes.Buffer
	b := NewBar(&buf, "x")
	b.Report(1000, 1000, 1)
	buf.Reset()
	b.SetLabel("")
	b.Report(1, 1000, 1)
	assert.Equal(t, "\r 1/1,000 avg_loss=1.0000     ", buf.String())
}

func TestNopSatisfiesReporter(t *testing.T) {
	var r Reporter = Nop{}
	r.Report(1, 1, 0)
}

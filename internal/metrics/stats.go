package metrics

import (
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

// ErrEmpty is returned when a mean is requested over no values.
var ErrEmpty = errors.New("metrics: no values accumulated")

// LossAccumulator collects per-batch losses in iteration order.
type LossAccumulator struct {
	values []float64
}

// Add appends a loss value.
func (a *LossAccumulator) Add(v float64) {
	a.values = append(a.values, v)
}

// Len is the number of accumulated values.
func (a *LossAccumulator) Len() int {
	return len(a.values)
}

// Values returns a copy of the accumulated values.
func (a *LossAccumulator) Values() []float64 {
	return append([]float64(nil), a.values...)
}

// Mean returns the arithmetic mean, or ErrEmpty when nothing was added.
func (a *LossAccumulator) Mean() (float64, error) {
	if len(a.values) == 0 {
		return 0, ErrEmpty
	}
	m, err := stats.Mean(a.values)
	if err != nil {
		return 0, errors.Wrapf(err, "mean of %d losses", len(a.values))
	}
	return m, nil
}

// Window accumulates timing stats across multiple batches.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastLoss float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(pairs int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += pairs
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps}
	total := w.data + w.compute
	if total > 0 {
		snap.PairsPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	snap.LastLoss = w.lastLoss

	w.samples = 0
	w.data = 0
	w.compute = 0
	w.steps = 0
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps        int
	PairsPerSec  float64
	AvgDataMS    float64
	AvgComputeMS float64
	LastLoss     float64
}

// Package loss defines the tagged result of a loss computation and the
// correspondence loss used to train the descriptor network.
package loss

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Status tags the outcome of a loss computation.
type Status int

const (
	// StatusOK means the batch produced a loss value.
	StatusOK Status = iota
	// StatusNoGradient means the batch carried no usable training signal.
	StatusNoGradient
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoGradient:
		return "no-gradient"
	default:
		return "unknown"
	}
}

// ErrNoGraph is returned by Backward on results computed without gradient
// tracking.
var ErrNoGraph = errors.New("loss: result has no backward graph")

// Result is either a scalar loss with an optional backward pass, or a
// NoGradient marker.
type Result struct {
	Status Status
	Value  float64
	// Reason explains a NoGradient result.
	Reason string

	backward func() error
}

// Computed returns an OK result. backward may be nil when gradients are
// not tracked.
func Computed(value float64, backward func() error) Result {
	return Result{Status: StatusOK, Value: value, backward: backward}
}

// Skipped returns a NoGradient result.
func Skipped(reason string) Result {
	return Result{Status: StatusNoGradient, Reason: reason}
}

// NoGradient reports whether the batch must be skipped.
func (r Result) NoGradient() bool {
	return r.Status == StatusNoGradient
}

// Backward propagates the loss gradient into the model parameters.
func (r Result) Backward() error {
	if r.Status != StatusOK || r.backward == nil {
		return ErrNoGraph
	}
	return r.backward()
}

// PlotOptions controls the correspondence visualizations written while
// training. Fs and Dir are only read when Enabled is set.
type PlotOptions struct {
	Enabled bool
	Dir     string
	Fs      afero.Fs
}

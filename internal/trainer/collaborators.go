// Package trainer drives descriptor training one epoch at a time.
package trainer

import (
	"context"

	"d2train/internal/checkpoint"
	"d2train/internal/loss"
	"d2train/internal/model"
	"d2train/internal/optim"
)

// Model is the network being trained.
type Model interface {
	loss.Model
	State() model.Snapshot
}

// LossFunc computes the loss of one annotated batch. A NoGradient result
// means the batch carries no usable signal.
type LossFunc interface {
	Compute(m loss.Model, batch model.AnnotatedBatch, rc model.RunContext, plot loss.PlotOptions) (loss.Result, error)
}

// Optimizer updates the model parameters from their accumulated gradients.
type Optimizer interface {
	ZeroGrad()
	Step() error
	State() optim.State
}

// BatchStream yields the same finite sequence of batches on every call to
// Epoch. The error channel delivers at most one error and is closed before
// the batch channel.
type BatchStream interface {
	Len() int
	Epoch(ctx context.Context) (<-chan model.Batch, <-chan error)
}

// LogSink receives the training log lines.
type LogSink interface {
	Interval(mode string, epoch, batch, total int, avgLoss float64) error
	Summary(mode string, epoch int, avgLoss float64) error
	Empty(mode string, epoch, total int) error
	Flush() error
}

// CheckpointStore persists the run state after each epoch.
type CheckpointStore interface {
	Save(c checkpoint.Checkpoint) (int64, error)
}

package trainer

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"d2train/internal/checkpoint"
	"d2train/internal/config"
	"d2train/internal/lossplot"
)

// Runner is the outer training loop: a fixed number of epochs with a
// checkpoint after each one.
type Runner struct {
	Driver     *Driver
	Train      BatchStream
	Validation BatchStream // optional
	Store      CheckpointStore
	Epochs     int
	Settings   config.Config

	// CurvePath, when set, receives a plot of the training loss history
	// after every epoch.
	CurveFs   afero.Fs
	CurvePath string

	Logger *zap.Logger

	validation []checkpoint.Record
}

// Run trains for Epochs epochs and returns the training loss history, one
// record per epoch. A failed checkpoint ends the run; the history collected
// so far is returned with the error.
func (r *Runner) Run(ctx context.Context) ([]checkpoint.Record, error) {
	if r.Epochs <= 0 {
		return nil, errors.Errorf("trainer: number of epochs must be > 0 (got %d)", r.Epochs)
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var history []checkpoint.Record
	r.validation = nil
	for epoch := 1; epoch <= r.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return history, errors.Wrapf(err, "stopped before epoch %d", epoch)
		}

		summary, err := r.Driver.TrainEpoch(ctx, epoch, r.Train)
		if err != nil {
			return history, err
		}
		history = append(history, summary.Record())

		if r.Validation != nil {
			summary, err := r.Driver.EvalEpoch(ctx, epoch, r.Validation)
			if err != nil {
				return history, err
			}
			r.validation = append(r.validation, summary.Record())
		}

		size, err := r.Store.Save(checkpoint.Checkpoint{
			Config:     r.Settings,
			Epoch:      epoch,
			Model:      r.Driver.Model.State(),
			Optimizer:  r.Driver.Optimizer.State(),
			History:    append([]checkpoint.Record(nil), history...),
			Validation: append([]checkpoint.Record(nil), r.validation...),
		})
		if err != nil {
			return history, errors.Wrapf(err, "checkpoint after epoch %d", epoch)
		}
		logger.Info("checkpoint saved", zap.Int("epoch", epoch), zap.String("size", humanize.Bytes(uint64(size))))

		if losses := meanLosses(history); r.CurvePath != "" && len(losses) > 0 {
			if err := lossplot.Curve(r.CurveFs, r.CurvePath, "training loss", losses); err != nil {
				logger.Warn("loss curve not written", zap.Error(err))
			}
		}
	}
	return history, nil
}

// ValidationHistory returns the evaluation records of the last Run.
func (r *Runner) ValidationHistory() []checkpoint.Record {
	return append([]checkpoint.Record(nil), r.validation...)
}

func meanLosses(history []checkpoint.Record) []float64 {
	var out []float64
	for _, rec := range history {
		if !rec.Empty {
			out = append(out, rec.MeanLoss)
		}
	}
	return out
}

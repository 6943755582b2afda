package trainer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"d2train/internal/checkpoint"
	"d2train/internal/loss"
	"d2train/internal/metrics"
	"d2train/internal/model"
	"d2train/internal/progress"
)

// Mode selects between training and evaluation. Its value is the label
// written to the training log.
type Mode string

const (
	Train Mode = "train"
	Eval  Mode = "valid"
)

// Reporters that redraw a terminal line may also implement these.
type (
	labeler  interface{ SetLabel(label string) }
	finisher interface{ Finish() }
)

// EpochConfig holds the scalars attached to every batch.
type EpochConfig struct {
	BatchSize     int
	Preprocessing string
	LogInterval   int
}

// EpochSummary is the outcome of one epoch.
type EpochSummary struct {
	Epoch    int
	Mode     Mode
	MeanLoss float64
	// Batches is the number of batches seen, Used the number that produced
	// a loss and Skipped the number that reported NoGradient.
	Batches int
	Used    int
	Skipped int
	// Empty is set when every batch was skipped. MeanLoss is zero then.
	Empty bool
}

// Record converts the summary into a loss history entry.
func (s EpochSummary) Record() checkpoint.Record {
	return checkpoint.Record{
		Epoch:    s.Epoch,
		Mode:     string(s.Mode),
		MeanLoss: s.MeanLoss,
		Empty:    s.Empty,
		Batches:  s.Batches,
		Skipped:  s.Skipped,
	}
}

// Driver runs epochs over a batch stream.
type Driver struct {
	Model     Model
	Loss      LossFunc
	Optimizer Optimizer
	Log       LogSink
	Progress  progress.Reporter
	Logger    *zap.Logger
	Context   model.RunContext
	Plot      loss.PlotOptions
	Config    EpochConfig
}

// TrainEpoch runs one training epoch.
func (d *Driver) TrainEpoch(ctx context.Context, epoch int, batches BatchStream) (EpochSummary, error) {
	if d.Optimizer == nil {
		return EpochSummary{}, errors.New("trainer: training requires an optimizer")
	}
	return d.runEpoch(ctx, epoch, Train, batches, d.Optimizer)
}

// EvalEpoch runs one evaluation epoch. The optimizer is never consulted and
// the loss builds no backward graph.
func (d *Driver) EvalEpoch(ctx context.Context, epoch int, batches BatchStream) (EpochSummary, error) {
	return d.runEpoch(ctx, epoch, Eval, batches, nil)
}

// RunEpoch dispatches on mode.
func (d *Driver) RunEpoch(ctx context.Context, epoch int, mode Mode, batches BatchStream) (EpochSummary, error) {
	switch mode {
	case Train:
		return d.TrainEpoch(ctx, epoch, batches)
	case Eval:
		return d.EvalEpoch(ctx, epoch, batches)
	default:
		return EpochSummary{}, errors.Errorf("trainer: unknown mode %q", mode)
	}
}

func (d *Driver) runEpoch(ctx context.Context, epoch int, mode Mode, batches BatchStream, opt Optimizer) (EpochSummary, error) {
	if epoch <= 0 {
		return EpochSummary{}, errors.Errorf("trainer: epoch index must be > 0 (got %d)", epoch)
	}
	if d.Config.LogInterval <= 0 {
		return EpochSummary{}, errors.Errorf("trainer: log interval must be > 0 (got %d)", d.Config.LogInterval)
	}
	logger := d.logger().With(zap.String("mode", string(mode)), zap.Int("epoch", epoch))
	reporter := d.Progress
	if reporter == nil {
		reporter = progress.Nop{}
	}
	if l, ok := reporter.(labeler); ok {
		l.SetLabel(fmt.Sprintf("[%s] epoch %d", mode, epoch))
	}
	if f, ok := reporter.(finisher); ok {
		defer f.Finish()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	total := batches.Len()
	batchCh, errCh := batches.Epoch(ctx)
	summary := EpochSummary{Epoch: epoch, Mode: mode}
	var (
		acc    metrics.LossAccumulator
		window metrics.Window
		start  = time.Now()
	)

	for idx := 0; ; idx++ {
		waitStart := time.Now()
		var (
			batch model.Batch
			ok    bool
		)
		select {
		case <-ctx.Done():
			return summary, errors.Wrapf(ctx.Err(), "%s epoch %d interrupted at batch %d", mode, epoch, idx)
		case batch, ok = <-batchCh:
		}
		if !ok {
			break
		}
		dataTime := time.Since(waitStart)
		summary.Batches++

		computeStart := time.Now()
		if opt != nil {
			opt.ZeroGrad()
		}
		annotated := model.AnnotatedBatch{
			Batch: batch,
			Context: model.BatchContext{
				Train:         mode == Train,
				Epoch:         epoch,
				Index:         idx,
				BatchSize:     d.Config.BatchSize,
				Preprocessing: d.Config.Preprocessing,
				LogInterval:   d.Config.LogInterval,
			},
		}
		result, err := d.Loss.Compute(d.Model, annotated, d.Context, d.Plot)
		if err != nil {
			return summary, errors.Wrapf(err, "%s epoch %d batch %d: compute loss", mode, epoch, idx)
		}
		if result.NoGradient() {
			summary.Skipped++
			logger.Debug("batch skipped", zap.Int("batch", idx), zap.String("reason", result.Reason))
			continue
		}
		if math.IsNaN(result.Value) || math.IsInf(result.Value, 0) {
			return summary, errors.Errorf("%s epoch %d batch %d: loss is %v", mode, epoch, idx, result.Value)
		}

		acc.Add(result.Value)
		summary.Used++
		runningMean, err := acc.Mean()
		if err != nil {
			return summary, err
		}
		reporter.Report(idx+1, total, runningMean)

		if idx%d.Config.LogInterval == 0 {
			if err := d.Log.Interval(string(mode), epoch, idx, total, runningMean); err != nil {
				return summary, errors.Wrapf(err, "%s epoch %d batch %d", mode, epoch, idx)
			}
		}

		if opt != nil {
			if err := result.Backward(); err != nil {
				return summary, errors.Wrapf(err, "%s epoch %d batch %d: backward", mode, epoch, idx)
			}
			if err := opt.Step(); err != nil {
				return summary, errors.Wrapf(err, "%s epoch %d batch %d: optimizer step", mode, epoch, idx)
			}
		}

		window.Record(len(batch.Pairs), dataTime, time.Since(computeStart), result.Value)
		if idx%d.Config.LogInterval == 0 {
			snap := window.Snapshot()
			logger.Debug("throughput",
				zap.Int("batch", idx),
				zap.Int("steps", snap.Steps),
				zap.Float64("pairs_per_sec", snap.PairsPerSec),
				zap.Float64("data_ms", snap.AvgDataMS),
				zap.Float64("compute_ms", snap.AvgComputeMS),
				zap.Float64("loss", snap.LastLoss),
			)
		}
	}

	if err := <-errCh; err != nil {
		return summary, errors.Wrapf(err, "%s epoch %d: batch stream", mode, epoch)
	}

	mean, err := acc.Mean()
	switch {
	case errors.Is(err, metrics.ErrEmpty):
		summary.Empty = true
		logger.Warn("no batch produced a loss", zap.Int("batches", summary.Batches))
		if err := d.Log.Empty(string(mode), epoch, summary.Batches); err != nil {
			return summary, errors.Wrapf(err, "%s epoch %d summary", mode, epoch)
		}
	case err != nil:
		return summary, err
	default:
		summary.MeanLoss = mean
		if err := d.Log.Summary(string(mode), epoch, mean); err != nil {
			return summary, errors.Wrapf(err, "%s epoch %d summary", mode, epoch)
		}
	}
	if err := d.Log.Flush(); err != nil {
		return summary, err
	}

	logger.Info("epoch finished",
		zap.Float64("avg_loss", summary.MeanLoss),
		zap.Int("batches", summary.Batches),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("elapsed", time.Since(start)),
	)
	return summary, nil
}

func (d *Driver) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	arg "github.com/alexflint/go-arg"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"d2train/internal/checkpoint"
	"d2train/internal/config"
	"d2train/internal/dataset"
	"d2train/internal/logging"
	"d2train/internal/loss"
	"d2train/internal/model"
	"d2train/internal/optim"
	"d2train/internal/progress"
	"d2train/internal/trainer"
	"d2train/internal/trainlog"
)

type args struct {
	Config              string  `arg:"--config" help:"YAML config applied on top of the defaults"`
	DatasetPath         string  `arg:"--dataset_path" help:"path to the dataset shards"`
	ValidationPath      string  `arg:"--validation_path" help:"path to validation shards, evaluated after every epoch"`
	Preprocessing       string  `arg:"--preprocessing" help:"image preprocessing (caffe or torch)"`
	InitModel           string  `arg:"--init_model" help:"path to the initial model"`
	NumEpochs           int     `arg:"--num_epochs" help:"number of training epochs"`
	LR                  float64 `arg:"--lr" help:"initial learning rate"`
	BatchSize           int     `arg:"--batch_size" help:"batch size"`
	NumWorkers          int     `arg:"--num_workers" help:"number of workers for data loading"`
	LogInterval         int     `arg:"--log_interval" help:"loss logging interval"`
	LogFile             string  `arg:"--log_file" help:"loss logging file"`
	Plot                bool    `arg:"--plot" help:"plot training pairs"`
	CheckpointDirectory string  `arg:"--checkpoint_directory" help:"directory for training checkpoints"`
	CheckpointPrefix    string  `arg:"--checkpoint_prefix" help:"prefix for training checkpoints"`
	Seed                int64   `arg:"--seed" help:"seed for shuffling and initialisation"`
	Shuffle             bool    `arg:"--shuffle" help:"shuffle shard order (deterministic per seed)"`
	Verbose             bool    `arg:"-v,--verbose" help:"enable debug logging"`
}

func main() {
	var a args
	arg.MustParse(&a)

	logger := logging.New(a.Verbose)
	defer logger.Sync()

	fs := afero.NewOsFs()
	cfg := config.Default()
	if a.Config != "" {
		loaded, err := config.Load(fs, a.Config)
		if err != nil {
			logger.Fatal("failed to load config", zap.Error(err))
		}
		cfg = loaded
	}
	cfg.ApplyOverrides(config.Overrides{
		DatasetPath:         a.DatasetPath,
		ValidationPath:      a.ValidationPath,
		Preprocessing:       a.Preprocessing,
		InitModel:           a.InitModel,
		NumEpochs:           a.NumEpochs,
		LearningRate:        a.LR,
		BatchSize:           a.BatchSize,
		NumWorkers:          a.NumWorkers,
		LogInterval:         a.LogInterval,
		LogFile:             a.LogFile,
		Plot:                a.Plot,
		CheckpointDirectory: a.CheckpointDirectory,
		CheckpointPrefix:    a.CheckpointPrefix,
		Seed:                a.Seed,
		Shuffle:             a.Shuffle,
	})
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	logger.Info("configuration", zap.Any("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, fs, cfg); err != nil {
		logger.Fatal("training failed", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger, fs afero.Fs, cfg *config.Config) error {
	layout, warnings, err := cfg.Prepare(fs)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	net, err := model.Load(fs, cfg.InitModel)
	if err != nil {
		return err
	}
	if net.Channels() != 3 {
		return errors.Errorf("model %s expects %d input channels, images have 3", cfg.InitModel, net.Channels())
	}
	optimizer := optim.NewAdam(net.Params(), cfg.LearningRate)

	train, err := newLoader(logger, cfg, cfg.DatasetPath, cfg.Shuffle)
	if err != nil {
		return errors.Wrapf(err, "training data")
	}
	var validation trainer.BatchStream
	if cfg.ValidationPath != "" {
		v, err := newLoader(logger, cfg, cfg.ValidationPath, false)
		if err != nil {
			return errors.Wrapf(err, "validation data")
		}
		validation = v
	}

	store, err := checkpoint.NewStore(fs, layout.CheckpointDir)
	if err != nil {
		return err
	}
	sink, err := trainlog.Open(fs, layout.LogPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Error("closing training log", zap.Error(err))
		}
	}()

	runner := &trainer.Runner{
		Driver: &trainer.Driver{
			Model:     net,
			Loss:      loss.Correspondence{Stride: cfg.Stride, Margin: cfg.Margin},
			Optimizer: optimizer,
			Log:       sink,
			Progress:  progress.NewBar(os.Stderr, "d2train"),
			Logger:    logger,
			Context:   model.RunContext{Device: "cpu", Seed: cfg.Seed},
			Plot:      loss.PlotOptions{Enabled: cfg.Plot, Dir: layout.PlotDir, Fs: fs},
			Config: trainer.EpochConfig{
				BatchSize:     cfg.BatchSize,
				Preprocessing: cfg.Preprocessing,
				LogInterval:   cfg.LogInterval,
			},
		},
		Train:      train,
		Validation: validation,
		Store:      store,
		Epochs:     cfg.NumEpochs,
		Settings:   *cfg,
		Logger:     logger,
	}
	if cfg.Plot {
		runner.CurveFs = fs
		runner.CurvePath = filepath.Join(layout.CheckpointDir, "loss.png")
	}

	history, err := runner.Run(ctx)
	logger.Info("run finished", zap.Int("epochs_recorded", len(history)))
	return err
}

func newLoader(logger *zap.Logger, cfg *config.Config, root string, shuffle bool) (*dataset.Loader, error) {
	roots, err := dataset.DiscoverByRoot([]string{root})
	if err != nil {
		return nil, err
	}
	if len(roots[root]) == 0 {
		return nil, errors.Errorf("no shards discovered under %s", root)
	}
	loader, err := dataset.NewLoader(dataset.LoaderOptions{
		Roots:         roots,
		BatchSize:     cfg.BatchSize,
		NumWorkers:    cfg.NumWorkers,
		Preprocessing: cfg.Preprocessing,
		Seed:          cfg.Seed,
		Shuffle:       shuffle,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("dataset indexed",
		zap.String("root", root),
		zap.Int("shards", len(roots[root])),
		zap.Int("pairs", loader.Pairs()),
		zap.Int("batches", loader.Len()),
	)
	return loader, nil
}

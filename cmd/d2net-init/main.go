package main

import (
	"path/filepath"

	arg "github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"d2train/internal/logging"
	"d2train/internal/model"
)

func main() {
	args := struct {
		Out      string `arg:"--out" help:"path of the model file to write"`
		Channels int    `arg:"--channels" help:"input channels"`
		Dim      int    `arg:"--dim" help:"descriptor dimension"`
		Seed     int64  `arg:"--seed" help:"seed for the weight initialisation"`
	}{
		Out:      "models/d2net.model",
		Channels: 3,
		Dim:      64,
		Seed:     1,
	}
	arg.MustParse(&args)

	logger := logging.New(false)
	defer logger.Sync()

	if args.Channels <= 0 || args.Dim <= 0 {
		logger.Fatal("channels and dim must be > 0", zap.Int("channels", args.Channels), zap.Int("dim", args.Dim))
	}

	net, n, err := writeModel(afero.NewOsFs(), args.Out, args.Channels, args.Dim, args.Seed)
	if err != nil {
		logger.Fatal("failed to write model", zap.Error(err))
	}
	logger.Info("model written",
		zap.String("path", args.Out),
		zap.Int("params", net.PatchSize()*net.Dim()+net.Dim()),
		zap.String("size", humanize.Bytes(uint64(n))),
	)
}

// writeModel saves a freshly initialised network to path and returns it
// with the size of the written file.
func writeModel(fs afero.Fs, path string, channels, dim int, seed int64) (*model.DescriptorNet, int64, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, 0, errors.Wrapf(err, "create %s", dir)
		}
	}
	net := model.NewDescriptorNet(channels, dim, seed)
	if err := model.Save(fs, path, net.State()); err != nil {
		return nil, 0, err
	}
	info, err := fs.Stat(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "stat %s", path)
	}
	return net, info.Size(), nil
}

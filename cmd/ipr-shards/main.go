package main

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io/fs"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	arg "github.com/alexflint/go-arg"
	"github.com/pkg/errors"
	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
	"go.uber.org/zap"

	"d2train/internal/dataset"
	"d2train/internal/logging"
)

func main() {
	args := struct {
		Input    string  `arg:"--input,required" help:"directory of photos"`
		Output   string  `arg:"--output,required" help:"directory to write shards into"`
		Size     int     `arg:"--size" help:"side of the square images stored in the shards"`
		MaxAngle float64 `arg:"--max-angle" help:"largest in-plane rotation, in degrees"`
		PerShard int     `arg:"--per-shard" help:"samples per shard"`
		Seed     int64   `arg:"--seed" help:"seed for the rotation angles"`
	}{
		Size:     256,
		MaxAngle: 180,
		PerShard: 1000,
		Seed:     1,
	}
	arg.MustParse(&args)

	logger := logging.New(false)
	defer logger.Sync()

	if args.Size <= 0 {
		logger.Fatal("size must be > 0", zap.Int("size", args.Size))
	}

	photos, err := findPhotos(args.Input)
	if err != nil {
		logger.Fatal("failed to list photos", zap.Error(err))
	}
	if len(photos) == 0 {
		logger.Fatal("no photos found", zap.String("input", args.Input))
	}

	opts := buildOptions{
		Output:   args.Output,
		Size:     args.Size,
		MaxAngle: args.MaxAngle,
		PerShard: args.PerShard,
		Seed:     args.Seed,
	}
	res, err := buildShards(logger, photos, opts)
	if err != nil {
		logger.Fatal("building shards", zap.Error(err))
	}
	logger.Info("shards written",
		zap.String("output", args.Output),
		zap.Int("shards", len(res.shards)),
		zap.Int("samples", res.written),
		zap.Int("skipped", res.skipped),
	)
}

type buildOptions struct {
	Output   string
	Size     int
	MaxAngle float64
	PerShard int
	Seed     int64
}

type buildResult struct {
	shards  []string
	written int
	skipped int
}

// buildShards writes one rotated sample per readable photo. Photos that
// cannot be decoded are logged and skipped.
func buildShards(logger *zap.Logger, photos []string, opts buildOptions) (buildResult, error) {
	var res buildResult
	w, err := dataset.NewShardWriter(opts.Output, opts.PerShard)
	if err != nil {
		return res, err
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	center := float64(opts.Size-1) / 2
	var writeErr error
	err = tqdm.With(iterators.Interval(0, len(photos)), "Building shards", func(v interface{}) (brk bool) {
		path := photos[v.(int)]
		data, err := squarePNG(path, opts.Size)
		if err != nil {
			logger.Warn("skipping photo", zap.String("path", path), zap.Error(err))
			res.skipped++
			return
		}
		angle := (2*rng.Float64() - 1) * opts.MaxAngle * math.Pi / 180
		h := dataset.RotationHomography(angle, center, center)
		if err := w.Write(fmt.Sprintf("%06d", res.written), ".png", data, h); err != nil {
			writeErr = err
			return true
		}
		res.written++
		return
	})
	if err == nil {
		err = writeErr
	}
	if closeErr := w.Close(); err == nil {
		err = closeErr
	}
	res.shards = w.Shards()
	return res, err
}

func findPhotos(root string) ([]string, error) {
	var photos []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".jpg", ".jpeg", ".png":
			photos = append(photos, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", root)
	}
	sort.Strings(photos)
	return photos, nil
}

// squarePNG decodes the photo at path, resizes it to size x size with
// nearest-neighbour sampling and encodes it as PNG.
func squarePNG(path string, size int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode")
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, errors.New("empty image")
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		sy := b.Min.Y + y*b.Dy()/size
		for x := 0; x < size; x++ {
			dst.Set(x, y, src.At(b.Min.X+x*b.Dx()/size, sy))
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, errors.Wrapf(err, "encode")
	}
	return buf.Bytes(), nil
}

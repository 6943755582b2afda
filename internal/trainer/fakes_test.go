package trainer

import (
	"context"
	"math/rand"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"d2train/internal/checkpoint"
	"d2train/internal/loss"
	"d2train/internal/model"
	"d2train/internal/optim"
	"d2train/internal/trainlog"
)

// events records the order in which collaborators are invoked.
type events []string

func (e *events) add(name string) { *e = append(*e, name) }

// scriptedLoss returns losses[i] for batch index i, or NoGradient when i
// is in skip.
type scriptedLoss struct {
	losses   []float64
	skip     map[int]bool
	err      map[int]error
	events   *events
	contexts []model.BatchContext
}

func (l *scriptedLoss) Compute(m loss.Model, b model.AnnotatedBatch, rc model.RunContext, plot loss.PlotOptions) (loss.Result, error) {
	l.contexts = append(l.contexts, b.Context)
	if l.events != nil {
		l.events.add("compute")
	}
	idx := b.Context.Index
	if err := l.err[idx]; err != nil {
		return loss.Result{}, err
	}
	if l.skip[idx] {
		return loss.Skipped("no correspondences"), nil
	}
	v := l.losses[idx%len(l.losses)]
	if !b.Context.Train {
		return loss.Computed(v, nil), nil
	}
	return loss.Computed(v, func() error {
		if l.events != nil {
			l.events.add("backward")
		}
		return nil
	}), nil
}

type recordingOptimizer struct {
	events    *events
	zeroGrads int
	steps     int
	stepErr   error
}

func (o *recordingOptimizer) ZeroGrad() {
	o.zeroGrads++
	if o.events != nil {
		o.events.add("zero")
	}
}

func (o *recordingOptimizer) Step() error {
	o.steps++
	if o.events != nil {
		o.events.add("step")
	}
	return o.stepErr
}

func (o *recordingOptimizer) State() optim.State {
	return optim.State{Name: "recording", Step: o.steps}
}

// fakeStream yields n single-pair batches, then err if set.
type fakeStream struct {
	n      int
	pair   func(i int) model.Pair
	err    error
	epochs int
}

func (s *fakeStream) Len() int { return s.n }

func (s *fakeStream) Epoch(ctx context.Context) (<-chan model.Batch, <-chan error) {
	s.epochs++
	out := make(chan model.Batch)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for i := 0; i < s.n; i++ {
			pair := model.Pair{Key: string(rune('a' + i%26))}
			if s.pair != nil {
				pair = s.pair(i)
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- model.Batch{Pairs: []model.Pair{pair}}:
			}
		}
		if s.err != nil {
			errCh <- s.err
		}
	}()
	return out, errCh
}

type report struct {
	current, total int
	mean           float64
}

type recordingProgress struct {
	reports []report
}

func (p *recordingProgress) Report(current, total int, mean float64) {
	p.reports = append(p.reports, report{current, total, mean})
}

// failingStore delegates to a real store but fails for one epoch.
type failingStore struct {
	*checkpoint.Store
	failEpoch int
}

func (s failingStore) Save(c checkpoint.Checkpoint) (int64, error) {
	if c.Epoch == s.failEpoch {
		return 0, errors.New("disk full")
	}
	return s.Store.Save(c)
}

type fixture struct {
	fs       afero.Fs
	sink     *trainlog.Sink
	net      *model.DescriptorNet
	opt      *recordingOptimizer
	progress *recordingProgress
	events   *events
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	sink, err := trainlog.Open(fs, "log.txt")
	require.NoError(t, err)
	ev := &events{}
	return &fixture{
		fs:       fs,
		sink:     sink,
		net:      model.NewDescriptorNet(3, 4, 1),
		opt:      &recordingOptimizer{events: ev},
		progress: &recordingProgress{},
		events:   ev,
	}
}

func (f *fixture) driver(l LossFunc, interval int) *Driver {
	return &Driver{
		Model:     f.net,
		Loss:      l,
		Optimizer: f.opt,
		Log:       f.sink,
		Progress:  f.progress,
		Context:   model.RunContext{Device: "cpu", Seed: 1},
		Config:    EpochConfig{BatchSize: 1, Preprocessing: "caffe", LogInterval: interval},
	}
}

func (f *fixture) lines(t *testing.T) []string {
	t.Helper()
	require.NoError(t, f.sink.Flush())
	data, err := afero.ReadFile(f.fs, "log.txt")
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func randomPair(i int) model.Pair {
	rng := rand.New(rand.NewSource(int64(i)))
	img := model.NewTensor(3, 8, 8)
	for j := range img.Data {
		img.Data[j] = rng.NormFloat64()
	}
	return model.Pair{
		Key:        "pair",
		Image1:     img,
		Image2:     img,
		Homography: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
	}
}

package trainer

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"d2train/internal/checkpoint"
	"d2train/internal/config"
)

func newRunner(t *testing.T, f *fixture, store CheckpointStore, epochs int) (*Runner, *fakeStream) {
	t.Helper()
	stream := &fakeStream{n: 4}
	return &Runner{
		Driver:   f.driver(&scriptedLoss{losses: []float64{3, 1}}, 2),
		Train:    stream,
		Store:    store,
		Epochs:   epochs,
		Settings: *config.Default(),
	}, stream
}

func TestRunnerCheckpointsEveryEpoch(t *testing.T) {
	f := newFixture(t)
	store, err := checkpoint.NewStore(f.fs, "checkpoints/rord")
	require.NoError(t, err)
	r, _ := newRunner(t, f, store, 3)
	r.Validation = &fakeStream{n: 2}
	r.CurveFs = f.fs
	r.CurvePath = "checkpoints/rord/loss.png"

	history, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, rec := range history {
		assert.Equal(t, "train", rec.Mode)
		assert.Equal(t, i+1, rec.Epoch)
		assert.Equal(t, 2.0, rec.MeanLoss)
	}
	validation := r.ValidationHistory()
	require.Len(t, validation, 3)
	for _, rec := range validation {
		assert.Equal(t, "valid", rec.Mode)
	}

	epochs, err := store.Epochs()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, epochs)

	c, err := store.Load(2)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Epoch)
	assert.Len(t, c.History, 2)
	assert.Len(t, c.Validation, 2)
	assert.Equal(t, "valid", c.Validation[1].Mode)
	assert.Equal(t, f.net.State(), c.Model)
	assert.Equal(t, "rord", c.Config.CheckpointPrefix)

	exists, err := afero.Exists(f.fs, "checkpoints/rord/loss.png")
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Len(t, f.lines(t), 3*(2+1)+3*(1+1))
}

func TestRunnerCheckpointFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	store, err := checkpoint.NewStore(f.fs, "checkpoints/rord")
	require.NoError(t, err)
	r, stream := newRunner(t, f, failingStore{Store: store, failEpoch: 3}, 5)

	history, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, history, 3)
	assert.Equal(t, 3, stream.epochs)

	epochs, err := store.Epochs()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, epochs)
	for _, epoch := range []int{3, 4, 5} {
		exists, err := afero.Exists(f.fs, store.Path(epoch))
		require.NoError(t, err)
		assert.False(t, exists)
	}
}

func TestRunnerStopsWhenCanceled(t *testing.T) {
	f := newFixture(t)
	store, err := checkpoint.NewStore(f.fs, "checkpoints")
	require.NoError(t, err)
	r, stream := newRunner(t, f, store, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	history, err := r.Run(ctx)
	assert.Error(t, err)
	assert.Empty(t, history)
	assert.Equal(t, 0, stream.epochs)
}

func TestRunnerRejectsZeroEpochs(t *testing.T) {
	f := newFixture(t)
	r, _ := newRunner(t, f, nil, 0)
	_, err := r.Run(context.Background())
	assert.Error(t, err)
}

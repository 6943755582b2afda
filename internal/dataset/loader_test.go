package dataset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"d2train/internal/config"
	"d2train/internal/model"
)

func newTestLoader(t *testing.T, pairs, perShard, batchSize int) *Loader {
	t.Helper()
	dir := t.TempDir()
	loader, err := NewLoader(LoaderOptions{
		Roots:         map[string][]string{dir: writeShards(t, dir, pairs, perShard)},
		BatchSize:     batchSize,
		NumWorkers:    2,
		Preprocessing: config.PreprocessCaffe,
		Seed:          1,
		Shuffle:       true,
	})
	require.NoError(t, err)
	return loader
}

func collectEpoch(t *testing.T, ctx context.Context, l *Loader) ([]model.Batch, error) {
	t.Helper()
	batches, errs := l.Epoch(ctx)
	var out []model.Batch
	for b := range batches {
		out = append(out, b)
	}
	return out, <-errs
}

func batchKeys(batches []model.Batch) [][]string {
	var keys [][]string
	for _, b := range batches {
		var row []string
		for _, p := range b.Pairs {
			row = append(row, p.Key)
		}
		keys = append(keys, row)
	}
	return keys
}

func TestLoaderShortLastBatch(t *testing.T) {
	l := newTestLoader(t, 5, 2, 2)
	assert.Equal(t, 5, l.Pairs())
	assert.Equal(t, 3, l.Len())

	batches, err := collectEpoch(t, context.Background(), l)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Pairs, 2)
	assert.Len(t, batches[1].Pairs, 2)
	assert.Len(t, batches[2].Pairs, 1)

	pair := batches[0].Pairs[0]
	assert.Equal(t, 3, pair.Image1.C)
	assert.Equal(t, 6, pair.Image1.H)
	assert.Equal(t, 6, pair.Image2.W)
}

func TestLoaderRepeatableEpochs(t *testing.T) {
	l := newTestLoader(t, 9, 2, 3)
	first, err := collectEpoch(t, context.Background(), l)
	require.NoError(t, err)
	second, err := collectEpoch(t, context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, batchKeys(first), batchKeys(second))
	assert.Len(t, first, l.Len())
}

func TestLoaderCanceled(t *testing.T) {
	l := newTestLoader(t, 4, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := collectEpoch(t, ctx, l)
	assert.Equal(t, context.Canceled, err)
}

func TestNewLoaderValidation(t *testing.T) {
	_, err := NewLoader(LoaderOptions{BatchSize: 0})
	assert.Error(t, err)

	_, err = NewLoader(LoaderOptions{BatchSize: 1})
	assert.Error(t, err)

	dir := t.TempDir()
	w, err := NewShardWriter(dir, 1)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, err = NewLoader(LoaderOptions{Roots: map[string][]string{dir: w.Shards()}, BatchSize: 1})
	assert.Error(t, err)
}

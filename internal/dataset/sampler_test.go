package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"d2train/internal/model"
)

// writeShards writes n small PNG samples into dir, perShard per shard,
// and returns the shard paths.
func writeShards(t *testing.T, dir string, n, perShard int) []string {
	t.Helper()
	w, err := NewShardWriter(dir, perShard)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		h := identity
		if i%2 == 1 {
			h = RotationHomography(0.3, 3, 3)
		}
		require.NoError(t, w.Write(fmt.Sprintf("%06d", i), ".png", pngBytes(t, 6, 6, uint8(i)), h))
	}
	require.NoError(t, w.Close())
	return w.Shards()
}

func keyOnly(s Sample) (model.Pair, error) {
	return model.Pair{Key: s.Key, Homography: s.Homography}, nil
}

func collectKeys(t *testing.T, opts SamplerOptions) ([]string, error) {
	t.Helper()
	pairs, errs, err := StartSampler(context.Background(), opts)
	require.NoError(t, err)
	var keys []string
	for pair := range pairs {
		keys = append(keys, pair.Key)
	}
	var streamErr error
	for err := range errs {
		if err != nil && streamErr == nil {
			streamErr = err
		}
	}
	return keys, streamErr
}

func TestBuildRoundRobinOrderDeterministic(t *testing.T) {
	roots := map[string][]string{
		"/rootA": {"/rootA/shard-000000.tar", "/rootA/shard-000002.tar"},
		"/rootB": {"/rootB/shard-000001.tar"},
	}

	order1 := buildRoundRobinOrder(roots, rand.New(rand.NewSource(7)))
	order2 := buildRoundRobinOrder(roots, rand.New(rand.NewSource(7)))
	assert.Equal(t, order1, order2)
	require.Len(t, order1, 3)
	assert.NotEqual(t, order1[0].root, order1[1].root)
}

func TestBuildRoundRobinOrderUnshuffled(t *testing.T) {
	roots := map[string][]string{
		"/b": {"/b/shard-000000.tar"},
		"/a": {"/a/shard-000000.tar", "/a/shard-000001.tar"},
	}
	order := buildRoundRobinOrder(roots, nil)
	assert.Equal(t, []orderEntry{
		{root: "/a", path: "/a/shard-000000.tar"},
		{root: "/b", path: "/b/shard-000000.tar"},
		{root: "/a", path: "/a/shard-000001.tar"},
	}, order)
}

func TestSamplerDeterministicStream(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	opts := SamplerOptions{
		Roots: map[string][]string{
			dirA: writeShards(t, dirA, 7, 2),
			dirB: writeShards(t, dirB, 4, 3),
		},
		Seed:       3,
		Shuffle:    true,
		NumWorkers: 3,
		Decode:     keyOnly,
	}

	first, err := collectKeys(t, opts)
	require.NoError(t, err)
	second, err := collectKeys(t, opts)
	require.NoError(t, err)

	assert.Len(t, first, 11)
	assert.Equal(t, first, second)
}

func TestSamplerDecodeError(t *testing.T) {
	dir := t.TempDir()
	opts := SamplerOptions{
		Roots:      map[string][]string{dir: writeShards(t, dir, 4, 2)},
		NumWorkers: 2,
		Decode: func(s Sample) (model.Pair, error) {
			if s.Key == "000002" {
				return model.Pair{}, fmt.Errorf("bad sample %s", s.Key)
			}
			return keyOnly(s)
		},
	}
	keys, err := collectKeys(t, opts)
	assert.EqualError(t, err, "bad sample 000002")
	assert.Equal(t, []string{"000000", "000001"}, keys)
}

func TestStartSamplerRejectsEmpty(t *testing.T) {
	_, _, err := StartSampler(context.Background(), SamplerOptions{Decode: keyOnly})
	assert.Error(t, err)

	_, _, err = StartSampler(context.Background(), SamplerOptions{
		Roots:  map[string][]string{"/empty": nil},
		Decode: keyOnly,
	})
	assert.Error(t, err)

	_, _, err = StartSampler(context.Background(), SamplerOptions{
		Roots: map[string][]string{"/r": {"/r/shard-000000.tar"}},
	})
	assert.Error(t, err)
}

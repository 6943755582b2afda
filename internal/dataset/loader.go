package dataset

import (
	"context"

	"github.com/pkg/errors"

	"d2train/internal/model"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Roots         map[string][]string
	BatchSize     int
	NumWorkers    int
	Preprocessing string
	Seed          int64
	Shuffle       bool
	PendingCap    int
}

// Loader turns a set of shards into a finite stream of batches that is
// identical on every epoch.
type Loader struct {
	opts  LoaderOptions
	pairs int
}

// NewLoader indexes the shards and returns a Loader over them.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	pairs := 0
	shards := 0
	for _, paths := range opts.Roots {
		for _, path := range paths {
			n, err := CountPairs(path)
			if err != nil {
				return nil, errors.Wrapf(err, "index shard %s", path)
			}
			pairs += n
			shards++
		}
	}
	if shards == 0 {
		return nil, errors.New("loader: no shards")
	}
	if pairs == 0 {
		return nil, errors.Errorf("loader: %d shards hold no complete samples", shards)
	}
	return &Loader{opts: opts, pairs: pairs}, nil
}

// Pairs is the number of samples per epoch.
func (l *Loader) Pairs() int {
	return l.pairs
}

// Len is the number of batches per epoch; the last batch may be short.
func (l *Loader) Len() int {
	return (l.pairs + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Epoch streams one pass over the data. The error channel receives at most
// one error and is closed before the batch channel.
func (l *Loader) Epoch(ctx context.Context) (<-chan model.Batch, <-chan error) {
	out := make(chan model.Batch, l.opts.NumWorkers)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		pairs, pairErrs, err := StartSampler(ctx, SamplerOptions{
			Roots:      l.opts.Roots,
			Seed:       l.opts.Seed,
			Shuffle:    l.opts.Shuffle,
			NumWorkers: l.opts.NumWorkers,
			PendingCap: l.opts.PendingCap,
			Decode: func(s Sample) (model.Pair, error) {
				return DecodePair(s, l.opts.Preprocessing)
			},
		})
		if err != nil {
			errCh <- err
			return
		}

		send := func(b model.Batch) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- b:
				return true
			}
		}

		seen := 0
		current := make([]model.Pair, 0, l.opts.BatchSize)
		for pair := range pairs {
			seen++
			current = append(current, pair)
			if len(current) == l.opts.BatchSize {
				if !send(model.Batch{Pairs: current}) {
					break
				}
				current = make([]model.Pair, 0, l.opts.BatchSize)
			}
		}

		var streamErr error
		for err := range pairErrs {
			if err != nil && streamErr == nil {
				streamErr = err
			}
		}
		switch {
		case ctx.Err() != nil:
			errCh <- ctx.Err()
		case streamErr != nil:
			errCh <- streamErr
		case seen != l.pairs:
			errCh <- errors.Errorf("loader: epoch produced %d samples, index has %d", seen, l.pairs)
		case len(current) > 0:
			if !send(model.Batch{Pairs: current}) {
				errCh <- ctx.Err()
			}
		}
	}()

	return out, errCh
}

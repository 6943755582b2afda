package dataset

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"

	"d2train/internal/model"
)

const decodeAhead = 8

// SamplerOptions configures the multi-root sampler.
type SamplerOptions struct {
	Roots      map[string][]string
	Seed       int64
	Shuffle    bool
	NumWorkers int
	PendingCap int
	Decode     func(Sample) (model.Pair, error)
}

// StartSampler launches one pass over every shard. Shards are streamed and
// decoded by NumWorkers goroutines; the output preserves the job order, so
// two passes with the same options yield the same sequence.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan model.Pair, <-chan error, error) {
	if len(opts.Roots) == 0 {
		return nil, nil, errors.New("sampler: no dataset roots provided")
	}
	total := 0
	for _, shards := range opts.Roots {
		total += len(shards)
	}
	if total == 0 {
		return nil, nil, errors.New("sampler: no shards discovered")
	}
	if opts.Decode == nil {
		return nil, nil, errors.New("sampler: no decode function")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan shardJob, opts.NumWorkers)
	cursors := make(chan shardCursor, opts.NumWorkers)
	out := make(chan model.Pair, opts.NumWorkers*2)
	errCh := make(chan error, opts.NumWorkers)

	var rng *rand.Rand
	if opts.Shuffle {
		rng = rand.New(rand.NewSource(opts.Seed))
	}

	go produceJobs(ctx, jobs, buildRoundRobinOrder(opts.Roots, rng))

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, cursors, opts.PendingCap, opts.Decode)
		}()
	}

	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		runAggregator(ctx, cursors, out, errCh)
	}()

	return out, errCh, nil
}

type shardJob struct {
	id   int64
	root string
	path string
}

type shardCursor struct {
	id    int64
	pairs <-chan model.Pair
	errCh <-chan error
	done  chan struct{}
}

// worker streams one shard at a time and waits until the aggregator has
// drained it before taking the next job, which bounds the read-ahead.
func worker(ctx context.Context, jobs <-chan shardJob, cursors chan<- shardCursor, pendingCap int, decode func(Sample) (model.Pair, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			samples, errCh := StreamShard(ctx, job.path, pendingCap)
			pairs, pairErrs := decodeShard(ctx, samples, errCh, decode)
			cursor := shardCursor{id: job.id, pairs: pairs, errCh: pairErrs, done: make(chan struct{})}
			select {
			case <-ctx.Done():
				return
			case cursors <- cursor:
			}
			select {
			case <-ctx.Done():
				return
			case <-cursor.done:
			}
		}
	}
}

func decodeShard(ctx context.Context, samples <-chan Sample, errs <-chan error, decode func(Sample) (model.Pair, error)) (<-chan model.Pair, <-chan error) {
	out := make(chan model.Pair, decodeAhead)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for sample := range samples {
			pair, err := decode(sample)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- pair:
			}
		}
		if err := <-errs; err != nil {
			errCh <- err
		}
	}()
	return out, errCh
}

func runAggregator(ctx context.Context, cursors <-chan shardCursor, out chan<- model.Pair, errCh chan<- error) {
	pending := make(map[int64]shardCursor)
	var nextID int64
	for {
		cursor, ok := pending[nextID]
		if !ok {
			if cursors == nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case c, ok := <-cursors:
				if !ok {
					cursors = nil
					continue
				}
				pending[c.id] = c
			}
			continue
		}

		for pair := range cursor.pairs {
			select {
			case <-ctx.Done():
				return
			case out <- pair:
			}
		}
		close(cursor.done)
		if err := <-cursor.errCh; err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			return
		}
		delete(pending, nextID)
		nextID++
	}
}

func produceJobs(ctx context.Context, jobs chan<- shardJob, order []orderEntry) {
	defer close(jobs)
	for id, entry := range order {
		select {
		case <-ctx.Done():
			return
		case jobs <- shardJob{id: int64(id), root: entry.root, path: entry.path}:
		}
	}
}

type orderEntry struct {
	root string
	path string
}

// buildRoundRobinOrder interleaves the shards of every root. Shards within
// a root are shuffled when rng is non-nil.
func buildRoundRobinOrder(roots map[string][]string, rng *rand.Rand) []orderEntry {
	rootNames := make([]string, 0, len(roots))
	copied := make(map[string][]string, len(roots))
	for root, shards := range roots {
		if len(shards) == 0 {
			continue
		}
		rootNames = append(rootNames, root)
		copied[root] = append([]string(nil), shards...)
	}
	sort.Strings(rootNames)
	if rng != nil {
		for _, root := range rootNames {
			shards := copied[root]
			rng.Shuffle(len(shards), func(i, j int) {
				shards[i], shards[j] = shards[j], shards[i]
			})
		}
	}
	var order []orderEntry
	for {
		advanced := false
		for _, root := range rootNames {
			shards := copied[root]
			if len(shards) == 0 {
				continue
			}
			order = append(order, orderEntry{root: root, path: shards[0]})
			copied[root] = shards[1:]
			advanced = true
		}
		if !advanced {
			break
		}
	}
	return order
}

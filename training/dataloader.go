package training

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-retouch/tensor"
)

// Batch represents a batch of samples stacked along a leading dimension.
type Batch struct {
	Images   *tensor.Tensor   // [B,3,H,W]
	Targets  *tensor.Tensor   // [B,3,H,W]
	Features []*tensor.Tensor // one [B,F_i] tensor per feature
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return b.Images.Shape[0]
}

// Iterator yields the batches of one epoch. Next returns (nil, nil) once the
// epoch is complete, and the context error if the epoch was cut short by
// cancellation. Close releases the background workers and may be called at
// any point.
type Iterator interface {
	Next() (*Batch, error)
	Close()
}

// Loader produces epochs of batches.
type Loader interface {
	// Len returns the number of batches in an epoch.
	Len() int
	// Iterate starts a new epoch.
	Iterate(ctx context.Context) Iterator
}

// LoaderConfig configures a DataLoader.
type LoaderConfig struct {
	BatchSize  int
	Shuffle    bool
	NumWorkers int
	// Prefetch is the number of assembled batches buffered ahead of the
	// consumer. Zero means one.
	Prefetch int
	// Rand drives the per-epoch shuffle; required when Shuffle is set.
	Rand *rand.Rand
}

// DataLoader provides batching, shuffling, and concurrent sample loading.
// The sample order of an epoch is fixed by the shuffle before any worker
// starts, so it does not depend on worker timing.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	numWorkers int
	prefetch   int
	rng        *rand.Rand

	mu      sync.Mutex
	indices []int
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, cfg LoaderConfig) (*DataLoader, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Shuffle && cfg.Rand == nil {
		return nil, errors.New("shuffling loader needs a random source")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:    dataset,
		batchSize:  cfg.BatchSize,
		shuffle:    cfg.Shuffle,
		numWorkers: cfg.NumWorkers,
		prefetch:   cfg.Prefetch,
		rng:        cfg.Rand,
		indices:    indices,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// nextOrder returns the sample order of a new epoch.
func (dl *DataLoader) nextOrder() []int {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
	order := make([]int, len(dl.indices))
	copy(order, dl.indices)
	return order
}

// Iterate starts a new epoch. Samples are loaded by NumWorkers goroutines and
// assembled into batches in epoch order.
func (dl *DataLoader) Iterate(ctx context.Context) Iterator {
	order := dl.nextOrder()
	ctx, cancel := context.WithCancel(ctx)
	it := &loaderIterator{
		results: make(chan batchResult, dl.prefetch),
		cancel:  cancel,
	}
	go dl.produce(ctx, order, it)
	return it
}

type batchResult struct {
	batch *Batch
	err   error
}

type sampleJob struct {
	pos, index int
	samples    []Sample
	errs       []error
	wg         *sync.WaitGroup
}

func (dl *DataLoader) produce(ctx context.Context, order []int, it *loaderIterator) {
	out := it.results
	complete := false
	defer func() {
		if !complete {
			it.err = ctx.Err()
		}
		close(out)
	}()

	jobs := make(chan sampleJob)
	var workers sync.WaitGroup
	for w := 0; w < dl.numWorkers; w++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for j := range jobs {
				j.samples[j.pos], j.errs[j.pos] = dl.dataset.Get(j.index)
				j.wg.Done()
			}
		}()
	}
	defer func() {
		close(jobs)
		workers.Wait()
	}()

	for start := 0; start < len(order); start += dl.batchSize {
		end := min(start+dl.batchSize, len(order))
		batch, err := dl.load(ctx, jobs, order[start:end])
		if ctx.Err() != nil {
			return
		}
		select {
		case out <- batchResult{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
	complete = true
}

// load fans the samples of one batch out to the workers and collates them.
func (dl *DataLoader) load(ctx context.Context, jobs chan<- sampleJob, indices []int) (*Batch, error) {
	samples := make([]Sample, len(indices))
	errs := make([]error, len(indices))
	var wg sync.WaitGroup

dispatch:
	for pos, idx := range indices {
		wg.Add(1)
		select {
		case jobs <- sampleJob{pos: pos, index: idx, samples: samples, errs: errs, wg: &wg}:
		case <-ctx.Done():
			wg.Done()
			break dispatch
		}
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for pos, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "loading sample %d", indices[pos])
		}
	}
	return Collate(samples)
}

type loaderIterator struct {
	results chan batchResult
	cancel  context.CancelFunc
	once    sync.Once

	// err is set by the producer before results is closed.
	err error
}

func (it *loaderIterator) Next() (*Batch, error) {
	r, ok := <-it.results
	if !ok {
		return nil, it.err
	}
	return r.batch, r.err
}

func (it *loaderIterator) Close() {
	it.once.Do(func() {
		it.cancel()
		for range it.results {
		}
	})
}

// Collate stacks samples into a batch. Every sample must have the same image
// shape and the same number and sizes of features.
func Collate(samples []Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("collate: empty batch")
	}
	images := make([]*tensor.Tensor, len(samples))
	targets := make([]*tensor.Tensor, len(samples))
	nFeatures := len(samples[0].Features)
	features := make([][]*tensor.Tensor, nFeatures)
	for i, s := range samples {
		if len(s.Features) != nFeatures {
			return nil, errors.Errorf("collate: sample %d has %d features, expected %d", i, len(s.Features), nFeatures)
		}
		images[i] = s.Image
		targets[i] = s.Target
		for f, t := range s.Features {
			features[f] = append(features[f], t)
		}
	}

	var err error
	b := &Batch{Features: make([]*tensor.Tensor, nFeatures)}
	if b.Images, err = tensor.Stack(images); err != nil {
		return nil, errors.Wrap(err, "collate images")
	}
	if b.Targets, err = tensor.Stack(targets); err != nil {
		return nil, errors.Wrap(err, "collate targets")
	}
	for f, items := range features {
		if b.Features[f], err = tensor.Stack(items); err != nil {
			return nil, errors.Wrapf(err, "collate feature %d", f)
		}
	}
	return b, nil
}

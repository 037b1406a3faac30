package training

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-retouch/vision/dataloader"
)

// Sample is one input/target pair with its conditioning features.
type Sample = dataloader.Sample

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int
	Get(idx int) (Sample, error)
}

// Subset exposes a fixed selection of another dataset's indices.
type Subset struct {
	dataset Dataset
	indices []int
}

// NewSubset wraps dataset, exposing only indices, in the given order.
func NewSubset(dataset Dataset, indices []int) (*Subset, error) {
	n := dataset.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, errors.Errorf("subset index %d out of range [0, %d)", idx, n)
		}
	}
	own := make([]int, len(indices))
	copy(own, indices)
	return &Subset{dataset: dataset, indices: own}, nil
}

func (s *Subset) Len() int {
	return len(s.indices)
}

// Get returns sample idx of the subset.
func (s *Subset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(s.indices) {
		return Sample{}, errors.Errorf("index %d out of range for subset of %d", idx, len(s.indices))
	}
	return s.dataset.Get(s.indices[idx])
}

// Indices returns the underlying dataset indices in subset order.
func (s *Subset) Indices() []int {
	out := make([]int, len(s.indices))
	copy(out, s.indices)
	return out
}

// RandomSplit partitions dataset into a train subset of int(trainFraction*n)
// samples and a test subset holding the rest. Membership is drawn from rng.
func RandomSplit(dataset Dataset, trainFraction float64, rng *rand.Rand) (train, test *Subset, err error) {
	if trainFraction < 0 || trainFraction > 1 {
		return nil, nil, errors.Errorf("train fraction %v outside [0, 1]", trainFraction)
	}
	n := dataset.Len()
	perm := rng.Perm(n)
	nTrain := int(trainFraction * float64(n))
	if train, err = NewSubset(dataset, perm[:nTrain]); err != nil {
		return nil, nil, err
	}
	if test, err = NewSubset(dataset, perm[nTrain:]); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

// SampleIndices draws up to k distinct indices from [0, n) with rng.
func SampleIndices(n, k int, rng *rand.Rand) []int {
	if k > n {
		k = n
	}
	return rng.Perm(n)[:k]
}

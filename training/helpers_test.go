package training

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-retouch/tensor"
)

// memDataset serves samples from memory. Image.Data[0] holds the sample index
// so tests can recover the order of a batch.
type memDataset struct {
	samples []Sample
	fail    int // index whose Get fails; -1 for none
}

func newMemDataset(n, h, w int, featureDims []int, seed int64) *memDataset {
	rng := rand.New(rand.NewSource(seed))
	ds := &memDataset{fail: -1}
	for i := 0; i < n; i++ {
		img := uniform([]int{3, h, w}, -1, 1, rng)
		img.Data[0] = float32(i)
		s := Sample{
			Image:  img,
			Target: uniform([]int{3, h, w}, -1, 1, rng),
		}
		for _, d := range featureDims {
			s.Features = append(s.Features, uniform([]int{d}, 0, 1, rng))
		}
		ds.samples = append(ds.samples, s)
	}
	return ds
}

func uniform(shape []int, lo, hi float32, rng *rand.Rand) *tensor.Tensor {
	t, err := tensor.RandomUniform(shape, lo, hi, rng)
	if err != nil {
		panic(err)
	}
	return t
}

func (d *memDataset) Len() int { return len(d.samples) }

func (d *memDataset) Get(idx int) (Sample, error) {
	if idx == d.fail {
		return Sample{}, errors.Errorf("sample %d is unreadable", idx)
	}
	if idx < 0 || idx >= len(d.samples) {
		return Sample{}, errors.Errorf("index %d out of range", idx)
	}
	return d.samples[idx], nil
}

// batchIndices returns the sample indices stored in a batch by memDataset.
func batchIndices(b *Batch) []int {
	per := b.Images.NumElems / b.Size()
	out := make([]int, b.Size())
	for i := range out {
		out[i] = int(b.Images.Data[i*per])
	}
	return out
}

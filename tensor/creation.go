package tensor

import (
	"math/rand"

	"github.com/pkg/errors"
)

// New creates a tensor of the given shape. When data is nil the tensor is
// zero-filled; otherwise data is used as the backing storage without copying.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	} else if len(data) != numElems {
		return nil, errors.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// MustNew is New for shapes known to be valid; it panics on error.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape []int) (*Tensor, error) {
	return New(shape, nil)
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

func Full(shape []int, value float32) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// FromScalar creates a one-element tensor.
func FromScalar(value float32) *Tensor {
	return MustNew([]int{1}, []float32{value})
}

// RandomUniform fills a tensor with values drawn from U(low, high).
func RandomUniform(shape []int, low, high float32, rng *rand.Rand) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	span := high - low
	for i := range t.Data {
		t.Data[i] = low + rng.Float32()*span
	}
	return t, nil
}

// RandomNormal fills a tensor with values drawn from N(mean, std²).
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = mean + float32(rng.NormFloat64())*std
	}
	return t, nil
}

// Stack concatenates equally shaped tensors along a new leading dimension.
// It is a data-preparation helper and records no gradient.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, errors.New("stack: no tensors given")
	}
	first := items[0]
	shape := append([]int{len(items)}, first.Shape...)
	out, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i, item := range items {
		if !shapesEqual(item.Shape, first.Shape) {
			return nil, errors.Wrapf(ErrShapeMismatch, "stack: item %d has shape %v, expected %v", i, item.Shape, first.Shape)
		}
		copy(out.Data[i*first.NumElems:(i+1)*first.NumElems], item.Data)
	}
	return out, nil
}

package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Clone returns a deep copy of t's data, detached from the graph.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: t.NumElems,
	}
}

// Index returns element i along the leading dimension as a view with a
// leading dimension of one. The view shares storage and records no gradient.
func (t *Tensor) Index(i int) (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, errors.Errorf("index: tensor of shape %v has no batch dimension", t.Shape)
	}
	if i < 0 || i >= t.Shape[0] {
		return nil, errors.Errorf("index %d out of range [0, %d)", i, t.Shape[0])
	}
	inner := t.NumElems / t.Shape[0]
	shape := append([]int{1}, t.Shape[1:]...)
	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     t.Data[i*inner : (i+1)*inner],
		NumElems: inner,
	}, nil
}

// CopyFrom overwrites t's values with src's; shapes must hold the same number of elements.
func (t *Tensor) CopyFrom(src []float32) error {
	if len(src) != len(t.Data) {
		return errors.Wrapf(ErrShapeMismatch, "copy: %d values into tensor of %d", len(src), len(t.Data))
	}
	copy(t.Data, src)
	return nil
}

// AllClose reports whether a and b have equal shapes and element-wise
// differences within tol.
func AllClose(a, b *Tensor, tol float64) bool {
	if !SameShape(a, b) {
		return false
	}
	for i := range a.Data {
		if math.Abs(float64(a.Data[i]-b.Data[i])) > tol {
			return false
		}
	}
	return true
}

// HasNaN reports whether any element is NaN or infinite.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// Summary renders shape and value range, for debugging.
func (t *Tensor) Summary() string {
	if len(t.Data) == 0 {
		return t.String()
	}
	lo, hi := t.Data[0], t.Data[0]
	var sum float64
	for _, v := range t.Data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		sum += float64(v)
	}
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString(fmt.Sprintf(" min=%.4f max=%.4f mean=%.4f", lo, hi, sum/float64(len(t.Data))))
	return sb.String()
}

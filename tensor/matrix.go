package tensor

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

type matMulOp struct {
	a, b *Tensor
}

func (op *matMulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *matMulOp) Backward(gradOut *Tensor) []*Tensor {
	n, k := op.a.Shape[0], op.a.Shape[1]
	m := op.b.Shape[1]
	g := general(n, m, gradOut.Data)
	var ga, gb *Tensor
	if needsGrad(op.a) {
		ga = like(op.a)
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, g, general(k, m, op.b.Data), 0, general(n, k, ga.Data))
	}
	if needsGrad(op.b) {
		gb = like(op.b)
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(n, k, op.a.Data), g, 0, general(k, m, gb.Data))
	}
	return []*Tensor{ga, gb}
}

// MatMul multiplies a [N,K] by b [K,M].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 || a.Shape[1] != b.Shape[0] {
		return nil, errors.Wrapf(ErrShapeMismatch, "matmul: %v x %v", a.Shape, b.Shape)
	}
	n, k, m := a.Shape[0], a.Shape[1], b.Shape[1]
	out := MustNew([]int{n, m}, nil)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(n, k, a.Data), general(k, m, b.Data), 0, general(n, m, out.Data))
	return attach(out, &matMulOp{a: a, b: b}), nil
}

type addRowVectorOp struct {
	x, v *Tensor
}

func (op *addRowVectorOp) Inputs() []*Tensor { return []*Tensor{op.x, op.v} }

func (op *addRowVectorOp) Backward(gradOut *Tensor) []*Tensor {
	var gx, gv *Tensor
	if needsGrad(op.x) {
		gx = gradOut
	}
	if needsGrad(op.v) {
		m := op.v.NumElems
		gv = like(op.v)
		for i, g := range gradOut.Data {
			gv.Data[i%m] += g
		}
	}
	return []*Tensor{gx, gv}
}

// AddRowVector adds v [M] to every row of x [N,M].
func AddRowVector(x, v *Tensor) (*Tensor, error) {
	if len(x.Shape) != 2 || v.NumElems != x.Shape[1] {
		return nil, errors.Wrapf(ErrShapeMismatch, "add row vector: %v + %v", x.Shape, v.Shape)
	}
	out := like(x)
	m := v.NumElems
	for i, val := range x.Data {
		out.Data[i] = val + v.Data[i%m]
	}
	return attach(out, &addRowVectorOp{x: x, v: v}), nil
}

type reshapeOp struct {
	a *Tensor
}

func (op *reshapeOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *reshapeOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{MustNew(op.a.Shape, gradOut.Data)}
}

// Reshape returns a view of a with a new shape holding the same number of
// elements. A single -1 dimension is inferred.
func Reshape(a *Tensor, shape []int) (*Tensor, error) {
	s := make([]int, len(shape))
	copy(s, shape)
	known, infer := 1, -1
	for i, d := range s {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d <= 0:
			return nil, errors.Errorf("reshape: invalid dimension %d at index %d", d, i)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || a.NumElems%known != 0 {
			return nil, errors.Wrapf(ErrShapeMismatch, "reshape: cannot infer dimension of %v from %d elements", shape, a.NumElems)
		}
		s[infer] = a.NumElems / known
		known *= s[infer]
	}
	if known != a.NumElems {
		return nil, errors.Wrapf(ErrShapeMismatch, "reshape: %v into %v", a.Shape, shape)
	}
	out := MustNew(s, a.Data)
	return attach(out, &reshapeOp{a: a}), nil
}

type concatOp struct {
	inputs []*Tensor
}

func (op *concatOp) Inputs() []*Tensor { return op.inputs }

func (op *concatOp) Backward(gradOut *Tensor) []*Tensor {
	outer := gradOut.Shape[0]
	rowOut := gradOut.NumElems / outer
	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		row := in.NumElems / outer
		if needsGrad(in) {
			gi := like(in)
			for n := 0; n < outer; n++ {
				copy(gi.Data[n*row:(n+1)*row], gradOut.Data[n*rowOut+offset:n*rowOut+offset+row])
			}
			grads[i] = gi
		}
		offset += row
	}
	return grads
}

// Concat joins tensors along dimension 1 (channels for NCHW, features for NF).
// All other dimensions must agree.
func Concat(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("concat: no tensors given")
	}
	first := inputs[0]
	if len(first.Shape) < 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "concat: tensor of shape %v has no dimension 1", first.Shape)
	}
	channels := 0
	for _, in := range inputs {
		if len(in.Shape) != len(first.Shape) || in.Shape[0] != first.Shape[0] || !shapesEqual(in.Shape[2:], first.Shape[2:]) {
			return nil, errors.Wrapf(ErrShapeMismatch, "concat: %v vs %v", in.Shape, first.Shape)
		}
		channels += in.Shape[1]
	}
	shape := make([]int, len(first.Shape))
	copy(shape, first.Shape)
	shape[1] = channels
	out := MustNew(shape, nil)

	outer := shape[0]
	rowOut := out.NumElems / outer
	offset := 0
	for _, in := range inputs {
		row := in.NumElems / outer
		for n := 0; n < outer; n++ {
			copy(out.Data[n*rowOut+offset:n*rowOut+offset+row], in.Data[n*row:(n+1)*row])
		}
		offset += row
	}
	return attach(out, &concatOp{inputs: inputs}), nil
}

type tileOp struct {
	a    *Tensor
	area int
}

func (op *tileOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *tileOp) Backward(gradOut *Tensor) []*Tensor {
	ga := like(op.a)
	for i := range ga.Data {
		var sum float32
		for _, v := range gradOut.Data[i*op.area : (i+1)*op.area] {
			sum += v
		}
		ga.Data[i] = sum
	}
	return []*Tensor{ga}
}

// Tile spreads a [N,F] vector over an H×W grid, producing [N,F,H,W].
func Tile(a *Tensor, h, w int) (*Tensor, error) {
	if len(a.Shape) != 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "tile: expected [N,F], got %v", a.Shape)
	}
	out, err := New([]int{a.Shape[0], a.Shape[1], h, w}, nil)
	if err != nil {
		return nil, err
	}
	area := h * w
	for i, v := range a.Data {
		plane := out.Data[i*area : (i+1)*area]
		for j := range plane {
			plane[j] = v
		}
	}
	return attach(out, &tileOp{a: a, area: area}), nil
}

type globalAvgPoolOp struct {
	a    *Tensor
	area int
}

func (op *globalAvgPoolOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *globalAvgPoolOp) Backward(gradOut *Tensor) []*Tensor {
	ga := like(op.a)
	inv := 1 / float32(op.area)
	for i, g := range gradOut.Data {
		plane := ga.Data[i*op.area : (i+1)*op.area]
		for j := range plane {
			plane[j] = g * inv
		}
	}
	return []*Tensor{ga}
}

// GlobalAvgPool averages each channel of a [N,C,H,W] tensor, producing [N,C].
func GlobalAvgPool(a *Tensor) (*Tensor, error) {
	if len(a.Shape) != 4 {
		return nil, errors.Wrapf(ErrShapeMismatch, "global avg pool: expected NCHW, got %v", a.Shape)
	}
	area := a.Shape[2] * a.Shape[3]
	out := MustNew([]int{a.Shape[0], a.Shape[1]}, nil)
	for i := range out.Data {
		var sum float64
		for _, v := range a.Data[i*area : (i+1)*area] {
			sum += float64(v)
		}
		out.Data[i] = float32(sum / float64(area))
	}
	return attach(out, &globalAvgPoolOp{a: a, area: area}), nil
}

type softmaxOp struct {
	a, out *Tensor
}

func (op *softmaxOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *softmaxOp) Backward(gradOut *Tensor) []*Tensor {
	k := op.a.Shape[1]
	ga := like(op.a)
	for r := 0; r < op.a.Shape[0]; r++ {
		y := op.out.Data[r*k : (r+1)*k]
		g := gradOut.Data[r*k : (r+1)*k]
		var dot float32
		for j := range y {
			dot += y[j] * g[j]
		}
		for j := range y {
			ga.Data[r*k+j] = y[j] * (g[j] - dot)
		}
	}
	return []*Tensor{ga}
}

// Softmax normalizes each row of a [N,K] tensor into a probability distribution.
func Softmax(a *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "softmax: expected [N,K], got %v", a.Shape)
	}
	k := a.Shape[1]
	out := like(a)
	for r := 0; r < a.Shape[0]; r++ {
		row := a.Data[r*k : (r+1)*k]
		maxV := row[0]
		for _, v := range row[1:] {
			if v > maxV {
				maxV = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxV))
			out.Data[r*k+j] = float32(e)
			sum += e
		}
		for j := range row {
			out.Data[r*k+j] = float32(float64(out.Data[r*k+j]) / sum)
		}
	}
	return attach(out, &softmaxOp{a: a, out: out}), nil
}

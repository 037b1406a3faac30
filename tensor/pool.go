package tensor

import (
	"github.com/pkg/errors"
)

type maxPoolOp struct {
	a      *Tensor
	argmax []int
}

func (op *maxPoolOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *maxPoolOp) Backward(gradOut *Tensor) []*Tensor {
	ga := like(op.a)
	for i, g := range gradOut.Data {
		ga.Data[op.argmax[i]] += g
	}
	return []*Tensor{ga}
}

// MaxPool2D takes the maximum over non-overlapping size×size windows of a
// [N,C,H,W] tensor. Trailing rows and columns that do not fill a window are
// dropped.
func MaxPool2D(a *Tensor, size int) (*Tensor, error) {
	if len(a.Shape) != 4 {
		return nil, errors.Wrapf(ErrShapeMismatch, "max pool: expected NCHW, got %v", a.Shape)
	}
	n, c, h, w := a.Shape[0], a.Shape[1], a.Shape[2], a.Shape[3]
	if size <= 0 || h < size || w < size {
		return nil, errors.Wrapf(ErrShapeMismatch, "max pool: window %d does not fit %dx%d", size, h, w)
	}
	oh, ow := h/size, w/size
	out := MustNew([]int{n, c, oh, ow}, nil)
	argmax := make([]int, out.NumElems)

	o := 0
	for p := 0; p < n*c; p++ {
		base := p * h * w
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				best := base + y*size*w + x*size
				for dy := 0; dy < size; dy++ {
					row := base + (y*size+dy)*w + x*size
					for dx := 0; dx < size; dx++ {
						if a.Data[row+dx] > a.Data[best] {
							best = row + dx
						}
					}
				}
				out.Data[o] = a.Data[best]
				argmax[o] = best
				o++
			}
		}
	}
	return attach(out, &maxPoolOp{a: a, argmax: argmax}), nil
}

type resizeNearestOp struct {
	a   *Tensor
	src []int
}

func (op *resizeNearestOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *resizeNearestOp) Backward(gradOut *Tensor) []*Tensor {
	ga := like(op.a)
	area := gradOut.Shape[2] * gradOut.Shape[3]
	inArea := op.a.Shape[2] * op.a.Shape[3]
	for p := 0; p < op.a.Shape[0]*op.a.Shape[1]; p++ {
		g := gradOut.Data[p*area : (p+1)*area]
		dst := ga.Data[p*inArea : (p+1)*inArea]
		for i, v := range g {
			dst[op.src[i]] += v
		}
	}
	return []*Tensor{ga}
}

// ResizeNearest scales the spatial dimensions of a [N,C,H,W] tensor to oh×ow
// with nearest-neighbour sampling. Output pixel (y, x) reads input pixel
// (y*H/oh, x*W/ow), so any target size, including odd ones, is reachable.
func ResizeNearest(a *Tensor, oh, ow int) (*Tensor, error) {
	if len(a.Shape) != 4 {
		return nil, errors.Wrapf(ErrShapeMismatch, "resize: expected NCHW, got %v", a.Shape)
	}
	h, w := a.Shape[2], a.Shape[3]
	out, err := New([]int{a.Shape[0], a.Shape[1], oh, ow}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "resize")
	}

	src := make([]int, oh*ow)
	for y := 0; y < oh; y++ {
		sy := y * h / oh
		for x := 0; x < ow; x++ {
			src[y*ow+x] = sy*w + x*w/ow
		}
	}
	area, inArea := oh*ow, h*w
	for p := 0; p < a.Shape[0]*a.Shape[1]; p++ {
		in := a.Data[p*inArea : (p+1)*inArea]
		dst := out.Data[p*area : (p+1)*area]
		for i, s := range src {
			dst[i] = in[s]
		}
	}
	return attach(out, &resizeNearestOp{a: a, src: src}), nil
}

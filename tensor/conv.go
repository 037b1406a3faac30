package tensor

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ConvOptions configures a 2D convolution. Zero values mean stride 1,
// dilation 1 and no padding.
type ConvOptions struct {
	Stride   int
	Padding  int
	Dilation int
}

func (o ConvOptions) normalized() ConvOptions {
	if o.Stride <= 0 {
		o.Stride = 1
	}
	if o.Dilation <= 0 {
		o.Dilation = 1
	}
	if o.Padding < 0 {
		o.Padding = 0
	}
	return o
}

// ConvOutputSize returns the spatial output size of a convolution along one axis.
func ConvOutputSize(in, kernel int, o ConvOptions) int {
	o = o.normalized()
	return (in+2*o.Padding-o.Dilation*(kernel-1)-1)/o.Stride + 1
}

// convGeometry holds the sizes shared by the forward and backward passes.
type convGeometry struct {
	n, c, h, w     int
	o, kh, kw      int
	oh, ow         int
	stride, pad, d int
}

func (g convGeometry) outArea() int { return g.oh * g.ow }

// gather copies the input samples touched by kernel tap (ky, kx) into dst,
// laid out as a [C, OH*OW] matrix. Positions that fall into the padding are zero.
func (g convGeometry) gather(dst, src []float32, ky, kx int) {
	area := g.outArea()
	for c := 0; c < g.c; c++ {
		plane := src[c*g.h*g.w : (c+1)*g.h*g.w]
		row := dst[c*area : (c+1)*area]
		for y := 0; y < g.oh; y++ {
			iy := y*g.stride + ky*g.d - g.pad
			out := row[y*g.ow : (y+1)*g.ow]
			if iy < 0 || iy >= g.h {
				for x := range out {
					out[x] = 0
				}
				continue
			}
			line := plane[iy*g.w : (iy+1)*g.w]
			for x := range out {
				ix := x*g.stride + kx*g.d - g.pad
				if ix < 0 || ix >= g.w {
					out[x] = 0
				} else {
					out[x] = line[ix]
				}
			}
		}
	}
}

// scatter is the adjoint of gather: it accumulates src into dst.
func (g convGeometry) scatter(dst, src []float32, ky, kx int) {
	area := g.outArea()
	for c := 0; c < g.c; c++ {
		plane := dst[c*g.h*g.w : (c+1)*g.h*g.w]
		row := src[c*area : (c+1)*area]
		for y := 0; y < g.oh; y++ {
			iy := y*g.stride + ky*g.d - g.pad
			if iy < 0 || iy >= g.h {
				continue
			}
			line := plane[iy*g.w : (iy+1)*g.w]
			in := row[y*g.ow : (y+1)*g.ow]
			for x, v := range in {
				ix := x*g.stride + kx*g.d - g.pad
				if ix >= 0 && ix < g.w {
					line[ix] += v
				}
			}
		}
	}
}

// packTaps rearranges weights [O,C,KH,KW] into one [O,C] matrix per kernel tap.
func (g convGeometry) packTaps(weights []float32) [][]float32 {
	taps := make([][]float32, g.kh*g.kw)
	k := g.kh * g.kw
	for t := range taps {
		m := make([]float32, g.o*g.c)
		for o := 0; o < g.o; o++ {
			for c := 0; c < g.c; c++ {
				m[o*g.c+c] = weights[(o*g.c+c)*k+t]
			}
		}
		taps[t] = m
	}
	return taps
}

type conv2DOp struct {
	x, w, b *Tensor
	geom    convGeometry
}

// Inputs may contain a nil bias; the graph walker skips nil inputs.
func (op *conv2DOp) Inputs() []*Tensor { return []*Tensor{op.x, op.w, op.b} }

func (op *conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	g := op.geom
	area := g.outArea()
	k := g.kh * g.kw
	inSize := g.c * g.h * g.w
	outSize := g.o * area

	var gx, gw, gb *Tensor
	var taps, tapGrads [][]float32
	if needsGrad(op.x) {
		gx = like(op.x)
		taps = g.packTaps(op.w.Data)
	}
	if needsGrad(op.w) {
		gw = like(op.w)
		tapGrads = make([][]float32, k)
		for t := range tapGrads {
			tapGrads[t] = make([]float32, g.o*g.c)
		}
	}
	if needsGrad(op.b) {
		gb = like(op.b)
		for n := 0; n < g.n; n++ {
			for o := 0; o < g.o; o++ {
				var sum float32
				for _, v := range gradOut.Data[n*outSize+o*area : n*outSize+(o+1)*area] {
					sum += v
				}
				gb.Data[o] += sum
			}
		}
	}

	cols := make([]float32, g.c*area)
	for n := 0; n < g.n; n++ {
		x := op.x.Data[n*inSize : (n+1)*inSize]
		gy := general(g.o, area, gradOut.Data[n*outSize:(n+1)*outSize])
		for t := 0; t < k; t++ {
			ky, kx := t/g.kw, t%g.kw
			if gw != nil {
				g.gather(cols, x, ky, kx)
				// dW_t[O,C] += dY[O,P] · cols[C,P]ᵀ
				blas32.Gemm(blas.NoTrans, blas.Trans, 1, gy, general(g.c, area, cols), 1, general(g.o, g.c, tapGrads[t]))
			}
			if gx != nil {
				// dcols[C,P] = W_t[O,C]ᵀ · dY[O,P]
				blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(g.o, g.c, taps[t]), gy, 0, general(g.c, area, cols))
				g.scatter(gx.Data[n*inSize:(n+1)*inSize], cols, ky, kx)
			}
		}
	}

	if gw != nil {
		for t, m := range tapGrads {
			for o := 0; o < g.o; o++ {
				for c := 0; c < g.c; c++ {
					gw.Data[(o*g.c+c)*k+t] = m[o*g.c+c]
				}
			}
		}
	}
	return []*Tensor{gx, gw, gb}
}

// Conv2D convolves x [N,C,H,W] with weights [O,C,KH,KW] and adds the optional
// bias [O]. Each kernel tap is evaluated as one GEMM over a shifted copy of
// the input, which keeps the scratch space at C×OH×OW floats.
func Conv2D(x, w, b *Tensor, opts ConvOptions) (*Tensor, error) {
	if len(x.Shape) != 4 || len(w.Shape) != 4 {
		return nil, errors.Wrapf(ErrShapeMismatch, "conv2d: input %v, weights %v", x.Shape, w.Shape)
	}
	if x.Shape[1] != w.Shape[1] {
		return nil, errors.Wrapf(ErrShapeMismatch, "conv2d: input has %d channels, weights expect %d", x.Shape[1], w.Shape[1])
	}
	if b != nil && b.NumElems != w.Shape[0] {
		return nil, errors.Wrapf(ErrShapeMismatch, "conv2d: bias %v for %d filters", b.Shape, w.Shape[0])
	}
	opts = opts.normalized()
	g := convGeometry{
		n: x.Shape[0], c: x.Shape[1], h: x.Shape[2], w: x.Shape[3],
		o: w.Shape[0], kh: w.Shape[2], kw: w.Shape[3],
		stride: opts.Stride, pad: opts.Padding, d: opts.Dilation,
	}
	g.oh = ConvOutputSize(g.h, g.kh, opts)
	g.ow = ConvOutputSize(g.w, g.kw, opts)
	if g.oh <= 0 || g.ow <= 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "conv2d: kernel %dx%d does not fit input %dx%d", g.kh, g.kw, g.h, g.w)
	}

	out := MustNew([]int{g.n, g.o, g.oh, g.ow}, nil)
	area := g.outArea()
	inSize := g.c * g.h * g.w
	outSize := g.o * area
	taps := g.packTaps(w.Data)
	cols := make([]float32, g.c*area)

	for n := 0; n < g.n; n++ {
		xs := x.Data[n*inSize : (n+1)*inSize]
		y := out.Data[n*outSize : (n+1)*outSize]
		if b != nil {
			for o := 0; o < g.o; o++ {
				plane := y[o*area : (o+1)*area]
				for i := range plane {
					plane[i] = b.Data[o]
				}
			}
		}
		for t := range taps {
			g.gather(cols, xs, t/g.kw, t%g.kw)
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(g.o, g.c, taps[t]), general(g.c, area, cols), 1, general(g.o, area, y))
		}
	}

	return attach(out, &conv2DOp{x: x, w: w, b: b, geom: g}), nil
}

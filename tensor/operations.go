package tensor

import (
	"math"

	"github.com/pkg/errors"
)

func checkSameShape(op string, a, b *Tensor) error {
	if !shapesEqual(a.Shape, b.Shape) {
		return errors.Wrapf(ErrShapeMismatch, "%s: %v vs %v", op, a.Shape, b.Shape)
	}
	return nil
}

func like(t *Tensor) *Tensor {
	return MustNew(t.Shape, nil)
}

// binaryOp covers the element-wise operations whose gradients depend only on
// the operands and the incoming gradient.
type binaryOp struct {
	a, b     *Tensor
	backward func(g, a, b *Tensor) (ga, gb *Tensor)
}

func (op *binaryOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *binaryOp) Backward(gradOut *Tensor) []*Tensor {
	ga, gb := op.backward(gradOut, op.a, op.b)
	if !needsGrad(op.a) {
		ga = nil
	}
	if !needsGrad(op.b) {
		gb = nil
	}
	return []*Tensor{ga, gb}
}

// Add returns a + b.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape("add", a, b); err != nil {
		return nil, err
	}
	out := like(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return attach(out, &binaryOp{a: a, b: b, backward: func(g, _, _ *Tensor) (*Tensor, *Tensor) {
		return g, g
	}}), nil
}

// Sub returns a - b.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape("sub", a, b); err != nil {
		return nil, err
	}
	out := like(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return attach(out, &binaryOp{a: a, b: b, backward: func(g, _, b *Tensor) (*Tensor, *Tensor) {
		var gb *Tensor
		if needsGrad(b) {
			gb = like(g)
			for i, v := range g.Data {
				gb.Data[i] = -v
			}
		}
		return g, gb
	}}), nil
}

// Mul returns the element-wise product a * b.
func Mul(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape("mul", a, b); err != nil {
		return nil, err
	}
	out := like(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return attach(out, &binaryOp{a: a, b: b, backward: func(g, a, b *Tensor) (*Tensor, *Tensor) {
		var ga, gb *Tensor
		if needsGrad(a) {
			ga = like(g)
			for i, v := range g.Data {
				ga.Data[i] = v * b.Data[i]
			}
		}
		if needsGrad(b) {
			gb = like(g)
			for i, v := range g.Data {
				gb.Data[i] = v * a.Data[i]
			}
		}
		return ga, gb
	}}), nil
}

// Div returns the element-wise quotient a / b.
func Div(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape("div", a, b); err != nil {
		return nil, err
	}
	out := like(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] / b.Data[i]
	}
	return attach(out, &binaryOp{a: a, b: b, backward: func(g, a, b *Tensor) (*Tensor, *Tensor) {
		var ga, gb *Tensor
		if needsGrad(a) {
			ga = like(g)
			for i, v := range g.Data {
				ga.Data[i] = v / b.Data[i]
			}
		}
		if needsGrad(b) {
			gb = like(g)
			for i, v := range g.Data {
				d := b.Data[i]
				gb.Data[i] = -v * a.Data[i] / (d * d)
			}
		}
		return ga, gb
	}}), nil
}

// unaryOp covers element-wise functions of a single operand.
type unaryOp struct {
	a        *Tensor
	out      *Tensor
	backward func(g, a, out *Tensor) *Tensor
}

func (op *unaryOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *unaryOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{op.backward(gradOut, op.a, op.out)}
}

func unary(a *Tensor, f func(float32) float32, backward func(g, a, out *Tensor) *Tensor) *Tensor {
	out := like(a)
	for i, v := range a.Data {
		out.Data[i] = f(v)
	}
	return attach(out, &unaryOp{a: a, out: out, backward: backward})
}

// Scale returns a * s.
func Scale(a *Tensor, s float32) *Tensor {
	return unary(a, func(v float32) float32 { return v * s }, func(g, _, _ *Tensor) *Tensor {
		ga := like(g)
		for i, v := range g.Data {
			ga.Data[i] = v * s
		}
		return ga
	})
}

// AddScalar returns a + s.
func AddScalar(a *Tensor, s float32) *Tensor {
	return unary(a, func(v float32) float32 { return v + s }, func(g, _, _ *Tensor) *Tensor {
		return g
	})
}

// Square returns a².
func Square(a *Tensor) *Tensor {
	return unary(a, func(v float32) float32 { return v * v }, func(g, a, _ *Tensor) *Tensor {
		ga := like(g)
		for i, v := range g.Data {
			ga.Data[i] = 2 * a.Data[i] * v
		}
		return ga
	})
}

// Abs returns |a|. The subgradient at zero is zero.
func Abs(a *Tensor) *Tensor {
	return unary(a, func(v float32) float32 {
		if v < 0 {
			return -v
		}
		return v
	}, func(g, a, _ *Tensor) *Tensor {
		ga := like(g)
		for i, v := range g.Data {
			switch x := a.Data[i]; {
			case x > 0:
				ga.Data[i] = v
			case x < 0:
				ga.Data[i] = -v
			}
		}
		return ga
	})
}

// LeakyReLU returns max(a, slope*a).
func LeakyReLU(a *Tensor, slope float32) *Tensor {
	return unary(a, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return v * slope
	}, func(g, a, _ *Tensor) *Tensor {
		ga := like(g)
		for i, v := range g.Data {
			if a.Data[i] > 0 {
				ga.Data[i] = v
			} else {
				ga.Data[i] = v * slope
			}
		}
		return ga
	})
}

// ReLU returns max(a, 0).
func ReLU(a *Tensor) *Tensor {
	return LeakyReLU(a, 0)
}

// Tanh returns tanh(a).
func Tanh(a *Tensor) *Tensor {
	return unary(a, func(v float32) float32 {
		return float32(math.Tanh(float64(v)))
	}, func(g, _, out *Tensor) *Tensor {
		ga := like(g)
		for i, v := range g.Data {
			y := out.Data[i]
			ga.Data[i] = v * (1 - y*y)
		}
		return ga
	})
}

// Sigmoid returns 1 / (1 + exp(-a)).
func Sigmoid(a *Tensor) *Tensor {
	return unary(a, func(v float32) float32 {
		return float32(1 / (1 + math.Exp(-float64(v))))
	}, func(g, _, out *Tensor) *Tensor {
		ga := like(g)
		for i, v := range g.Data {
			y := out.Data[i]
			ga.Data[i] = v * y * (1 - y)
		}
		return ga
	})
}

type meanOp struct {
	a *Tensor
}

func (op *meanOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *meanOp) Backward(gradOut *Tensor) []*Tensor {
	ga := like(op.a)
	v := gradOut.Data[0] / float32(op.a.NumElems)
	for i := range ga.Data {
		ga.Data[i] = v
	}
	return []*Tensor{ga}
}

// Mean reduces all elements to a one-element tensor.
func Mean(a *Tensor) *Tensor {
	var sum float64
	for _, v := range a.Data {
		sum += float64(v)
	}
	out := FromScalar(float32(sum / float64(a.NumElems)))
	return attach(out, &meanOp{a: a})
}

type scaleByOp struct {
	a, s *Tensor
}

func (op *scaleByOp) Inputs() []*Tensor { return []*Tensor{op.a, op.s} }

func (op *scaleByOp) Backward(gradOut *Tensor) []*Tensor {
	var ga, gs *Tensor
	s := op.s.Data[0]
	if needsGrad(op.a) {
		ga = like(op.a)
		for i, v := range gradOut.Data {
			ga.Data[i] = v * s
		}
	}
	if needsGrad(op.s) {
		var sum float64
		for i, v := range gradOut.Data {
			sum += float64(v * op.a.Data[i])
		}
		gs = FromScalar(float32(sum))
	}
	return []*Tensor{ga, gs}
}

// ScaleBy multiplies every element of a by the one-element tensor s, which
// may itself be a trainable parameter.
func ScaleBy(a, s *Tensor) (*Tensor, error) {
	if s.NumElems != 1 {
		return nil, errors.Wrapf(ErrShapeMismatch, "scale by: expected scalar, got shape %v", s.Shape)
	}
	out := like(a)
	v := s.Data[0]
	for i, x := range a.Data {
		out.Data[i] = x * v
	}
	return attach(out, &scaleByOp{a: a, s: s}), nil
}

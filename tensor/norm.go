package tensor

import (
	"math"

	"github.com/pkg/errors"
)

// BatchStats are the per-channel statistics computed by a training-mode
// batch normalization, used by callers to update running estimates.
type BatchStats struct {
	Mean     []float32
	Variance []float32 // biased
	Count    int       // elements per channel
}

type batchNormOp struct {
	x, gamma, beta *Tensor
	xhat           []float32
	invStd         []float32
	batchStats     bool
}

func (op *batchNormOp) Inputs() []*Tensor { return []*Tensor{op.x, op.gamma, op.beta} }

func (op *batchNormOp) Backward(gradOut *Tensor) []*Tensor {
	n, c := op.x.Shape[0], op.x.Shape[1]
	area := op.x.Shape[2] * op.x.Shape[3]
	m := float32(n * area)

	sumG := make([]float32, c)
	sumGX := make([]float32, c)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			off := (b*c + ch) * area
			for i := off; i < off+area; i++ {
				sumG[ch] += gradOut.Data[i]
				sumGX[ch] += gradOut.Data[i] * op.xhat[i]
			}
		}
	}

	var gx, gg, gb *Tensor
	if needsGrad(op.x) {
		gx = like(op.x)
		for b := 0; b < n; b++ {
			for ch := 0; ch < c; ch++ {
				scale := op.invStd[ch]
				if op.gamma != nil {
					scale *= op.gamma.Data[ch]
				}
				off := (b*c + ch) * area
				for i := off; i < off+area; i++ {
					if op.batchStats {
						gx.Data[i] = scale / m * (m*gradOut.Data[i] - sumG[ch] - op.xhat[i]*sumGX[ch])
					} else {
						gx.Data[i] = scale * gradOut.Data[i]
					}
				}
			}
		}
	}
	if needsGrad(op.gamma) {
		gg = MustNew(op.gamma.Shape, sumGX)
	}
	if needsGrad(op.beta) {
		gb = MustNew(op.beta.Shape, sumG)
	}
	return []*Tensor{gx, gg, gb}
}

func checkNormArgs(x, gamma, beta *Tensor) error {
	if len(x.Shape) != 4 {
		return errors.Wrapf(ErrShapeMismatch, "batch norm: expected NCHW, got %v", x.Shape)
	}
	c := x.Shape[1]
	if gamma != nil && gamma.NumElems != c {
		return errors.Wrapf(ErrShapeMismatch, "batch norm: gamma %v for %d channels", gamma.Shape, c)
	}
	if beta != nil && beta.NumElems != c {
		return errors.Wrapf(ErrShapeMismatch, "batch norm: beta %v for %d channels", beta.Shape, c)
	}
	return nil
}

// BatchNorm2D normalizes each channel of x [N,C,H,W] with the statistics of
// the current batch, then applies the optional affine gamma and beta [C].
func BatchNorm2D(x, gamma, beta *Tensor, eps float32) (*Tensor, BatchStats, error) {
	if err := checkNormArgs(x, gamma, beta); err != nil {
		return nil, BatchStats{}, err
	}
	n, c := x.Shape[0], x.Shape[1]
	area := x.Shape[2] * x.Shape[3]
	count := n * area

	stats := BatchStats{Mean: make([]float32, c), Variance: make([]float32, c), Count: count}
	for ch := 0; ch < c; ch++ {
		var sum, sq float64
		for b := 0; b < n; b++ {
			for _, v := range x.Data[(b*c+ch)*area : (b*c+ch+1)*area] {
				sum += float64(v)
				sq += float64(v) * float64(v)
			}
		}
		mean := sum / float64(count)
		stats.Mean[ch] = float32(mean)
		stats.Variance[ch] = float32(math.Max(sq/float64(count)-mean*mean, 0))
	}
	out, op := normalize(x, gamma, beta, stats.Mean, stats.Variance, eps)
	op.batchStats = true
	return attach(out, op), stats, nil
}

// BatchNorm2DInference normalizes x with fixed running statistics.
func BatchNorm2DInference(x, gamma, beta *Tensor, mean, variance []float32, eps float32) (*Tensor, error) {
	if err := checkNormArgs(x, gamma, beta); err != nil {
		return nil, err
	}
	if len(mean) != x.Shape[1] || len(variance) != x.Shape[1] {
		return nil, errors.Wrapf(ErrShapeMismatch, "batch norm: %d running statistics for %d channels", len(mean), x.Shape[1])
	}
	out, op := normalize(x, gamma, beta, mean, variance, eps)
	return attach(out, op), nil
}

func normalize(x, gamma, beta *Tensor, mean, variance []float32, eps float32) (*Tensor, *batchNormOp) {
	n, c := x.Shape[0], x.Shape[1]
	area := x.Shape[2] * x.Shape[3]
	out := like(x)
	op := &batchNormOp{x: x, gamma: gamma, beta: beta, xhat: make([]float32, x.NumElems), invStd: make([]float32, c)}
	for ch := 0; ch < c; ch++ {
		op.invStd[ch] = float32(1 / math.Sqrt(float64(variance[ch]+eps)))
	}
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			g, bt := float32(1), float32(0)
			if gamma != nil {
				g = gamma.Data[ch]
			}
			if beta != nil {
				bt = beta.Data[ch]
			}
			off := (b*c + ch) * area
			for i := off; i < off+area; i++ {
				h := (x.Data[i] - mean[ch]) * op.invStd[ch]
				op.xhat[i] = h
				out.Data[i] = h*g + bt
			}
		}
	}
	return out, op
}

package training

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/tsawler/go-retouch/tensor"
)

// ErrUnknownLoss is returned by NewLoss for unrecognized selectors.
var ErrUnknownLoss = errors.New("unknown loss")

// Loss interface defines methods that all loss functions must implement.
// Evaluate returns a one-element tensor that takes part in autodiff.
type Loss interface {
	Evaluate(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// LossOptions carries the settings some losses need.
type LossOptions struct {
	// Gamma weighs the aesthetic term of the NIMA losses.
	Gamma float32
	// Scorer is the frozen aesthetic model used by the NIMA losses.
	Scorer *NimaScorer
}

type lossFactory func(LossOptions) (Loss, error)

var lossRegistry = map[string]lossFactory{
	"mse": func(LossOptions) (Loss, error) { return baseLoss{"mse", meanSquaredError}, nil },
	"mae": func(LossOptions) (Loss, error) { return baseLoss{"mae", meanAbsoluteError}, nil },
	"l1nima": func(o LossOptions) (Loss, error) {
		return newNimaLoss("l1nima", meanAbsoluteError, o)
	},
	"l2nima": func(o LossOptions) (Loss, error) {
		return newNimaLoss("l2nima", meanSquaredError, o)
	},
	"l1ssim": func(LossOptions) (Loss, error) {
		return newSSIMLoss("l1ssim", meanAbsoluteError), nil
	},
	"colorssim": func(LossOptions) (Loss, error) {
		return newSSIMLoss("colorssim", blurredColorError(9, 3)), nil
	},
}

// LossNames returns the registered loss selectors in sorted order.
func LossNames() []string {
	names := make([]string, 0, len(lossRegistry))
	for name := range lossRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NeedsScorer reports whether the loss selected by name uses a NimaScorer.
func NeedsScorer(name string) bool {
	return name == "l1nima" || name == "l2nima"
}

// NewLoss builds the loss registered under name.
func NewLoss(name string, opts LossOptions) (Loss, error) {
	factory, ok := lossRegistry[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownLoss, "%q (valid: %v)", name, LossNames())
	}
	return factory(opts)
}

type lossFunc func(predicted, target *tensor.Tensor) (*tensor.Tensor, error)

func meanSquaredError(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.Sub(predicted, target)
	if err != nil {
		return nil, errors.Wrap(err, "mse")
	}
	return tensor.Mean(tensor.Square(diff)), nil
}

func meanAbsoluteError(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.Sub(predicted, target)
	if err != nil {
		return nil, errors.Wrap(err, "mae")
	}
	return tensor.Mean(tensor.Abs(diff)), nil
}

type baseLoss struct {
	name string
	fn   lossFunc
}

func (l baseLoss) Name() string { return l.name }

func (l baseLoss) Evaluate(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	return l.fn(predicted, target)
}

// nimaLoss adds gamma * (10 - mean aesthetic score) to a pixel loss.
type nimaLoss struct {
	name   string
	base   lossFunc
	gamma  float32
	scorer *NimaScorer
}

func newNimaLoss(name string, base lossFunc, o LossOptions) (Loss, error) {
	if o.Scorer == nil {
		return nil, errors.Errorf("loss %s needs an aesthetic scorer", name)
	}
	return &nimaLoss{name: name, base: base, gamma: o.Gamma, scorer: o.Scorer}, nil
}

func (l *nimaLoss) Name() string { return l.name }

func (l *nimaLoss) Evaluate(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	pixel, err := l.base(predicted, target)
	if err != nil {
		return nil, err
	}
	score, err := l.scorer.Score(predicted)
	if err != nil {
		return nil, errors.Wrap(err, l.name)
	}
	penalty := tensor.AddScalar(tensor.Scale(score, -l.gamma), 10*l.gamma)
	return tensor.Add(pixel, penalty)
}

const (
	ssimAlpha  = 0.84
	ssimWindow = 11
	ssimSigma  = 1.5
	ssimC1     = 0.01 * 0.01
	ssimC2     = 0.03 * 0.03
)

// ssimLoss mixes a base term with structural dissimilarity:
// alpha*base + (1-alpha)*(1-SSIM).
type ssimLoss struct {
	name   string
	base   lossFunc
	window *tensor.Tensor
}

func newSSIMLoss(name string, base lossFunc) *ssimLoss {
	return &ssimLoss{name: name, base: base, window: GaussianWindow(ssimWindow, ssimSigma)}
}

func (l *ssimLoss) Name() string { return l.name }

func (l *ssimLoss) Evaluate(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	base, err := l.base(predicted, target)
	if err != nil {
		return nil, err
	}
	s, err := SSIM(predicted, target, l.window)
	if err != nil {
		return nil, errors.Wrap(err, l.name)
	}
	dissim := tensor.AddScalar(tensor.Scale(s, -(1 - ssimAlpha)), 1-ssimAlpha)
	return tensor.Add(tensor.Scale(base, ssimAlpha), dissim)
}

// GaussianWindow returns a normalized size×size Gaussian kernel shaped
// [1,1,size,size] for single-channel convolution.
func GaussianWindow(size int, sigma float64) *tensor.Tensor {
	g := make([]float64, size)
	var sum float64
	for i := range g {
		x := float64(i - size/2)
		g[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += g[i]
	}
	data := make([]float32, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			data[y*size+x] = float32(g[y] * g[x] / (sum * sum))
		}
	}
	return tensor.MustNew([]int{1, 1, size, size}, data)
}

// channelPlanes maps an image batch from [-1, 1] to [0, 1] and folds the
// channels into the batch, giving [N*C,1,H,W].
func channelPlanes(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "expected NCHW images, got %v", x.Shape)
	}
	unit := tensor.AddScalar(tensor.Scale(x, 0.5), 0.5)
	return tensor.Reshape(unit, []int{x.Shape[0] * x.Shape[1], 1, x.Shape[2], x.Shape[3]})
}

// SSIM returns the mean structural similarity of two [N,C,H,W] batches in
// [-1, 1], computed per channel with the given window and zero padding.
func SSIM(x, y, window *tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.SameShape(x, y) {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "ssim: %v vs %v", x.Shape, y.Shape)
	}
	a, err := channelPlanes(x)
	if err != nil {
		return nil, err
	}
	b, err := channelPlanes(y)
	if err != nil {
		return nil, err
	}
	opts := tensor.ConvOptions{Padding: window.Shape[2] / 2}
	filter := func(t *tensor.Tensor) (*tensor.Tensor, error) {
		return tensor.Conv2D(t, window, nil, opts)
	}
	product := func(p, q *tensor.Tensor) (*tensor.Tensor, error) {
		m, err := tensor.Mul(p, q)
		if err != nil {
			return nil, err
		}
		return filter(m)
	}

	muA, err := filter(a)
	if err != nil {
		return nil, err
	}
	muB, err := filter(b)
	if err != nil {
		return nil, err
	}
	muAA := tensor.Square(muA)
	muBB := tensor.Square(muB)
	muAB, err := tensor.Mul(muA, muB)
	if err != nil {
		return nil, err
	}
	eAA, err := product(a, a)
	if err != nil {
		return nil, err
	}
	eBB, err := product(b, b)
	if err != nil {
		return nil, err
	}
	eAB, err := product(a, b)
	if err != nil {
		return nil, err
	}
	varA, err := tensor.Sub(eAA, muAA)
	if err != nil {
		return nil, err
	}
	varB, err := tensor.Sub(eBB, muBB)
	if err != nil {
		return nil, err
	}
	cov, err := tensor.Sub(eAB, muAB)
	if err != nil {
		return nil, err
	}

	lum, err := tensor.Add(muAA, muBB)
	if err != nil {
		return nil, err
	}
	spread, err := tensor.Add(varA, varB)
	if err != nil {
		return nil, err
	}
	num, err := tensor.Mul(tensor.AddScalar(tensor.Scale(muAB, 2), ssimC1), tensor.AddScalar(tensor.Scale(cov, 2), ssimC2))
	if err != nil {
		return nil, err
	}
	den, err := tensor.Mul(tensor.AddScalar(lum, ssimC1), tensor.AddScalar(spread, ssimC2))
	if err != nil {
		return nil, err
	}
	ssimMap, err := tensor.Div(num, den)
	if err != nil {
		return nil, err
	}
	return tensor.Mean(ssimMap), nil
}

// blurredColorError compares colour and tone: the MSE between both images
// blurred with a size×size Gaussian, which ignores fine texture.
func blurredColorError(size int, sigma float64) lossFunc {
	window := GaussianWindow(size, sigma)
	opts := tensor.ConvOptions{Padding: size / 2}
	blur := func(x *tensor.Tensor) (*tensor.Tensor, error) {
		planes, err := channelPlanes(x)
		if err != nil {
			return nil, err
		}
		return tensor.Conv2D(planes, window, nil, opts)
	}
	return func(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
		p, err := blur(predicted)
		if err != nil {
			return nil, errors.Wrap(err, "color term")
		}
		t, err := blur(target)
		if err != nil {
			return nil, errors.Wrap(err, "color term")
		}
		return meanSquaredError(p, t)
	}
}

// PSNR returns the peak signal-to-noise ratio in dB of two batches in
// [-1, 1], measured on the [0, 1] scale. Identical inputs give +Inf.
func PSNR(predicted, target *tensor.Tensor) (float64, error) {
	if !tensor.SameShape(predicted, target) {
		return 0, errors.Wrapf(tensor.ErrShapeMismatch, "psnr: %v vs %v", predicted.Shape, target.Shape)
	}
	var sum float64
	for i, p := range predicted.Data {
		d := float64(p-target.Data[i]) / 2
		sum += d * d
	}
	mse := sum / float64(len(predicted.Data))
	if mse == 0 {
		return math.Inf(1), nil
	}
	return -10 * math.Log10(mse), nil
}

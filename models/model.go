// Package models holds the conditional enhancement networks and the registry
// that selects one by name.
package models

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"

	"github.com/tsawler/go-retouch/layers"
	"github.com/tsawler/go-retouch/tensor"
)

// ErrUnknownModel is returned by New for unrecognized model names.
var ErrUnknownModel = errors.New("unknown model")

// Model maps an image batch [B,3,H,W] and its conditioning features to an
// enhanced batch of the same shape.
type Model interface {
	Forward(images *tensor.Tensor, features []*tensor.Tensor) (*tensor.Tensor, error)
	Name() string
	// Modules lists every layer, for parameters, state dicts and summaries.
	Modules() layers.Stack
	Train()
	Eval()
}

// Options configures model construction.
type Options struct {
	// FeatureDims lists the length of each conditioning feature vector.
	// An empty list builds an unconditioned model.
	FeatureDims []int
	// ConditionDim is the width of the learned conditioning vector; zero means 32.
	ConditionDim int
	Rand         *rand.Rand
}

type constructor func(Options) (Model, error)

var registry = map[string]constructor{
	"can32": newCAN32,
	"unet":  newUNet,
}

// Names returns the registered model names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the model registered under name.
func New(name string, opts Options) (Model, error) {
	build, ok := registry[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownModel, "%q (valid: %v)", name, Names())
	}
	if opts.Rand == nil {
		return nil, errors.New("models: a random source is required")
	}
	if opts.ConditionDim <= 0 {
		opts.ConditionDim = 32
	}
	return build(opts)
}

// conditioner turns the feature vectors into one learned vector per sample.
type conditioner struct {
	dims  []int
	dense *layers.Linear
	width int
}

func newConditioner(name string, opts Options) *conditioner {
	total := 0
	for _, d := range opts.FeatureDims {
		total += d
	}
	if total == 0 {
		return &conditioner{}
	}
	return &conditioner{
		dims:  opts.FeatureDims,
		dense: layers.NewLinear(name, total, opts.ConditionDim, true, opts.Rand),
		width: opts.ConditionDim,
	}
}

// channels returns the number of channels the conditioning adds.
func (c *conditioner) channels() int {
	return c.width
}

func (c *conditioner) modules() layers.Stack {
	if c.dense == nil {
		return nil
	}
	return layers.Stack{c.dense}
}

// tiled returns the conditioning vector spread over an h×w grid, or nil for
// an unconditioned model.
func (c *conditioner) tiled(features []*tensor.Tensor, batch, h, w int) (*tensor.Tensor, error) {
	if c.dense == nil {
		return nil, nil
	}
	if len(features) != len(c.dims) {
		return nil, errors.Errorf("expected %d feature tensors, got %d", len(c.dims), len(features))
	}
	for i, f := range features {
		if len(f.Shape) != 2 || f.Shape[0] != batch || f.Shape[1] != c.dims[i] {
			return nil, errors.Wrapf(tensor.ErrShapeMismatch, "feature %d: got %v, want [%d %d]", i, f.Shape, batch, c.dims[i])
		}
	}
	joined, err := tensor.Concat(features...)
	if err != nil {
		return nil, err
	}
	v, err := c.dense.Forward(joined)
	if err != nil {
		return nil, err
	}
	return tensor.Tile(tensor.LeakyReLU(v, leakySlope), h, w)
}

// withCondition appends the tiled conditioning channels to x.
func (c *conditioner) withCondition(x *tensor.Tensor, features []*tensor.Tensor) (*tensor.Tensor, error) {
	cond, err := c.tiled(features, x.Shape[0], x.Shape[2], x.Shape[3])
	if err != nil || cond == nil {
		return x, err
	}
	return tensor.Concat(x, cond)
}

const leakySlope = 0.2

func checkImages(images *tensor.Tensor) error {
	if len(images.Shape) != 4 || images.Shape[1] != 3 {
		return errors.Wrapf(tensor.ErrShapeMismatch, "expected [B,3,H,W] images, got %v", images.Shape)
	}
	return nil
}

// conv3 builds a 3×3 convolution that keeps the spatial size.
func conv3(name string, in, out, dilation int, rng *rand.Rand) *layers.Conv2DLayer {
	return layers.NewConv2D(name, in, out, 3, tensor.ConvOptions{Padding: dilation, Dilation: dilation}, true, rng)
}

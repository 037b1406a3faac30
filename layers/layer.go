package layers

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-retouch/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	BatchNorm
	AdaptiveBatchNorm
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case BatchNorm:
		return "BatchNorm"
	case AdaptiveBatchNorm:
		return "AdaptiveBatchNorm"
	default:
		return "Unknown"
	}
}

// Parameter is a named tensor owned by a layer.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
	Type() LayerType
	Parameters() []Parameter // trainable tensors, requiresGrad=true
	Buffers() []Parameter    // persistent state that is not trained (running statistics)
	Train()
	Eval()
	IsTraining() bool
}

// base carries the name and mode shared by every layer.
type base struct {
	name     string
	training bool
}

func (b *base) Name() string     { return b.name }
func (b *base) Train()           { b.training = true }
func (b *base) Eval()            { b.training = false }
func (b *base) IsTraining() bool { return b.training }

// use returns p for graph-recording forward passes and a detached view in
// evaluation mode, so inference builds no graph.
func (b *base) use(p *tensor.Tensor) *tensor.Tensor {
	if p == nil || b.training {
		return p
	}
	return p.Detach()
}

func (b *base) param(suffix string, t *tensor.Tensor) Parameter {
	return Parameter{Name: b.name + "." + suffix, Value: t}
}

func newParameter(shape []int, data []float32) *tensor.Tensor {
	t := tensor.MustNew(shape, data)
	t.SetRequiresGrad(true)
	return t
}

// xavierUniform fills n values from U(-bound, bound) with bound = sqrt(6/(fanIn+fanOut)).
func xavierUniform(n, fanIn, fanOut int, rng *rand.Rand) []float32 {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	data := make([]float32, n)
	for i := range data {
		data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return data
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	base
	weight *tensor.Tensor // [inputSize, outputSize]
	bias   *tensor.Tensor
}

// NewLinear creates a Linear layer with Xavier-initialized weights and zero bias.
func NewLinear(name string, inputSize, outputSize int, bias bool, rng *rand.Rand) *Linear {
	l := &Linear{
		base:   base{name: name, training: true},
		weight: newParameter([]int{inputSize, outputSize}, xavierUniform(inputSize*outputSize, inputSize, outputSize, rng)),
	}
	if bias {
		l.bias = newParameter([]int{outputSize}, nil)
	}
	return l
}

// Forward computes input @ weight (+ bias) for input [batch, inputSize].
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 || input.Shape[1] != l.weight.Shape[0] {
		return nil, errors.Errorf("%s: expected input [batch, %d], got %v", l.name, l.weight.Shape[0], input.Shape)
	}
	out, err := tensor.MatMul(input, l.use(l.weight))
	if err != nil {
		return nil, errors.Wrap(err, l.name)
	}
	if l.bias != nil {
		out, err = tensor.AddRowVector(out, l.use(l.bias))
		if err != nil {
			return nil, errors.Wrap(err, l.name)
		}
	}
	return out, nil
}

func (l *Linear) Parameters() []Parameter {
	params := []Parameter{l.param("weight", l.weight)}
	if l.bias != nil {
		params = append(params, l.param("bias", l.bias))
	}
	return params
}

func (l *Linear) Buffers() []Parameter { return nil }
func (l *Linear) Type() LayerType       { return Dense }

// Conv2DLayer implements a 2D convolution with square kernels.
type Conv2DLayer struct {
	base
	weight *tensor.Tensor // [out, in, k, k]
	bias   *tensor.Tensor
	opts   tensor.ConvOptions
}

// NewConv2D creates a convolution layer. Padding is chosen by the caller;
// "same" output size for odd kernels needs padding = dilation*(k-1)/2.
func NewConv2D(name string, inputChannels, outputChannels, kernelSize int, opts tensor.ConvOptions, bias bool, rng *rand.Rand) *Conv2DLayer {
	fanIn := inputChannels * kernelSize * kernelSize
	fanOut := outputChannels * kernelSize * kernelSize
	c := &Conv2DLayer{
		base:   base{name: name, training: true},
		weight: newParameter([]int{outputChannels, inputChannels, kernelSize, kernelSize}, xavierUniform(outputChannels*fanIn, fanIn, fanOut, rng)),
		opts:   opts,
	}
	if bias {
		c.bias = newParameter([]int{outputChannels}, nil)
	}
	return c
}

func (c *Conv2DLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.Conv2D(input, c.use(c.weight), c.use(c.bias), c.opts)
	if err != nil {
		return nil, errors.Wrap(err, c.name)
	}
	return out, nil
}

func (c *Conv2DLayer) Parameters() []Parameter {
	params := []Parameter{c.param("weight", c.weight)}
	if c.bias != nil {
		params = append(params, c.param("bias", c.bias))
	}
	return params
}

func (c *Conv2DLayer) Buffers() []Parameter { return nil }
func (c *Conv2DLayer) Type() LayerType       { return Conv2D }

// BatchNorm2D normalizes channels with batch statistics while training and
// with running estimates in evaluation mode.
type BatchNorm2D struct {
	base
	gamma, beta *tensor.Tensor
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
	eps         float32
	momentum    float32
}

// NewBatchNorm2D creates a batch normalization layer with gamma=1, beta=0,
// running mean 0 and running variance 1.
func NewBatchNorm2D(name string, numFeatures int, eps, momentum float32) *BatchNorm2D {
	gamma := newParameter([]int{numFeatures}, nil)
	for i := range gamma.Data {
		gamma.Data[i] = 1
	}
	runningVar, _ := tensor.Ones([]int{numFeatures})
	return &BatchNorm2D{
		base:        base{name: name, training: true},
		gamma:       gamma,
		beta:        newParameter([]int{numFeatures}, nil),
		runningMean: tensor.MustNew([]int{numFeatures}, nil),
		runningVar:  runningVar,
		eps:         eps,
		momentum:    momentum,
	}
}

func (bn *BatchNorm2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !bn.training {
		out, err := tensor.BatchNorm2DInference(input, bn.use(bn.gamma), bn.use(bn.beta), bn.runningMean.Data, bn.runningVar.Data, bn.eps)
		return out, errors.Wrap(err, bn.name)
	}

	out, stats, err := tensor.BatchNorm2D(input, bn.gamma, bn.beta, bn.eps)
	if err != nil {
		return nil, errors.Wrap(err, bn.name)
	}
	// Running variance uses the unbiased estimate.
	correction := float32(1)
	if stats.Count > 1 {
		correction = float32(stats.Count) / float32(stats.Count-1)
	}
	m := bn.momentum
	for c := range stats.Mean {
		bn.runningMean.Data[c] = (1-m)*bn.runningMean.Data[c] + m*stats.Mean[c]
		bn.runningVar.Data[c] = (1-m)*bn.runningVar.Data[c] + m*stats.Variance[c]*correction
	}
	return out, nil
}

func (bn *BatchNorm2D) Type() LayerType { return BatchNorm }

func (bn *BatchNorm2D) Parameters() []Parameter {
	return []Parameter{bn.param("weight", bn.gamma), bn.param("bias", bn.beta)}
}

func (bn *BatchNorm2D) Buffers() []Parameter {
	return []Parameter{bn.param("running_mean", bn.runningMean), bn.param("running_var", bn.runningVar)}
}

// AdaptiveBatchNorm2D computes λ·x + μ·BN(x) with learnable scalars λ and μ.
// λ starts at 1 and μ at 0, so a fresh layer is the identity.
type AdaptiveBatchNorm2D struct {
	base
	bn     *BatchNorm2D
	lambda *tensor.Tensor
	mu     *tensor.Tensor
}

func NewAdaptiveBatchNorm2D(name string, numFeatures int) *AdaptiveBatchNorm2D {
	return &AdaptiveBatchNorm2D{
		base:   base{name: name, training: true},
		bn:     NewBatchNorm2D(name+".bn", numFeatures, 1e-5, 0.1),
		lambda: newParameter([]int{1}, []float32{1}),
		mu:     newParameter([]int{1}, []float32{0}),
	}
}

func (a *AdaptiveBatchNorm2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	normed, err := a.bn.Forward(input)
	if err != nil {
		return nil, err
	}
	identity, err := tensor.ScaleBy(input, a.use(a.lambda))
	if err != nil {
		return nil, errors.Wrap(err, a.name)
	}
	scaled, err := tensor.ScaleBy(normed, a.use(a.mu))
	if err != nil {
		return nil, errors.Wrap(err, a.name)
	}
	return tensor.Add(identity, scaled)
}

func (a *AdaptiveBatchNorm2D) Type() LayerType { return AdaptiveBatchNorm }

func (a *AdaptiveBatchNorm2D) Train() { a.training = true; a.bn.Train() }
func (a *AdaptiveBatchNorm2D) Eval()  { a.training = false; a.bn.Eval() }

func (a *AdaptiveBatchNorm2D) Parameters() []Parameter {
	return append([]Parameter{a.param("lambda", a.lambda), a.param("mu", a.mu)}, a.bn.Parameters()...)
}

func (a *AdaptiveBatchNorm2D) Buffers() []Parameter { return a.bn.Buffers() }

// Stack is an ordered set of modules managed together: mode switches,
// parameter listing and a printable summary.
type Stack []Module

func (s Stack) Train() {
	for _, m := range s {
		m.Train()
	}
}

func (s Stack) Eval() {
	for _, m := range s {
		m.Eval()
	}
}

func (s Stack) Parameters() []Parameter {
	var params []Parameter
	for _, m := range s {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s Stack) Buffers() []Parameter {
	var bufs []Parameter
	for _, m := range s {
		bufs = append(bufs, m.Buffers()...)
	}
	return bufs
}

// Tensors returns the trainable tensors in declaration order.
func (s Stack) Tensors() []*tensor.Tensor {
	params := s.Parameters()
	out := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		out[i] = p.Value
	}
	return out
}

// CountParameters returns the number of trainable scalars.
func (s Stack) CountParameters() int64 {
	var n int64
	for _, p := range s.Parameters() {
		n += int64(p.Value.NumElems)
	}
	return n
}

// Summary returns a human-readable model summary
func (s Stack) Summary(title string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary: %s\n", title)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", s.CountParameters())
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(s))
	for i, m := range s {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, m.Name(), m.Type())
		for _, p := range m.Parameters() {
			fmt.Fprintf(&sb, "  %-28s %v\n", p.Name, p.Value.Shape)
		}
	}
	return sb.String()
}

// StateDict collects parameters and buffers by name.
func (s Stack) StateDict() map[string]*tensor.Tensor {
	state := make(map[string]*tensor.Tensor)
	for _, p := range append(s.Parameters(), s.Buffers()...) {
		state[p.Name] = p.Value
	}
	return state
}

// LoadStateDict copies values from state into the matching parameters and
// buffers. Every entry of the stack must be present with a matching size.
func (s Stack) LoadStateDict(state map[string]*tensor.Tensor) error {
	for _, p := range append(s.Parameters(), s.Buffers()...) {
		src, ok := state[p.Name]
		if !ok {
			return errors.Errorf("missing tensor %q in state", p.Name)
		}
		if err := p.Value.CopyFrom(src.Data); err != nil {
			return errors.Wrapf(err, "loading %q", p.Name)
		}
	}
	return nil
}

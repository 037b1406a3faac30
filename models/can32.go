package models

import (
	"fmt"

	"github.com/tsawler/go-retouch/layers"
	"github.com/tsawler/go-retouch/tensor"
)

// can32Dilations are the dilation rates of the aggregation convolutions.
var can32Dilations = []int{1, 2, 4, 8, 16, 32, 1}

const can32Width = 32

// CAN32 is a conditional context aggregation network: dilated 3×3
// convolutions with adaptive batch normalization at full resolution, then a
// 1×1 projection back to RGB.
type CAN32 struct {
	cond   *conditioner
	convs  []*layers.Conv2DLayer
	norms  []*layers.AdaptiveBatchNorm2D
	output *layers.Conv2DLayer
	all    layers.Stack
}

func newCAN32(opts Options) (Model, error) {
	m := &CAN32{cond: newConditioner("can32.condition", opts)}
	in := 3 + m.cond.channels()
	m.all = append(m.all, m.cond.modules()...)
	for i, d := range can32Dilations {
		conv := conv3(fmt.Sprintf("can32.conv%d", i+1), in, can32Width, d, opts.Rand)
		norm := layers.NewAdaptiveBatchNorm2D(fmt.Sprintf("can32.norm%d", i+1), can32Width)
		m.convs = append(m.convs, conv)
		m.norms = append(m.norms, norm)
		m.all = append(m.all, conv, norm)
		in = can32Width
	}
	m.output = layers.NewConv2D("can32.output", can32Width, 3, 1, tensor.ConvOptions{}, true, opts.Rand)
	m.all = append(m.all, m.output)
	m.all.Train()
	return m, nil
}

func (m *CAN32) Name() string          { return "can32" }
func (m *CAN32) Modules() layers.Stack { return m.all }
func (m *CAN32) Train()                { m.all.Train() }
func (m *CAN32) Eval()                 { m.all.Eval() }

func (m *CAN32) Forward(images *tensor.Tensor, features []*tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkImages(images); err != nil {
		return nil, err
	}
	x, err := m.cond.withCondition(images, features)
	if err != nil {
		return nil, err
	}
	for i, conv := range m.convs {
		if x, err = conv.Forward(x); err != nil {
			return nil, err
		}
		if x, err = m.norms[i].Forward(x); err != nil {
			return nil, err
		}
		x = tensor.LeakyReLU(x, leakySlope)
	}
	return m.output.Forward(x)
}

package models

import (
	"github.com/tsawler/go-retouch/layers"
	"github.com/tsawler/go-retouch/tensor"
)

// block is two 3×3 convolutions, each followed by LeakyReLU.
type block struct {
	a, b *layers.Conv2DLayer
}

func (u *UNet) newBlock(name string, in, out int, opts Options) block {
	blk := block{
		a: conv3(name+".conv1", in, out, 1, opts.Rand),
		b: conv3(name+".conv2", out, out, 1, opts.Rand),
	}
	u.all = append(u.all, blk.a, blk.b)
	return blk
}

func (blk block) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := blk.a.Forward(x)
	if err != nil {
		return nil, err
	}
	x, err = blk.b.Forward(tensor.LeakyReLU(x, leakySlope))
	if err != nil {
		return nil, err
	}
	return tensor.LeakyReLU(x, leakySlope), nil
}

// UNet is a conditional U-Net with three encoder levels. The conditioning
// vector joins at the bottleneck, and decoder levels upsample to the exact
// size of their skip connection so odd image sizes survive the round trip.
type UNet struct {
	cond             *conditioner
	enc1, enc2, enc3 block
	bottleneck       block
	dec3, dec2, dec1 block
	output           *layers.Conv2DLayer
	all              layers.Stack
}

func newUNet(opts Options) (Model, error) {
	u := &UNet{cond: newConditioner("unet.condition", opts)}
	u.all = append(u.all, u.cond.modules()...)
	u.enc1 = u.newBlock("unet.enc1", 3, 16, opts)
	u.enc2 = u.newBlock("unet.enc2", 16, 32, opts)
	u.enc3 = u.newBlock("unet.enc3", 32, 64, opts)
	u.bottleneck = u.newBlock("unet.bottleneck", 64+u.cond.channels(), 64, opts)
	u.dec3 = u.newBlock("unet.dec3", 64+64, 64, opts)
	u.dec2 = u.newBlock("unet.dec2", 64+32, 32, opts)
	u.dec1 = u.newBlock("unet.dec1", 32+16, 16, opts)
	u.output = layers.NewConv2D("unet.output", 16, 3, 1, tensor.ConvOptions{}, true, opts.Rand)
	u.all = append(u.all, u.output)
	u.all.Train()
	return u, nil
}

func (u *UNet) Name() string          { return "unet" }
func (u *UNet) Modules() layers.Stack { return u.all }
func (u *UNet) Train()                { u.all.Train() }
func (u *UNet) Eval()                 { u.all.Eval() }

// down pools x by two and runs blk.
func down(blk block, x *tensor.Tensor) (*tensor.Tensor, error) {
	pooled, err := tensor.MaxPool2D(x, 2)
	if err != nil {
		return nil, err
	}
	return blk.forward(pooled)
}

// up resizes x to skip's spatial size, concatenates skip and runs blk.
func up(blk block, x, skip *tensor.Tensor) (*tensor.Tensor, error) {
	resized, err := tensor.ResizeNearest(x, skip.Shape[2], skip.Shape[3])
	if err != nil {
		return nil, err
	}
	joined, err := tensor.Concat(resized, skip)
	if err != nil {
		return nil, err
	}
	return blk.forward(joined)
}

func (u *UNet) Forward(images *tensor.Tensor, features []*tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkImages(images); err != nil {
		return nil, err
	}
	e1, err := u.enc1.forward(images)
	if err != nil {
		return nil, err
	}
	e2, err := down(u.enc2, e1)
	if err != nil {
		return nil, err
	}
	e3, err := down(u.enc3, e2)
	if err != nil {
		return nil, err
	}
	pooled, err := tensor.MaxPool2D(e3, 2)
	if err != nil {
		return nil, err
	}
	conditioned, err := u.cond.withCondition(pooled, features)
	if err != nil {
		return nil, err
	}
	b, err := u.bottleneck.forward(conditioned)
	if err != nil {
		return nil, err
	}

	d3, err := up(u.dec3, b, e3)
	if err != nil {
		return nil, err
	}
	d2, err := up(u.dec2, d3, e2)
	if err != nil {
		return nil, err
	}
	d1, err := up(u.dec1, d2, e1)
	if err != nil {
		return nil, err
	}
	out, err := u.output.Forward(d1)
	if err != nil {
		return nil, err
	}
	return tensor.Tanh(out), nil
}

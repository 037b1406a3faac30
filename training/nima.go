package training

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-retouch/checkpoints"
	"github.com/tsawler/go-retouch/layers"
	"github.com/tsawler/go-retouch/tensor"
)

// NimaBuckets is the number of score classes (1 to 10) the scorer predicts.
const NimaBuckets = 10

// NimaScorer is a frozen aesthetic quality model: a small CNN, global average
// pooling, a dense layer and a softmax over score buckets. Its mean score is
// sum(k * p_k). The scorer is always in evaluation mode, so its parameters
// never receive gradients while gradients still flow to the scored images.
type NimaScorer struct {
	modules layers.Stack
	conv1   *layers.Conv2DLayer
	conv2   *layers.Conv2DLayer
	conv3   *layers.Conv2DLayer
	head    *layers.Linear
	buckets *tensor.Tensor // [NimaBuckets,1] holding 1..10
}

// NewNimaScorer creates a scorer with weights initialized from rng.
func NewNimaScorer(rng *rand.Rand) *NimaScorer {
	s := &NimaScorer{
		conv1: layers.NewConv2D("nima.conv1", 3, 16, 3, tensor.ConvOptions{Stride: 2, Padding: 1}, true, rng),
		conv2: layers.NewConv2D("nima.conv2", 16, 32, 3, tensor.ConvOptions{Stride: 2, Padding: 1}, true, rng),
		conv3: layers.NewConv2D("nima.conv3", 32, 64, 3, tensor.ConvOptions{Stride: 2, Padding: 1}, true, rng),
		head:  layers.NewLinear("nima.head", 64, NimaBuckets, true, rng),
	}
	s.modules = layers.Stack{s.conv1, s.conv2, s.conv3, s.head}
	s.modules.Eval()

	buckets := make([]float32, NimaBuckets)
	for i := range buckets {
		buckets[i] = float32(i + 1)
	}
	s.buckets = tensor.MustNew([]int{NimaBuckets, 1}, buckets)
	return s
}

// LoadNimaScorer creates a scorer and loads its weights from a checkpoint
// file. An empty path keeps the rng initialization.
func LoadNimaScorer(path string, rng *rand.Rand) (*NimaScorer, error) {
	s := NewNimaScorer(rng)
	if path == "" {
		return s, nil
	}
	ck, err := checkpoints.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, "loading aesthetic scorer")
	}
	state, err := ck.StateDict()
	if err != nil {
		return nil, err
	}
	if err := s.modules.LoadStateDict(state); err != nil {
		return nil, errors.Wrapf(err, "aesthetic scorer weights in %s", path)
	}
	return s, nil
}

// StateDict returns the scorer weights by name.
func (s *NimaScorer) StateDict() map[string]*tensor.Tensor {
	return s.modules.StateDict()
}

// Distribution returns the score bucket probabilities [N,NimaBuckets].
func (s *NimaScorer) Distribution(images *tensor.Tensor) (*tensor.Tensor, error) {
	x := images
	for _, conv := range []*layers.Conv2DLayer{s.conv1, s.conv2, s.conv3} {
		out, err := conv.Forward(x)
		if err != nil {
			return nil, err
		}
		x = tensor.ReLU(out)
	}
	pooled, err := tensor.GlobalAvgPool(x)
	if err != nil {
		return nil, err
	}
	logits, err := s.head.Forward(pooled)
	if err != nil {
		return nil, err
	}
	return tensor.Softmax(logits)
}

// Score returns the mean aesthetic score of the batch as a one-element tensor
// in [1, 10].
func (s *NimaScorer) Score(images *tensor.Tensor) (*tensor.Tensor, error) {
	p, err := s.Distribution(images)
	if err != nil {
		return nil, err
	}
	perImage, err := tensor.MatMul(p, s.buckets)
	if err != nil {
		return nil, err
	}
	return tensor.Mean(perImage), nil
}

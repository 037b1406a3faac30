package layers

import (
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/tsawler/go-retouch/tensor"
)

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		layerType LayerType
		expected  string
	}{
		{Dense, "Dense"},
		{Conv2D, "Conv2D"},
		{BatchNorm, "BatchNorm"},
		{AdaptiveBatchNorm, "AdaptiveBatchNorm"},
		{LayerType(99), "Unknown"},
	}

	for _, test := range tests {
		if result := test.layerType.String(); result != test.expected {
			t.Errorf("LayerType.String() = %s, expected %s", result, test.expected)
		}
	}
}

func TestLinear(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	l := NewLinear("fc", 4, 3, true, rng)

	x, _ := tensor.RandomUniform([]int{2, 4}, -1, 1, rng)
	y, err := l.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(y.Shape, []int{2, 3}) {
		t.Errorf("expected [2 3], got %v", y.Shape)
	}
	if !y.RequiresGrad() {
		t.Error("training-mode output should record a graph")
	}

	l.Eval()
	y, err = l.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if y.RequiresGrad() {
		t.Error("evaluation-mode output should not record a graph")
	}

	if _, err := l.Forward(tensor.MustNew([]int{2, 5}, nil)); err == nil {
		t.Error("expected error for wrong input size")
	}

	names := []string{}
	for _, p := range l.Parameters() {
		names = append(names, p.Name)
	}
	if !reflect.DeepEqual(names, []string{"fc.weight", "fc.bias"}) {
		t.Errorf("unexpected parameter names %v", names)
	}
}

func TestSeededInitIsDeterministic(t *testing.T) {
	a := NewConv2D("c", 3, 8, 3, tensor.ConvOptions{Padding: 1}, true, rand.New(rand.NewSource(42)))
	b := NewConv2D("c", 3, 8, 3, tensor.ConvOptions{Padding: 1}, true, rand.New(rand.NewSource(42)))
	if !tensor.AllClose(a.weight, b.weight, 0) {
		t.Error("same seed should produce identical weights")
	}
	c := NewConv2D("c", 3, 8, 3, tensor.ConvOptions{Padding: 1}, true, rand.New(rand.NewSource(43)))
	if tensor.AllClose(a.weight, c.weight, 0) {
		t.Error("different seeds should produce different weights")
	}
}

func TestBatchNormRunningStatistics(t *testing.T) {
	bn := NewBatchNorm2D("bn", 1, 1e-5, 0.5)
	x := tensor.MustNew([]int{2, 1, 1, 2}, []float32{1, 3, 5, 7})
	if _, err := bn.Forward(x); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	// Batch mean 4, unbiased variance 20/3.
	if got := bn.runningMean.Data[0]; got != 2 {
		t.Errorf("running mean = %v, expected 2", got)
	}
	expectedVar := float32(0.5 + 0.5*20.0/3.0)
	if got := bn.runningVar.Data[0]; got < expectedVar-1e-4 || got > expectedVar+1e-4 {
		t.Errorf("running var = %v, expected %v", got, expectedVar)
	}

	bn.Eval()
	before := bn.runningMean.Data[0]
	y, err := bn.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if bn.runningMean.Data[0] != before {
		t.Error("evaluation must not update running statistics")
	}
	if y.RequiresGrad() {
		t.Error("evaluation-mode output should not record a graph")
	}
}

func TestAdaptiveBatchNormStartsAsIdentity(t *testing.T) {
	abn := NewAdaptiveBatchNorm2D("abn", 2)
	x, _ := tensor.RandomUniform([]int{2, 2, 3, 3}, -1, 1, rand.New(rand.NewSource(3)))
	y, err := abn.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !tensor.AllClose(x, y, 1e-6) {
		t.Error("fresh adaptive batch norm should return its input")
	}
	if len(abn.Parameters()) != 4 || len(abn.Buffers()) != 2 {
		t.Errorf("expected 4 parameters and 2 buffers, got %d and %d", len(abn.Parameters()), len(abn.Buffers()))
	}
}

func TestStack(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	s := Stack{
		NewConv2D("conv", 3, 4, 3, tensor.ConvOptions{Padding: 1}, true, rng),
		NewAdaptiveBatchNorm2D("norm", 4),
	}
	// conv: 4*3*3*3 + 4, norm: 2 + 4 + 4
	if n := s.CountParameters(); n != 122 {
		t.Errorf("expected 122 parameters, got %d", n)
	}
	summary := s.Summary("test")
	if !strings.Contains(summary, "Layer 2: norm (AdaptiveBatchNorm)") {
		t.Errorf("summary missing layer line:\n%s", summary)
	}

	state := s.StateDict()
	for _, name := range []string{"conv.weight", "conv.bias", "norm.lambda", "norm.mu", "norm.bn.weight", "norm.bn.running_var"} {
		if _, ok := state[name]; !ok {
			t.Errorf("state dict missing %q", name)
		}
	}

	other := Stack{
		NewConv2D("conv", 3, 4, 3, tensor.ConvOptions{Padding: 1}, true, rand.New(rand.NewSource(6))),
		NewAdaptiveBatchNorm2D("norm", 4),
	}
	if err := other.LoadStateDict(state); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	if !tensor.AllClose(other.StateDict()["conv.weight"], state["conv.weight"], 0) {
		t.Error("loaded weights differ from source")
	}

	delete(state, "norm.mu")
	if err := other.LoadStateDict(state); err == nil {
		t.Error("expected error for missing tensor")
	}
}

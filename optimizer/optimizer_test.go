package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-retouch/tensor"
)

func param(values ...float32) *tensor.Tensor {
	p := tensor.MustNew([]int{len(values)}, values)
	p.SetRequiresGrad(true)
	return p
}

// quadraticStep accumulates the gradient of mean((p - target)²) into p.
func quadraticStep(t *testing.T, p *tensor.Tensor, target float32) {
	t.Helper()
	diff := tensor.AddScalar(p, -target)
	if err := tensor.Mean(tensor.Square(diff)).Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
}

func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected epsilon 1e-8, got %f", config.Epsilon)
	}
	if config.WeightDecay != 0.0 {
		t.Errorf("Expected weight decay 0.0, got %f", config.WeightDecay)
	}
}

func TestAdamFirstStep(t *testing.T) {
	// With bias correction the first Adam step moves every parameter by
	// roughly lr in the direction opposite to its gradient.
	p := param(1, -2)
	adam, err := NewAdamOptimizer(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, []*tensor.Tensor{p})
	if err != nil {
		t.Fatalf("NewAdamOptimizer failed: %v", err)
	}
	quadraticStep(t, p, 0)
	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if math.Abs(float64(p.Data[0]-0.9)) > 1e-5 || math.Abs(float64(p.Data[1]+1.9)) > 1e-5 {
		t.Errorf("expected [0.9 -1.9], got %v", p.Data)
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("expected step count 1, got %d", adam.GetStepCount())
	}
}

func TestOptimizersConverge(t *testing.T) {
	tests := []struct {
		name string
		lr   float32
	}{
		{"adam", 0.05},
		{"sgd", 0.1},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := param(4, -3, 0.5)
			opt, err := New(test.name, test.lr, []*tensor.Tensor{p})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			for i := 0; i < 500; i++ {
				opt.ZeroGrad()
				quadraticStep(t, p, 1)
				if err := opt.Step(); err != nil {
					t.Fatalf("Step failed: %v", err)
				}
			}
			for i, v := range p.Data {
				if math.Abs(float64(v-1)) > 0.05 {
					t.Errorf("parameter %d = %v, expected close to 1", i, v)
				}
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("lbfgs", 0.1, []*tensor.Tensor{param(1)}); err == nil {
		t.Error("expected error for unknown optimizer")
	}
	if _, err := New("adam", 0.1, nil); err == nil {
		t.Error("expected error for empty parameter list")
	}
	frozen := tensor.MustNew([]int{1}, nil)
	if _, err := New("sgd", 0.1, []*tensor.Tensor{frozen}); err == nil {
		t.Error("expected error for parameter without gradients")
	}
}

func TestStateRoundTrip(t *testing.T) {
	p := param(1, 2)
	adam, _ := NewAdamOptimizer(DefaultAdamConfig(), []*tensor.Tensor{p})
	quadraticStep(t, p, 0)
	adam.Step()

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(state.StateData) != 2 {
		t.Fatalf("expected momentum and variance tensors, got %d", len(state.StateData))
	}

	restored, _ := NewAdamOptimizer(DefaultAdamConfig(), []*tensor.Tensor{param(1, 2)})
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.GetStepCount() != 1 {
		t.Errorf("expected step count 1, got %d", restored.GetStepCount())
	}
	for i := range adam.MomentumBuffers[0] {
		if restored.MomentumBuffers[0][i] != adam.MomentumBuffers[0][i] || restored.VarianceBuffers[0][i] != adam.VarianceBuffers[0][i] {
			t.Fatal("restored moments differ")
		}
	}

	sgd, _ := NewSGDOptimizer(DefaultSGDConfig(), []*tensor.Tensor{param(1, 2)})
	if err := sgd.LoadState(state); err == nil {
		t.Error("expected error loading Adam state into SGD")
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name     string
		expected int
	}{
		{"momentum_0", 0},
		{"variance_12", 12},
		{"squared_grad_avg_3", 3},
		{"momentum", -1},
		{"momentum_x", -1},
	}
	for _, test := range tests {
		if got := extractBufferIndex(test.name); got != test.expected {
			t.Errorf("extractBufferIndex(%q) = %d, expected %d", test.name, got, test.expected)
		}
	}
}

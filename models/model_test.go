package models

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-retouch/tensor"
)

var featureDims = []int{3, 3, 4, 6, 9}

func randomInputs(t *testing.T, batch, h, w int, rng *rand.Rand) (*tensor.Tensor, []*tensor.Tensor) {
	t.Helper()
	images, err := tensor.RandomUniform([]int{batch, 3, h, w}, -1, 1, rng)
	if err != nil {
		t.Fatal(err)
	}
	features := make([]*tensor.Tensor, len(featureDims))
	for i, d := range featureDims {
		if features[i], err = tensor.RandomUniform([]int{batch, d}, 0, 1, rng); err != nil {
			t.Fatal(err)
		}
	}
	return images, features
}

func TestNewUnknownModel(t *testing.T) {
	_, err := New("resnet", Options{Rand: rand.New(rand.NewSource(1))})
	if !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if _, err := New("can32", Options{}); err == nil {
		t.Error("expected an error without a random source")
	}
}

func TestNames(t *testing.T) {
	names := Names()
	if len(names) != 2 || names[0] != "can32" || names[1] != "unet" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestForwardShapes(t *testing.T) {
	tests := []struct {
		model       string
		h, w        int
		conditioned bool
	}{
		{"can32", 6, 5, true},
		{"can32", 5, 6, false},
		{"unet", 16, 12, true},
		{"unet", 14, 10, true}, // odd sizes at every level
		{"unet", 10, 14, false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			rng := rand.New(rand.NewSource(3))
			opts := Options{Rand: rng}
			if tt.conditioned {
				opts.FeatureDims = featureDims
			}
			m, err := New(tt.model, opts)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if m.Name() != tt.model {
				t.Errorf("Name() = %q", m.Name())
			}
			images, features := randomInputs(t, 2, tt.h, tt.w, rng)
			if !tt.conditioned {
				features = nil
			}
			out, err := m.Forward(images, features)
			if err != nil {
				t.Fatalf("Forward: %v", err)
			}
			if !tensor.SameShape(out, images) {
				t.Errorf("output shape %v, want %v", out.Shape, images.Shape)
			}
			if out.HasNaN() {
				t.Error("output contains NaN")
			}
		})
	}
}

func TestForwardRejectsBadInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	m, err := New("can32", Options{Rand: rng, FeatureDims: featureDims})
	if err != nil {
		t.Fatal(err)
	}
	images, features := randomInputs(t, 2, 4, 4, rng)

	gray := tensor.MustNew([]int{2, 1, 4, 4}, nil)
	if _, err := m.Forward(gray, features); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch for 1-channel input, got %v", err)
	}
	if _, err := m.Forward(images, features[:2]); err == nil {
		t.Error("expected error for missing features")
	}
	wrong := append([]*tensor.Tensor{}, features...)
	wrong[0] = tensor.MustNew([]int{2, 7}, nil)
	if _, err := m.Forward(images, wrong); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch for wrong feature size, got %v", err)
	}
}

func TestTrainingModeBuildsGraph(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(9))
			m, err := New(name, Options{Rand: rng, FeatureDims: featureDims})
			if err != nil {
				t.Fatal(err)
			}
			images, features := randomInputs(t, 2, 8, 8, rng)

			out, err := m.Forward(images, features)
			if err != nil {
				t.Fatal(err)
			}
			loss := tensor.Mean(tensor.Square(out))
			if err := loss.Backward(); err != nil {
				t.Fatalf("Backward: %v", err)
			}
			for _, p := range m.Modules().Parameters() {
				if p.Value.Grad() == nil {
					t.Errorf("parameter %s received no gradient", p.Name)
				}
			}

			m.Eval()
			out, err = m.Forward(images, features)
			if err != nil {
				t.Fatal(err)
			}
			if out.RequiresGrad() {
				t.Error("evaluation mode should not record a graph")
			}
		})
	}
}

func TestSeededInitIsDeterministic(t *testing.T) {
	build := func() map[string]*tensor.Tensor {
		m, err := New("unet", Options{Rand: rand.New(rand.NewSource(42)), FeatureDims: featureDims})
		if err != nil {
			t.Fatal(err)
		}
		return m.Modules().StateDict()
	}
	a, b := build(), build()
	if len(a) != len(b) {
		t.Fatalf("state sizes differ: %d vs %d", len(a), len(b))
	}
	for name, ta := range a {
		if !tensor.AllClose(ta, b[name], 0) {
			t.Errorf("%s differs between identically seeded models", name)
		}
	}
}

func TestParameterNamesAreUnique(t *testing.T) {
	for _, name := range Names() {
		m, err := New(name, Options{Rand: rand.New(rand.NewSource(1)), FeatureDims: featureDims})
		if err != nil {
			t.Fatal(err)
		}
		seen := map[string]bool{}
		for _, p := range append(m.Modules().Parameters(), m.Modules().Buffers()...) {
			if seen[p.Name] {
				t.Errorf("%s: duplicate parameter name %s", name, p.Name)
			}
			seen[p.Name] = true
		}
		if m.Modules().CountParameters() == 0 {
			t.Errorf("%s has no parameters", name)
		}
	}
}

package config

import (
	"math/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-retouch/tensor"
	"github.com/tsawler/go-retouch/training"
)

var start = time.Date(2021, 6, 9, 14, 5, 0, 0, time.UTC)

func TestRunName(t *testing.T) {
	tests := []struct {
		tag, want string
	}{
		{"", "09-06-21_14:05"},
		{"can_mse", "can_mse_09-06-21_14:05"},
	}
	for _, tt := range tests {
		if got := RunName(tt.tag, start); got != tt.want {
			t.Errorf("RunName(%q) = %q, want %q", tt.tag, got, tt.want)
		}
	}
}

func TestNewDefaults(t *testing.T) {
	c, err := New(DefaultArgs(), start, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.BatchSize() != 8 || c.Epochs() != 100 || c.CheckpointEvery() != 10 {
		t.Errorf("unexpected sizes: %d %d %d", c.BatchSize(), c.Epochs(), c.CheckpointEvery())
	}
	if c.LearningRate() != float32(2e-4) {
		t.Errorf("learning rate %v", c.LearningRate())
	}
	if c.Seed() < 1 || c.Seed() > 10000 {
		t.Errorf("seed %d outside [1, 10000]", c.Seed())
	}
	if c.Device() != (tensor.Device{Kind: tensor.CPU}) {
		t.Errorf("device %v", c.Device())
	}
	if c.JoinPolicy() != training.JoinAlternate {
		t.Errorf("join policy %v", c.JoinPolicy())
	}
	if w, h := c.LandscapeSize(); w != 500 || h != 332 {
		t.Errorf("landscape %dx%d", w, h)
	}
	if w, h := c.PortraitSize(); w != 332 || h != 500 {
		t.Errorf("portrait %dx%d", w, h)
	}
	if c.SummaryDir() != filepath.Join("log", "09-06-21_14:05") {
		t.Errorf("summary dir %q", c.SummaryDir())
	}
}

func TestNewSeed(t *testing.T) {
	a := DefaultArgs()
	a.ManualSeed = 1234
	c, err := New(a, start, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if c.Seed() != 1234 {
		t.Errorf("explicit seed replaced by %d", c.Seed())
	}

	a.ManualSeed = 0
	c1, _ := New(a, start, rand.New(rand.NewSource(7)))
	c2, _ := New(a, start, rand.New(rand.NewSource(7)))
	if c1.Seed() != c2.Seed() {
		t.Errorf("same rng gave seeds %d and %d", c1.Seed(), c2.Seed())
	}
	if !strings.Contains(c1.String(), "manual_seed=") || strings.Contains(c1.String(), "manual_seed=0,") {
		t.Errorf("options should show the resolved seed: %s", c1.String())
	}
}

func TestNewInvalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Args)
	}{
		{"zero batch", func(a *Args) { a.BatchSize = 0 }},
		{"zero epochs", func(a *Args) { a.Epochs = 0 }},
		{"zero cadence", func(a *Args) { a.CheckpointEvery = 0 }},
		{"negative lr", func(a *Args) { a.LR = -1 }},
		{"negative gamma", func(a *Args) { a.Gamma = -0.1 }},
		{"expert", func(a *Args) { a.ExpertIdx = 5 }},
		{"model", func(a *Args) { a.ModelType = "resnet" }},
		{"loss", func(a *Args) { a.Loss = "huber" }},
		{"optimizer", func(a *Args) { a.Optimizer = "rmsprop" }},
		{"schedule", func(a *Args) { a.LRSchedule = "warmup" }},
		{"join", func(a *Args) { a.JoinPolicy = "shuffle" }},
		{"palette", func(a *Args) { a.Palette = "median" }},
		{"short side", func(a *Args) { a.ImageShort = 600 }},
		{"cache", func(a *Args) { a.CacheSize = -1 }},
		{"data path", func(a *Args) { a.DataPath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := DefaultArgs()
			tt.modify(&a)
			if _, err := New(a, start, rand.New(rand.NewSource(1))); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestCUDAIsSelectedButUnavailable(t *testing.T) {
	a := DefaultArgs()
	a.CUDA = true
	c, err := New(a, start, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if c.Device().String() != "cuda:1" {
		t.Errorf("device %s", c.Device())
	}
	if err := c.Device().Validate(); !errors.Is(err, tensor.ErrDeviceUnavailable) {
		t.Errorf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestString(t *testing.T) {
	a := DefaultArgs()
	a.ManualSeed = 3
	c, err := New(a, start, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	s := c.String()
	for _, want := range []string{"Namespace(batch_size=8, cache_size=256,", "loss='mse'", "manual_seed=3", "model_type='can32'"} {
		if !strings.Contains(s, want) {
			t.Errorf("%q not in %s", want, s)
		}
	}
}

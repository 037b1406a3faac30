package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tsawler/go-retouch/config"
	"github.com/tsawler/go-retouch/training"
	"github.com/tsawler/go-retouch/vision/dataloader"
)

func writeImage(t *testing.T, path string, w, h int, fill color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, fill)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

// fiveKFixture writes n landscape and n portrait pairs for expert C, each
// input filled with its own color.
func fiveKFixture(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"input", "expertC"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2*n; i++ {
		w, h := 12, 8
		if i >= n {
			w, h = 8, 12
		}
		name := fmt.Sprintf("a%04d.png", i+1)
		fill := color.RGBA{R: uint8(i * 10), G: uint8(255 - i*10), B: 128, A: 255}
		writeImage(t, filepath.Join(root, "input", name), w, h, fill)
		writeImage(t, filepath.Join(root, "expertC", name), w, h, color.RGBA{A: 255})
	}
	return root
}

func fixtureConfig(t *testing.T, root string, seed int64) *config.Config {
	t.Helper()
	args := config.DefaultArgs()
	args.DataPath = root
	args.ManualSeed = seed
	args.ImageLong, args.ImageShort = 12, 8
	args.BatchSize = 2
	args.LogDir = t.TempDir()
	cfg, err := config.New(args, time.Now(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func prepareSeeded(t *testing.T, cfg *config.Config) *runData {
	t.Helper()
	d, err := prepareData(cfg, dataloader.NewRegistry(), rand.New(rand.NewSource(cfg.Seed())), zap.NewNop())
	if err != nil {
		t.Fatalf("prepareData: %v", err)
	}
	return d
}

// firstEpoch returns the image data of every batch of one epoch.
func firstEpoch(t *testing.T, l training.Loader) [][]float32 {
	t.Helper()
	it := l.Iterate(context.Background())
	defer it.Close()
	var out [][]float32
	for {
		b, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if b == nil {
			return out
		}
		out = append(out, b.Images.Data)
	}
}

func TestPrepareDataSameSeed(t *testing.T) {
	root := fiveKFixture(t, 10)
	first := prepareSeeded(t, fixtureConfig(t, root, 42))
	second := prepareSeeded(t, fixtureConfig(t, root, 42))

	subsets := []struct {
		name string
		a, b *training.Subset
	}{
		{"landscape train", first.landscape.train, second.landscape.train},
		{"landscape test", first.landscape.test, second.landscape.test},
		{"portrait train", first.portrait.train, second.portrait.train},
		{"portrait test", first.portrait.test, second.portrait.test},
	}
	for _, s := range subsets {
		t.Run(s.name, func(t *testing.T) {
			if !reflect.DeepEqual(s.a.Indices(), s.b.Indices()) {
				t.Errorf("membership differs: %v vs %v", s.a.Indices(), s.b.Indices())
			}
		})
	}

	t.Run("split sizes", func(t *testing.T) {
		if first.landscape.train.Len() != 8 || first.landscape.test.Len() != 2 {
			t.Errorf("landscape split %d/%d", first.landscape.train.Len(), first.landscape.test.Len())
		}
		if first.portrait.train.Len() != 8 || first.portrait.test.Len() != 2 {
			t.Errorf("portrait split %d/%d", first.portrait.train.Len(), first.portrait.test.Len())
		}
	})

	t.Run("visualization indices", func(t *testing.T) {
		if len(first.visIdx) != 2 {
			t.Errorf("expected 2 indices from a 2-image test split, got %v", first.visIdx)
		}
		if !reflect.DeepEqual(first.visIdx, second.visIdx) {
			t.Errorf("visualization indices differ: %v vs %v", first.visIdx, second.visIdx)
		}
	})

	t.Run("training order", func(t *testing.T) {
		a, b := firstEpoch(t, first.trainLoader), firstEpoch(t, second.trainLoader)
		if len(a) != first.trainLoader.Len() {
			t.Fatalf("epoch has %d batches, want %d", len(a), first.trainLoader.Len())
		}
		if !reflect.DeepEqual(a, b) {
			t.Error("same seed produced different training batches")
		}
	})
}

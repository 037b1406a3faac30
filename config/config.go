// Package config turns command-line arguments into the immutable settings of
// one training run.
package config

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-retouch/models"
	"github.com/tsawler/go-retouch/tensor"
	"github.com/tsawler/go-retouch/training"
	"github.com/tsawler/go-retouch/vision/dataset"
)

// ErrInvalid is returned by New when an argument is out of range.
var ErrInvalid = errors.New("invalid configuration")

// Args are the command-line arguments, parsed with go-arg.
type Args struct {
	BatchSize       int     `arg:"--batch-size" help:"batch size"`
	Epochs          int     `arg:"--epochs" help:"number of epochs"`
	LR              float64 `arg:"--lr" help:"learning rate"`
	CUDA            bool    `arg:"--cuda" help:"compute on a CUDA device"`
	CUDAIdx         int     `arg:"--cuda-idx" help:"CUDA device index"`
	ManualSeed      int64   `arg:"--manual-seed" help:"random seed; 0 picks one in [1, 10000]"`
	LogDir          string  `arg:"--logdir" help:"summary root directory"`
	RunTag          string  `arg:"--run-tag" help:"tag prefixed to the run name and checkpoint files"`
	CheckpointEvery int     `arg:"--checkpoint-every" help:"write a checkpoint every N epochs"`
	CheckpointDir   string  `arg:"--checkpoint-dir" help:"directory for periodic checkpoints"`
	FinalDir        string  `arg:"--final-dir" help:"directory for the final model"`
	ModelType       string  `arg:"--model-type" help:"can32 or unet"`
	Loss            string  `arg:"--loss" help:"mse, mae, l1nima, l2nima, l1ssim or colorssim"`
	Gamma           float64 `arg:"--gamma" help:"weight of the aesthetic term of the nima losses"`
	DataPath        string  `arg:"--data-path" help:"FiveK dataset root"`
	ExpertIdx       int     `arg:"--expert-idx" help:"target expert, 0 (A) to 4 (E)"`
	NumWorkers      int     `arg:"--num-workers" help:"sample loading goroutines per loader"`
	JoinPolicy      string  `arg:"--join-policy" help:"alternate or zip"`
	ImageLong       int     `arg:"--image-long" help:"long side of the training images"`
	ImageShort      int     `arg:"--image-short" help:"short side of the training images"`
	NimaWeights     string  `arg:"--nima-weights" help:"checkpoint with aesthetic scorer weights"`
	CacheSize       int     `arg:"--cache-size" help:"prepared samples cached per orientation; 0 disables"`
	Palette         string  `arg:"--palette" help:"palette extraction: dominantcolor or kmeans"`
	Optimizer       string  `arg:"--optimizer" help:"adam or sgd"`
	LRSchedule      string  `arg:"--lr-schedule" help:"constant, step, exponential or cosine"`
	LogLevel        string  `arg:"--log-level" help:"debug, info, warn or error"`
}

// Description is shown by go-arg above the usage text.
func (Args) Description() string {
	return "Trains a conditional photo enhancement model on the MIT-Adobe FiveK dataset."
}

// DefaultArgs returns the arguments used when no flag is given.
func DefaultArgs() Args {
	return Args{
		BatchSize:       8,
		Epochs:          100,
		LR:              2e-4,
		CUDAIdx:         1,
		LogDir:          "log",
		CheckpointEvery: 10,
		CheckpointDir:   "checkpoints",
		FinalDir:        "final_models",
		ModelType:       "can32",
		Loss:            "mse",
		Gamma:           0.001,
		DataPath:        "/home/iacv3_1/fivek",
		ExpertIdx:       2,
		NumWorkers:      2,
		JoinPolicy:      "alternate",
		ImageLong:       500,
		ImageShort:      332,
		CacheSize:       256,
		Palette:         "dominantcolor",
		Optimizer:       "adam",
		LRSchedule:      "constant",
		LogLevel:        "info",
	}
}

// Config is the validated, immutable configuration of a run.
type Config struct {
	args       Args
	seed       int64
	runName    string
	device     tensor.Device
	joinPolicy training.JoinPolicy
	palette    dataset.PaletteMethod
}

// New validates args and resolves the seed (drawn from rng when unset) and
// the run name (from now).
func New(args Args, now time.Time, rng *rand.Rand) (*Config, error) {
	if err := validate(args); err != nil {
		return nil, err
	}
	policy, err := training.ParseJoinPolicy(args.JoinPolicy)
	if err != nil {
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}
	palette, err := parsePalette(args.Palette)
	if err != nil {
		return nil, err
	}

	seed := args.ManualSeed
	if seed == 0 {
		seed = int64(rng.Intn(10000) + 1)
	}
	args.ManualSeed = seed

	return &Config{
		args:       args,
		seed:       seed,
		runName:    RunName(args.RunTag, now),
		device:     tensor.SelectDevice(args.CUDA, args.CUDAIdx),
		joinPolicy: policy,
		palette:    palette,
	}, nil
}

func validate(a Args) error {
	positive := []struct {
		name  string
		value int
	}{
		{"batch-size", a.BatchSize},
		{"epochs", a.Epochs},
		{"checkpoint-every", a.CheckpointEvery},
		{"num-workers", a.NumWorkers},
		{"image-long", a.ImageLong},
		{"image-short", a.ImageShort},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Wrapf(ErrInvalid, "--%s must be positive, got %d", p.name, p.value)
		}
	}
	if a.LR <= 0 {
		return errors.Wrapf(ErrInvalid, "--lr must be positive, got %v", a.LR)
	}
	if a.Gamma < 0 {
		return errors.Wrapf(ErrInvalid, "--gamma must not be negative, got %v", a.Gamma)
	}
	if a.CacheSize < 0 {
		return errors.Wrapf(ErrInvalid, "--cache-size must not be negative, got %d", a.CacheSize)
	}
	if a.ManualSeed < 0 {
		return errors.Wrapf(ErrInvalid, "--manual-seed must not be negative, got %d", a.ManualSeed)
	}
	if a.ExpertIdx < 0 || a.ExpertIdx >= len(dataset.Experts) {
		return errors.Wrapf(ErrInvalid, "--expert-idx %d outside [0, %d)", a.ExpertIdx, len(dataset.Experts))
	}
	if a.ImageShort > a.ImageLong {
		return errors.Wrapf(ErrInvalid, "--image-short %d exceeds --image-long %d", a.ImageShort, a.ImageLong)
	}
	if a.DataPath == "" {
		return errors.Wrap(ErrInvalid, "--data-path is required")
	}
	choices := []struct {
		flag, value string
		valid       []string
	}{
		{"model-type", a.ModelType, models.Names()},
		{"loss", a.Loss, training.LossNames()},
		{"optimizer", a.Optimizer, []string{"adam", "sgd"}},
		{"lr-schedule", a.LRSchedule, training.ScheduleNames()},
	}
	for _, c := range choices {
		if !contains(c.valid, c.value) {
			return errors.Wrapf(ErrInvalid, "--%s %q (valid: %s)", c.flag, c.value, strings.Join(c.valid, ", "))
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func parsePalette(name string) (dataset.PaletteMethod, error) {
	for _, m := range []dataset.PaletteMethod{dataset.PaletteDominant, dataset.PaletteKMeans} {
		if m.String() == name {
			return m, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalid, "--palette %q (valid: dominantcolor, kmeans)", name)
}

// RunName is "<tag>_<dd-mm-yy_HH:MM>", or only the timestamp for an empty tag.
func RunName(tag string, now time.Time) string {
	stamp := now.Format("02-01-06_15:04")
	if tag == "" {
		return stamp
	}
	return tag + "_" + stamp
}

func (c *Config) BatchSize() int        { return c.args.BatchSize }
func (c *Config) Epochs() int           { return c.args.Epochs }
func (c *Config) LearningRate() float32 { return float32(c.args.LR) }
func (c *Config) Seed() int64           { return c.seed }
func (c *Config) Device() tensor.Device { return c.device }
func (c *Config) LogDir() string        { return c.args.LogDir }
func (c *Config) RunTag() string        { return c.args.RunTag }
func (c *Config) RunName() string       { return c.runName }
func (c *Config) CheckpointEvery() int  { return c.args.CheckpointEvery }
func (c *Config) CheckpointDir() string { return c.args.CheckpointDir }
func (c *Config) FinalDir() string      { return c.args.FinalDir }
func (c *Config) ModelType() string     { return c.args.ModelType }
func (c *Config) Loss() string          { return c.args.Loss }
func (c *Config) Gamma() float32        { return float32(c.args.Gamma) }
func (c *Config) DataPath() string      { return c.args.DataPath }
func (c *Config) ExpertIdx() int        { return c.args.ExpertIdx }
func (c *Config) NumWorkers() int       { return c.args.NumWorkers }
func (c *Config) NimaWeights() string   { return c.args.NimaWeights }
func (c *Config) CacheSize() int        { return c.args.CacheSize }
func (c *Config) Optimizer() string     { return c.args.Optimizer }
func (c *Config) LRSchedule() string    { return c.args.LRSchedule }
func (c *Config) LogLevel() string      { return c.args.LogLevel }

func (c *Config) JoinPolicy() training.JoinPolicy { return c.joinPolicy }
func (c *Config) Palette() dataset.PaletteMethod  { return c.palette }

// LandscapeSize returns the width and height of landscape training images.
func (c *Config) LandscapeSize() (int, int) { return c.args.ImageLong, c.args.ImageShort }

// PortraitSize returns the width and height of portrait training images.
func (c *Config) PortraitSize() (int, int) { return c.args.ImageShort, c.args.ImageLong }

// SummaryDir is the directory of this run's event file and plots.
func (c *Config) SummaryDir() string {
	return filepath.Join(c.args.LogDir, c.runName)
}

// String lists every argument as name=value sorted by name, with the seed
// resolved, in the form logged as the run's "Options" text.
func (c *Config) String() string {
	v := reflect.ValueOf(c.args)
	t := v.Type()
	parts := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name := strings.TrimPrefix(t.Field(i).Tag.Get("arg"), "--")
		name = strings.ReplaceAll(name, "-", "_")
		f := v.Field(i)
		if f.Kind() == reflect.String {
			parts = append(parts, fmt.Sprintf("%s='%s'", name, f.String()))
		} else {
			parts = append(parts, fmt.Sprintf("%s=%v", name, f.Interface()))
		}
	}
	sort.Strings(parts)
	return "Namespace(" + strings.Join(parts, ", ") + ")"
}

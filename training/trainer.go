package training

import (
	"context"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-retouch/checkpoints"
	"github.com/tsawler/go-retouch/models"
	"github.com/tsawler/go-retouch/optimizer"
	"github.com/tsawler/go-retouch/summary"
	"github.com/tsawler/go-retouch/tensor"
	"github.com/tsawler/go-retouch/vision/preprocessing"
)

// Phase is the stage of the training loop being executed.
type Phase int

const (
	Initializing Phase = iota
	TrainingEpoch
	Checkpointing
	EvaluatingEpoch
	Finished
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "Initializing"
	case TrainingEpoch:
		return "TrainingEpoch"
	case Checkpointing:
		return "Checkpointing"
	case EvaluatingEpoch:
		return "EvaluatingEpoch"
	case Finished:
		return "Finished"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Recorder receives the summaries of a run. *summary.Writer implements it.
// Flush is called at the end of every epoch.
type Recorder interface {
	AddScalar(tag string, value float64, step int64) error
	AddImage(tag string, img image.Image, step int64) error
	Flush() error
}

// TrainerConfig holds configuration for training
type TrainerConfig struct {
	Epochs          int
	CheckpointEvery int
	CheckpointDir   string
	FinalDir        string
	RunTag          string

	// Scheduler sets the learning rate at the start of every epoch,
	// relative to the optimizer's rate at construction. Nil keeps it constant.
	Scheduler LRScheduler

	// PlotPath is where the loss curve is rendered after training. Empty
	// skips the plot.
	PlotPath string

	// Progress receives the per-batch progress line. Nil discards it.
	Progress io.Writer

	// OnPhase, when set, is called on every phase transition with the
	// 0-based epoch (-1 outside the epoch loop).
	OnPhase func(phase Phase, epoch int)
}

// EpochStats holds the metrics of one epoch.
type EpochStats struct {
	Epoch     int
	TrainLoss float64
	TestLoss  float64
	TestPSNR  float64

	// Test holds the per-pixel error of the test pass.
	Test         RegressionMetrics
	LearningRate float64
	Duration     time.Duration
}

// Trainer runs the epoch loop: train, checkpoint on cadence, evaluate and
// visualize, then save the final model.
type Trainer struct {
	model     models.Model
	loss      Loss
	optimizer optimizer.Optimizer
	train     Loader
	test      Loader
	vis       Dataset
	visIdx    []int
	recorder  Recorder
	logger    *zap.Logger
	config    TrainerConfig
	saver     *checkpoints.CheckpointSaver
	baseLR    float64
	step      int
	history   []EpochStats
}

// NewTrainer creates a Trainer. vis and visIdx select the samples rendered as
// image summaries after every evaluation; vis may be nil.
func NewTrainer(
	model models.Model,
	loss Loss,
	opt optimizer.Optimizer,
	train, test Loader,
	vis Dataset,
	visIdx []int,
	recorder Recorder,
	logger *zap.Logger,
	config TrainerConfig,
) (*Trainer, error) {
	if model == nil || loss == nil || opt == nil || train == nil || test == nil || recorder == nil {
		return nil, errors.New("trainer: model, loss, optimizer, loaders and recorder are required")
	}
	if config.Epochs <= 0 {
		return nil, errors.Errorf("trainer: epochs must be positive, got %d", config.Epochs)
	}
	if config.CheckpointEvery <= 0 {
		return nil, errors.Errorf("trainer: checkpoint cadence must be positive, got %d", config.CheckpointEvery)
	}
	if vis != nil {
		for _, idx := range visIdx {
			if idx < 0 || idx >= vis.Len() {
				return nil, errors.Errorf("trainer: visualization index %d outside [0, %d)", idx, vis.Len())
			}
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Progress == nil {
		config.Progress = io.Discard
	}
	if config.Scheduler == nil {
		config.Scheduler = ConstantScheduler{}
	}
	t := &Trainer{
		model:     model,
		loss:      loss,
		optimizer: opt,
		train:     train,
		test:      test,
		vis:       vis,
		visIdx:    visIdx,
		recorder:  recorder,
		logger:    logger,
		config:    config,
		saver:     checkpoints.NewCheckpointSaver(checkpoints.FormatProto),
		baseLR:    float64(opt.GetLearningRate()),
	}
	t.enter(Initializing, -1)
	return t, nil
}

func (t *Trainer) enter(p Phase, epoch int) {
	if t.config.OnPhase != nil {
		t.config.OnPhase(p, epoch)
	}
}

// History returns the metrics of the epochs completed so far.
func (t *Trainer) History() []EpochStats {
	return append([]EpochStats(nil), t.history...)
}

// Run trains for the configured number of epochs and returns the per-epoch
// metrics. It stops with ctx.Err() when ctx is cancelled between batches.
func (t *Trainer) Run(ctx context.Context) ([]EpochStats, error) {
	t.logger.Info("Starting training",
		zap.String("model", t.model.Name()),
		zap.String("loss", t.loss.Name()),
		zap.Int("epochs", t.config.Epochs),
		zap.Int("train_batches", t.train.Len()),
		zap.Int("test_batches", t.test.Len()),
		zap.String("schedule", t.config.Scheduler.GetName()),
		zap.String("parameters", humanize.Comma(t.model.Modules().CountParameters())))

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		start := time.Now()
		lr := t.config.Scheduler.GetLR(epoch, t.baseLR)
		t.optimizer.UpdateLearningRate(float32(lr))
		if err := t.recorder.AddScalar("Learning Rate", lr, int64(epoch)); err != nil {
			return t.History(), err
		}

		t.enter(TrainingEpoch, epoch)
		trainLoss, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			return t.History(), errors.Wrapf(err, "training epoch %d", epoch+1)
		}
		if err := t.recorder.AddScalar("Train Error", trainLoss, int64(epoch)); err != nil {
			return t.History(), err
		}

		if (epoch+1)%t.config.CheckpointEvery == 0 {
			t.enter(Checkpointing, epoch)
			path := filepath.Join(t.config.CheckpointDir, checkpoints.EpochFileName(t.config.RunTag, epoch+1))
			if err := t.save(path, epoch+1, trainLoss); err != nil {
				return t.History(), err
			}
		}

		t.enter(EvaluatingEpoch, epoch)
		es, err := t.evaluate(ctx, epoch)
		if err != nil {
			return t.History(), errors.Wrapf(err, "evaluating epoch %d", epoch+1)
		}
		es.Epoch = epoch
		es.TrainLoss = trainLoss
		es.LearningRate = lr
		es.Duration = time.Since(start)
		t.history = append(t.history, es)
		t.logger.Info("Epoch finished",
			zap.Int("epoch", epoch+1),
			zap.Float64("train_error", trainLoss),
			zap.Float64("test_error", es.TestLoss),
			zap.Float64("test_psnr", es.TestPSNR),
			zap.Float64("test_mae", es.Test.MAE),
			zap.Float64("test_r2", es.Test.R2),
			zap.Float64("lr", lr),
			zap.Duration("duration", es.Duration))
		if err := t.recorder.Flush(); err != nil {
			return t.History(), errors.Wrap(err, "flushing summaries")
		}
	}

	t.enter(Finished, -1)
	t.logger.Info("Training Finished")
	if err := os.MkdirAll(t.config.FinalDir, 0755); err != nil {
		return t.History(), errors.Wrap(err, "creating final model directory")
	}
	last := t.history[len(t.history)-1]
	if err := t.save(filepath.Join(t.config.FinalDir, checkpoints.FinalFileName(t.config.RunTag)), t.config.Epochs, last.TrainLoss); err != nil {
		return t.History(), err
	}
	if t.config.PlotPath != "" {
		train := make([]float64, len(t.history))
		test := make([]float64, len(t.history))
		for i, h := range t.history {
			train[i], test[i] = h.TrainLoss, h.TestLoss
		}
		if err := summary.PlotLosses(t.config.PlotPath,
			summary.Series{Name: "Train Error", Values: train},
			summary.Series{Name: "Test Error", Values: test}); err != nil {
			return t.History(), err
		}
	}
	return t.History(), nil
}

// trainEpoch runs one pass over the training loader and returns the
// cumulative loss divided by the loader length.
func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (float64, error) {
	t.model.Train()
	it := t.train.Iterate(ctx)
	defer it.Close()

	bar := NewProgressBar(t.config.Progress, epoch+1, t.train.Len())
	defer bar.Finish()

	var cumulative float64
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := it.Next()
		if err != nil {
			return 0, err
		}
		if batch == nil {
			break
		}

		t.optimizer.ZeroGrad()
		out, err := t.model.Forward(batch.Images, batch.Features)
		if err != nil {
			return 0, errors.Wrapf(err, "batch %d forward", i+1)
		}
		loss, err := t.loss.Evaluate(out, batch.Targets)
		if err != nil {
			return 0, errors.Wrapf(err, "batch %d loss", i+1)
		}
		value := float64(loss.Item())
		if math.IsNaN(value) {
			return 0, errors.Errorf("batch %d: loss is NaN", i+1)
		}
		if err := loss.Backward(); err != nil {
			return 0, errors.Wrapf(err, "batch %d backward", i+1)
		}
		if err := t.optimizer.Step(); err != nil {
			return 0, errors.Wrapf(err, "batch %d optimizer step", i+1)
		}
		t.step++

		cumulative += value
		bar.Update(i+1, cumulative/float64(i+1))
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if t.train.Len() == 0 {
		return 0, nil
	}
	return cumulative / float64(t.train.Len()), nil
}

// evaluate computes the mean test loss, PSNR and pixel metrics over the test
// loader, logs them, and renders the visualization grids.
func (t *Trainer) evaluate(ctx context.Context, epoch int) (EpochStats, error) {
	t.model.Eval()
	it := t.test.Iterate(ctx)
	defer it.Close()

	var (
		losses, psnrs stats.Float64Data
		pixels        metricsAccumulator
		es            EpochStats
	)
	for {
		if err := ctx.Err(); err != nil {
			return es, err
		}
		batch, err := it.Next()
		if err != nil {
			return es, err
		}
		if batch == nil {
			break
		}
		out, err := t.model.Forward(batch.Images, batch.Features)
		if err != nil {
			return es, err
		}
		loss, err := t.loss.Evaluate(out, batch.Targets)
		if err != nil {
			return es, err
		}
		losses = append(losses, float64(loss.Item()))
		p, err := PSNR(out, batch.Targets)
		if err != nil {
			return es, err
		}
		if !math.IsInf(p, 1) {
			psnrs = append(psnrs, p)
		}
		m, err := CalculateRegressionMetrics(out, batch.Targets)
		if err != nil {
			return es, err
		}
		pixels.add(m)
	}
	if err := ctx.Err(); err != nil {
		return es, err
	}

	if len(losses) > 0 {
		es.TestLoss, _ = losses.Mean()
	}
	if len(psnrs) > 0 {
		es.TestPSNR, _ = psnrs.Mean()
	}
	es.Test = pixels.mean()
	if err := t.recorder.AddScalar("Test Error", es.TestLoss, int64(epoch)); err != nil {
		return es, err
	}
	if err := t.recorder.AddScalar("Test PSNR", es.TestPSNR, int64(epoch)); err != nil {
		return es, err
	}
	if err := t.visualize(epoch); err != nil {
		return es, err
	}
	return es, nil
}

// visualize logs one Original|Estimated|Actual grid per visualization index.
func (t *Trainer) visualize(epoch int) error {
	if t.vis == nil {
		return nil
	}
	for _, idx := range t.visIdx {
		s, err := t.vis.Get(idx)
		if err != nil {
			return errors.Wrapf(err, "visualization sample %d", idx)
		}
		images, err := tensor.Reshape(s.Image, append([]int{1}, s.Image.Shape...))
		if err != nil {
			return err
		}
		features := make([]*tensor.Tensor, len(s.Features))
		for i, f := range s.Features {
			if features[i], err = tensor.Reshape(f, append([]int{1}, f.Shape...)); err != nil {
				return err
			}
		}
		estimated, err := t.model.Forward(images, features)
		if err != nil {
			return errors.Wrapf(err, "visualization sample %d", idx)
		}
		grid, err := preprocessing.MakeGrid([]*tensor.Tensor{s.Image, estimated, s.Target}, -1, 1)
		if err != nil {
			return err
		}
		tag := fmt.Sprintf("%d:Original|Estimated|Actual", idx)
		if err := t.recorder.AddImage(tag, grid, int64(epoch)); err != nil {
			return err
		}
	}
	return nil
}

// save writes the model weights and optimizer state to path.
func (t *Trainer) save(path string, epoch int, loss float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating checkpoint directory")
	}
	optState, err := t.optimizer.GetState()
	if err != nil {
		return errors.Wrap(err, "optimizer state")
	}
	ck := &checkpoints.Checkpoint{
		ModelName: t.model.Name(),
		Weights:   checkpoints.FromStateDict(t.model.Modules().StateDict()),
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			Step:         t.step,
			LearningRate: t.optimizer.GetLearningRate(),
			BestLoss:     float32(loss),
			TotalSteps:   t.config.Epochs * t.train.Len(),
		},
		OptimizerState: optState,
		Metadata: checkpoints.CheckpointMetadata{
			Version:   "1.0.0",
			Framework: "go-retouch",
			CreatedAt: time.Now(),
			Tags:      []string{t.config.RunTag, t.loss.Name()},
		},
	}
	if err := t.saver.SaveCheckpoint(ck, path); err != nil {
		return errors.Wrapf(err, "saving %s", path)
	}
	t.logger.Info("Checkpoint saved", zap.String("path", path), zap.Int("epoch", epoch))
	return nil
}

// Command train fits a conditional photo enhancement model to one expert's
// retouching of the MIT-Adobe FiveK dataset.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	arg "github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"github.com/tsawler/go-retouch/config"
	"github.com/tsawler/go-retouch/logging"
	"github.com/tsawler/go-retouch/models"
	"github.com/tsawler/go-retouch/optimizer"
	"github.com/tsawler/go-retouch/summary"
	"github.com/tsawler/go-retouch/training"
	"github.com/tsawler/go-retouch/vision/dataloader"
	"github.com/tsawler/go-retouch/vision/dataset"
)

func main() {
	args, parser, err := config.ParseArgs(os.Args[1:])
	switch {
	case err == arg.ErrHelp:
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	case err != nil && parser != nil:
		parser.Fail(err.Error())
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.New(args, time.Now(), rand.New(rand.NewSource(time.Now().UnixNano())))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.LogLevel())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Training failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.Device().Validate(); err != nil {
		return err
	}
	logger.Info("Configuration",
		zap.Int64("seed", cfg.Seed()),
		zap.Stringer("device", cfg.Device()),
		zap.String("run", cfg.RunName()))
	rng := rand.New(rand.NewSource(cfg.Seed()))

	caches := dataloader.NewRegistry()
	defer func() {
		for name, st := range caches.Stats() {
			logger.Info("Sample cache", zap.String("name", name), zap.Stringer("stats", st))
		}
	}()

	data, err := prepareData(cfg, caches, rng, logger)
	if err != nil {
		return err
	}

	model, err := models.New(cfg.ModelType(), models.Options{FeatureDims: dataset.FeatureSizes(), Rand: rng})
	if err != nil {
		return err
	}
	logger.Debug("Model", zap.String("summary", training.DescribeModel(model.Name(), model.Modules())))

	lossOpts := training.LossOptions{Gamma: cfg.Gamma()}
	if training.NeedsScorer(cfg.Loss()) {
		if lossOpts.Scorer, err = training.LoadNimaScorer(cfg.NimaWeights(), rng); err != nil {
			return err
		}
	}
	loss, err := training.NewLoss(cfg.Loss(), lossOpts)
	if err != nil {
		return err
	}
	opt, err := optimizer.New(cfg.Optimizer(), cfg.LearningRate(), model.Modules().Tensors())
	if err != nil {
		return err
	}
	schedule, err := training.NewScheduler(cfg.LRSchedule(), cfg.Epochs())
	if err != nil {
		return err
	}

	writer, err := summary.NewWriter(cfg.SummaryDir())
	if err != nil {
		return err
	}
	defer writer.Close()
	if err := writer.AddText("Options", cfg.String(), 0); err != nil {
		return err
	}

	trainer, err := training.NewTrainer(model, loss, opt, data.trainLoader, data.testLoader, data.landscape.test, data.visIdx, writer, logger, training.TrainerConfig{
		Epochs:          cfg.Epochs(),
		CheckpointEvery: cfg.CheckpointEvery(),
		CheckpointDir:   cfg.CheckpointDir(),
		FinalDir:        cfg.FinalDir(),
		RunTag:          cfg.RunTag(),
		Scheduler:       schedule,
		PlotPath:        filepath.Join(cfg.SummaryDir(), "loss.png"),
		Progress:        os.Stdout,
	})
	if err != nil {
		return err
	}
	_, err = trainer.Run(ctx)
	return err
}

package main

import (
	"math/rand"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-retouch/config"
	"github.com/tsawler/go-retouch/training"
	"github.com/tsawler/go-retouch/vision/dataloader"
	"github.com/tsawler/go-retouch/vision/dataset"
	"github.com/tsawler/go-retouch/vision/preprocessing"
)

// trainFraction is the share of each orientation used for training.
const trainFraction = 0.8

// visualized is the number of test images rendered after every evaluation.
const visualized = 3

// orientationData holds the split of one orientation of the dataset.
type orientationData struct {
	train, test *training.Subset
}

// runData is everything a run reads samples from.
type runData struct {
	landscape, portrait     orientationData
	visIdx                  []int
	trainLoader, testLoader *training.JoinedLoader
}

// prepareData indexes and splits both orientations, picks the visualization
// samples and builds the loaders. rng is consumed in that order, so a fixed
// seed reproduces the splits, the visualization indices and the shuffles.
func prepareData(cfg *config.Config, caches *dataloader.Registry, rng *rand.Rand, logger *zap.Logger) (*runData, error) {
	var (
		d   runData
		err error
	)
	if d.landscape, err = loadOrientation(cfg, caches, dataset.Landscape, rng, logger); err != nil {
		return nil, err
	}
	if d.portrait, err = loadOrientation(cfg, caches, dataset.Portrait, rng, logger); err != nil {
		return nil, err
	}
	d.visIdx = training.SampleIndices(d.landscape.test.Len(), visualized, rng)

	if d.trainLoader, err = joinLoaders(cfg, d.landscape.train, d.portrait.train, true, rng); err != nil {
		return nil, err
	}
	if d.testLoader, err = joinLoaders(cfg, d.landscape.test, d.portrait.test, false, rng); err != nil {
		return nil, err
	}
	return &d, nil
}

// loadOrientation indexes one orientation of the dataset and splits it.
func loadOrientation(cfg *config.Config, caches *dataloader.Registry, o dataset.Orientation, rng *rand.Rand, logger *zap.Logger) (orientationData, error) {
	w, h := cfg.LandscapeSize()
	if o == dataset.Portrait {
		w, h = cfg.PortraitSize()
	}
	opts := dataset.Options{
		Root:        cfg.DataPath(),
		ExpertIdx:   cfg.ExpertIdx(),
		Orientation: o,
		Transform:   preprocessing.NewImageProcessor(w, h),
		UseFeatures: true,
		Palette:     cfg.Palette(),
		Logger:      logger,
	}
	if cfg.CacheSize() > 0 {
		cache, err := caches.GetOrCreate(o.String(), cfg.CacheSize())
		if err != nil {
			return orientationData{}, err
		}
		opts.Cache = cache
	}
	ds, err := dataset.NewFiveK(opts)
	if err != nil {
		return orientationData{}, errors.Wrapf(err, "%s images", o)
	}
	train, test, err := training.RandomSplit(ds, trainFraction, rng)
	if err != nil {
		return orientationData{}, err
	}
	logger.Info("Dataset split",
		zap.Stringer("orientation", o),
		zap.Int("train", train.Len()),
		zap.Int("test", test.Len()))
	return orientationData{train: train, test: test}, nil
}

// joinLoaders batches both orientations separately and interleaves them with
// the configured policy, landscape first.
func joinLoaders(cfg *config.Config, landscape, portrait training.Dataset, shuffle bool, rng *rand.Rand) (*training.JoinedLoader, error) {
	loaders := make([]training.Loader, 2)
	for i, ds := range []training.Dataset{landscape, portrait} {
		lc := training.LoaderConfig{
			BatchSize:  cfg.BatchSize(),
			Shuffle:    shuffle,
			NumWorkers: cfg.NumWorkers(),
			Prefetch:   2,
		}
		if shuffle {
			lc.Rand = rand.New(rand.NewSource(rng.Int63()))
		}
		l, err := training.NewDataLoader(ds, lc)
		if err != nil {
			return nil, err
		}
		loaders[i] = l
	}
	return training.NewJoinedLoader(loaders[0], loaders[1], cfg.JoinPolicy())
}

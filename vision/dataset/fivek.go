package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-retouch/vision/dataloader"
	"github.com/tsawler/go-retouch/vision/preprocessing"
)

// ErrIndexOutOfRange is returned by Get for an index outside [0, Len()).
var ErrIndexOutOfRange = errors.New("dataset: index out of range")

// Experts lists the retouched target directories in expert index order.
var Experts = []string{"expertA", "expertB", "expertC", "expertD", "expertE"}

var supportedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".tif": true, ".tiff": true,
}

// Orientation selects which images a dataset keeps.
type Orientation int

const (
	// Landscape keeps images wider than they are tall.
	Landscape Orientation = iota
	// Portrait keeps everything else, so every image lands in exactly one group.
	Portrait
)

func (o Orientation) String() string {
	if o == Portrait {
		return "portrait"
	}
	return "landscape"
}

// Matches reports whether a width×height image belongs to o.
func (o Orientation) Matches(width, height int) bool {
	if o == Landscape {
		return width > height
	}
	return height >= width
}

// Options configures a FiveK dataset.
type Options struct {
	Root        string
	ExpertIdx   int
	Orientation Orientation
	Transform   *preprocessing.ImageProcessor
	UseFeatures bool
	Palette     PaletteMethod

	// CacheSize bounds a private sample cache; zero disables caching.
	// Cache, when set, is used instead and may be shared.
	CacheSize int
	Cache     *dataloader.SampleCache

	Logger *zap.Logger
}

type pair struct {
	name   string
	input  string
	target string
}

// FiveK reads input/target pairs of the MIT-Adobe FiveK layout:
//
//	<root>/input/<name>.<ext>
//	<root>/expertA..E/<name>.<ext>
//	<root>/metadata.csv
type FiveK struct {
	opts     Options
	pairs    []pair
	metadata map[string]metadataRow
	cache    *dataloader.SampleCache
	logger   *zap.Logger
}

// NewFiveK scans the dataset root and keeps the pairs whose input image has
// the requested orientation, sorted by name.
func NewFiveK(opts Options) (*FiveK, error) {
	if opts.ExpertIdx < 0 || opts.ExpertIdx >= len(Experts) {
		return nil, errors.Errorf("expert index %d out of range [0, %d)", opts.ExpertIdx, len(Experts))
	}
	if opts.Transform == nil {
		return nil, errors.New("dataset: transform is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	inputDir := filepath.Join(opts.Root, "input")
	expertDir := filepath.Join(opts.Root, Experts[opts.ExpertIdx])
	targets, err := indexByName(expertDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, errors.Wrap(err, "listing input images")
	}

	d := &FiveK{opts: opts, logger: logger}
	var skipped, missing int
	for _, e := range entries {
		if e.IsDir() || !supportedExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		target, ok := targets[name]
		if !ok {
			missing++
			continue
		}
		input := filepath.Join(inputDir, e.Name())
		w, h, err := preprocessing.Dimensions(input)
		if err != nil {
			return nil, err
		}
		if !opts.Orientation.Matches(w, h) {
			skipped++
			continue
		}
		d.pairs = append(d.pairs, pair{name: name, input: input, target: target})
	}
	if len(d.pairs) == 0 {
		return nil, errors.Errorf("no %s images with %s targets found in %s", opts.Orientation, Experts[opts.ExpertIdx], opts.Root)
	}

	if opts.UseFeatures {
		if d.metadata, err = readMetadata(filepath.Join(opts.Root, "metadata.csv")); err != nil {
			return nil, err
		}
	}

	switch {
	case opts.Cache != nil:
		d.cache = opts.Cache
	case opts.CacheSize > 0:
		if d.cache, err = dataloader.NewSampleCache(opts.CacheSize); err != nil {
			return nil, err
		}
	}

	logger.Info("dataset loaded",
		zap.String("orientation", opts.Orientation.String()),
		zap.String("expert", Experts[opts.ExpertIdx]),
		zap.Int("samples", len(d.pairs)),
		zap.Int("other_orientation", skipped),
		zap.Int("missing_target", missing),
		zap.Int("metadata_rows", len(d.metadata)))
	return d, nil
}

// indexByName maps file names without extension to paths for the supported
// images in dir.
func indexByName(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || !supportedExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		out[strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))] = filepath.Join(dir, e.Name())
	}
	return out, nil
}

// Len returns the number of samples.
func (d *FiveK) Len() int {
	return len(d.pairs)
}

func (d *FiveK) checkIndex(idx int) error {
	if idx < 0 || idx >= len(d.pairs) {
		return errors.Wrapf(ErrIndexOutOfRange, "index %d, length %d", idx, len(d.pairs))
	}
	return nil
}

// Get returns sample idx: the transformed input and target images and, when
// features are enabled, the location, time, light, subject and palette vectors.
func (d *FiveK) Get(idx int) (dataloader.Sample, error) {
	if err := d.checkIndex(idx); err != nil {
		return dataloader.Sample{}, err
	}
	p := d.pairs[idx]
	key := fmt.Sprintf("%s/%s/%s", Experts[d.opts.ExpertIdx], d.opts.Orientation, p.name)
	if d.cache != nil {
		if s, ok := d.cache.Get(key); ok {
			return s, nil
		}
	}

	f, err := os.Open(p.input)
	if err != nil {
		return dataloader.Sample{}, errors.Wrap(err, "opening input image")
	}
	img, err := preprocessing.Decode(f)
	f.Close()
	if err != nil {
		return dataloader.Sample{}, errors.Wrap(err, p.input)
	}
	target, err := d.opts.Transform.LoadFile(p.target)
	if err != nil {
		return dataloader.Sample{}, err
	}

	s := dataloader.Sample{
		Image:  d.opts.Transform.Process(img).Tensor(),
		Target: target.Tensor(),
	}
	if d.opts.UseFeatures {
		s.Features = append(metadataFeatures(d.metadata[p.name]),
			paletteFeature(preprocessing.Thumbnail(img, thumbnailSide), d.opts.Palette))
	}

	if d.cache != nil {
		d.cache.Put(key, s)
	}
	return s, nil
}

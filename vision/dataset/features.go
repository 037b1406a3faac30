package dataset

import (
	"image"
	"image/color"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/cenkalti/dominantcolor"
	"github.com/gocarina/gocsv"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/muesli/clusters"
	"github.com/pkg/errors"

	"github.com/tsawler/go-retouch/tensor"
)

// Vocabularies of the categorical metadata columns. Any other value, and any
// image without a metadata row, maps to the trailing "unknown" slot.
var (
	locations = []string{"indoor", "outdoor"}
	times     = []string{"day", "night"}
	lights    = []string{"sun_sky", "artificial", "mixed"}
	subjects  = []string{"people", "nature", "man_made", "animals", "abstract"}
)

// PaletteColors is the number of dominant colors in the palette feature.
const PaletteColors = 3

// thumbnailSide bounds the image the palette is extracted from.
const thumbnailSide = 96

// FeatureSizes returns the length of each feature vector returned by Get, in
// order: location, time, light, subject, palette.
func FeatureSizes() []int {
	return []int{
		len(locations) + 1,
		len(times) + 1,
		len(lights) + 1,
		len(subjects) + 1,
		PaletteColors * 3,
	}
}

// PaletteMethod selects how dominant colors are extracted.
type PaletteMethod int

const (
	PaletteDominant PaletteMethod = iota
	PaletteKMeans
)

func (m PaletteMethod) String() string {
	switch m {
	case PaletteKMeans:
		return "kmeans"
	default:
		return "dominantcolor"
	}
}

// metadataRow is one line of metadata.csv.
type metadataRow struct {
	Name     string `csv:"name"`
	Location string `csv:"location"`
	Time     string `csv:"time"`
	Light    string `csv:"light"`
	Subject  string `csv:"subject"`
}

// readMetadata parses metadata.csv into rows keyed by image name. A missing
// file yields an empty map.
func readMetadata(path string) (map[string]metadataRow, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[string]metadataRow{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening metadata")
	}
	defer f.Close()

	var rows []*metadataRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	out := make(map[string]metadataRow, len(rows))
	for _, r := range rows {
		out[strings.TrimSpace(r.Name)] = *r
	}
	return out, nil
}

func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(s)
}

// oneHot encodes value against vocab with one extra slot for unknown values.
func oneHot(vocab []string, value string) *tensor.Tensor {
	data := make([]float32, len(vocab)+1)
	idx := len(vocab)
	v := normalizeLabel(value)
	for i, word := range vocab {
		if word == v {
			idx = i
			break
		}
	}
	data[idx] = 1
	return tensor.MustNew([]int{len(data)}, data)
}

// metadataFeatures returns the four categorical one-hot vectors for row.
func metadataFeatures(row metadataRow) []*tensor.Tensor {
	return []*tensor.Tensor{
		oneHot(locations, row.Location),
		oneHot(times, row.Time),
		oneHot(lights, row.Light),
		oneHot(subjects, row.Subject),
	}
}

type weightedColor struct {
	col    colorful.Color
	weight float64
}

func dominantPalette(img image.Image, k int) []weightedColor {
	candidates := dominantcolor.FindWeight(img, k)
	out := make([]weightedColor, 0, len(candidates))
	for _, c := range candidates {
		col, _ := colorful.MakeColor(c.RGBA)
		out = append(out, weightedColor{col: col.Clamped(), weight: c.Weight})
	}
	return out
}

// kmeansRounds bounds the Lloyd iterations of kmeansPalette.
const kmeansRounds = 20

// kmeansPalette refines the dominant colors of img with Lloyd iterations over
// every opaque pixel. Centers start from dominantPalette, so the result
// depends on the image alone.
func kmeansPalette(img image.Image, k int) []weightedColor {
	seeds := dominantPalette(img, k)
	if len(seeds) == 0 {
		return nil
	}
	cc := make(clusters.Clusters, len(seeds))
	for i, s := range seeds {
		cc[i].Center = clusters.Coordinates{s.col.R, s.col.G, s.col.B}
	}

	b := img.Bounds()
	var obs clusters.Observations
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			if a == 0 {
				continue
			}
			obs = append(obs, clusters.Coordinates{
				float64(r) / 65535.0,
				float64(g) / 65535.0,
				float64(bl) / 65535.0,
			})
		}
	}
	if len(obs) < k {
		return nil
	}

	assigned := make([]int, len(obs))
	for i := range assigned {
		assigned[i] = -1
	}
	for round := 0; round < kmeansRounds; round++ {
		cc.Reset()
		changes := 0
		for p, o := range obs {
			ci := cc.Nearest(o)
			cc[ci].Append(o)
			if assigned[p] != ci {
				assigned[p] = ci
				changes++
			}
		}
		if changes == 0 {
			break
		}
		// An empty cluster keeps its previous center.
		cc.Recenter()
	}

	out := make([]weightedColor, 0, len(cc))
	for _, c := range cc {
		if len(c.Observations) == 0 {
			continue
		}
		col := colorful.Color{R: c.Center[0], G: c.Center[1], B: c.Center[2]}.Clamped()
		out = append(out, weightedColor{col: col, weight: float64(len(c.Observations))})
	}
	return out
}

// paletteFeature returns the PaletteColors most dominant colors of img in
// CIE-Lab, heaviest first, as [L*2-1, a, b] triples. Missing colors repeat
// the last one found; an image with no usable colors yields mid grey.
func paletteFeature(img image.Image, method PaletteMethod) *tensor.Tensor {
	var colors []weightedColor
	if method == PaletteKMeans {
		colors = kmeansPalette(img, PaletteColors)
	}
	if len(colors) == 0 {
		colors = dominantPalette(img, PaletteColors)
	}
	if len(colors) == 0 {
		grey, _ := colorful.MakeColor(color.RGBA{R: 128, G: 128, B: 128, A: 255})
		colors = []weightedColor{{col: grey, weight: 1}}
	}
	sort.SliceStable(colors, func(i, j int) bool { return colors[i].weight > colors[j].weight })

	data := make([]float32, 0, PaletteColors*3)
	for i := 0; i < PaletteColors; i++ {
		c := colors[min(i, len(colors)-1)].col
		l, a, b := c.Lab()
		data = append(data, float32(2*l-1), clampUnit(a), clampUnit(b))
	}
	return tensor.MustNew([]int{len(data)}, data)
}

func clampUnit(v float64) float32 {
	return float32(math.Max(-1, math.Min(1, v)))
}

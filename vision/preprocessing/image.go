package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/go-retouch/tensor"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// ImageProcessor resizes decoded images to a fixed size and converts them to
// CHW float32 data normalized to [-1, 1]. The resize buffer is reused across
// calls; one processor may be shared by several goroutines.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	width, height   int
}

// NewImageProcessor creates a processor producing width×height images.
func NewImageProcessor(width, height int) *ImageProcessor {
	return &ImageProcessor{
		width:  width,
		height: height,
	}
}

// Size returns the output width and height.
func (p *ImageProcessor) Size() (int, int) { return p.width, p.height }

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32 // CHW
	Width    int
	Height   int
	Channels int
}

// Tensor wraps the image data as a [3,H,W] tensor without copying.
func (pi *ProcessedImage) Tensor() *tensor.Tensor {
	return tensor.MustNew([]int{pi.Channels, pi.Height, pi.Width}, pi.Data)
}

// Decode decodes a JPEG, PNG or TIFF image.
func Decode(reader io.Reader) (image.Image, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	return img, nil
}

// Dimensions reads only the header of the image at path.
func Dimensions(path string) (width, height int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to open image")
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to read image header of %s", path)
	}
	return cfg.Width, cfg.Height, nil
}

// LoadFile decodes and preprocesses the image at path.
func (p *ImageProcessor) LoadFile(path string) (*ProcessedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer f.Close()
	processed, err := p.DecodeAndPreprocess(f)
	return processed, errors.Wrap(err, path)
}

// DecodeAndPreprocess decodes an image and preprocesses it for neural network input
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, err := Decode(reader)
	if err != nil {
		return nil, err
	}
	return p.Process(img), nil
}

// Process resizes img with bilinear filtering and returns CHW data mapped
// from [0, 1] to [-1, 1] with (x - 0.5) / 0.5 per channel.
func (p *ImageProcessor) Process(img image.Image) *ProcessedImage {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tempImageBuffer == nil {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	}
	target := p.tempImageBuffer
	draw.BiLinear.Scale(target, target.Bounds(), img, img.Bounds(), draw.Src, nil)

	area := p.width * p.height
	data := make([]float32, 3*area)
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			off := target.PixOffset(x, y)
			idx := y*p.width + x
			for c := 0; c < 3; c++ {
				v := float32(target.Pix[off+c]) / 255.0
				data[c*area+idx] = (v - 0.5) / 0.5
			}
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    p.width,
		Height:   p.height,
		Channels: 3,
	}
}

// Thumbnail scales img so that its longer side is at most maxSide pixels,
// keeping the aspect ratio. Smaller images are returned unchanged.
func Thumbnail(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide {
		return img
	}
	if w >= h {
		h = max(1, h*maxSide/w)
		w = maxSide
	} else {
		w = max(1, w*maxSide/h)
		h = maxSide
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// TensorToImage renders a [3,H,W] or [1,3,H,W] tensor as an RGBA image,
// mapping [lo, hi] to the full 8-bit range and clamping values outside it.
func TensorToImage(t *tensor.Tensor, lo, hi float32) (*image.RGBA, error) {
	shape := t.Shape
	if len(shape) == 4 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 3 || shape[0] != 3 {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "expected a [3,H,W] image, got %v", t.Shape)
	}
	h, w := shape[1], shape[2]
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	drawTensor(img, t.Data, 0, w, h, lo, hi)
	return img, nil
}

func drawTensor(dst *image.RGBA, data []float32, top, w, h int, lo, hi float32) {
	area := w * h
	span := hi - lo
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var px [3]uint8
			for c := 0; c < 3; c++ {
				v := (data[c*area+y*w+x] - lo) / span
				if v < 0 {
					v = 0
				} else if v > 1 {
					v = 1
				}
				px[c] = uint8(v*255 + 0.5)
			}
			dst.SetRGBA(x, top+y, color.RGBA{R: px[0], G: px[1], B: px[2], A: 255})
		}
	}
}

// GridPadding is the border, in pixels, drawn around and between grid cells.
const GridPadding = 2

// MakeGrid stacks images of equal size vertically, one per row, with a black
// border of GridPadding pixels. Values in [lo, hi] are normalized to the full
// pixel range. Each image is [3,H,W] or [1,3,H,W].
func MakeGrid(images []*tensor.Tensor, lo, hi float32) (*image.RGBA, error) {
	if len(images) == 0 {
		return nil, errors.New("make grid: no images")
	}
	first, err := TensorToImage(images[0], lo, hi)
	if err != nil {
		return nil, errors.Wrap(err, "grid image 0")
	}
	w, h := first.Bounds().Dx(), first.Bounds().Dy()
	gridW := w + 2*GridPadding
	gridH := len(images)*(h+GridPadding) + GridPadding

	grid := image.NewRGBA(image.Rect(0, 0, gridW, gridH))
	draw.Draw(grid, grid.Bounds(), image.NewUniform(color.RGBA{A: 255}), image.Point{}, draw.Src)

	for i, t := range images {
		cell, err := TensorToImage(t, lo, hi)
		if err != nil {
			return nil, errors.Wrapf(err, "grid image %d", i)
		}
		if cell.Bounds().Dx() != w || cell.Bounds().Dy() != h {
			return nil, errors.Wrapf(tensor.ErrShapeMismatch, "grid image %d is %v, expected %dx%d", i, cell.Bounds().Size(), w, h)
		}
		top := GridPadding + i*(h+GridPadding)
		r := image.Rect(GridPadding, top, GridPadding+w, top+h)
		draw.Draw(grid, r, cell, image.Point{}, draw.Src)
	}
	return grid, nil
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, "failed to encode png")
	}
	return buf.Bytes(), nil
}

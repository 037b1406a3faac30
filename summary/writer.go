// Package summary writes TensorBoard-readable event files and renders loss
// curves.
package summary

import (
	"bufio"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-retouch/vision/preprocessing"
)

// fileVersion is the first record of every event file.
const fileVersion = "brain.Event:2"

// colorspaceRGBA marks four-channel images.
const colorspaceRGBA = 4

// Writer appends summaries to one event file. It is safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	buf  *bufio.Writer
	path string
	now  func() time.Time
}

// NewWriter creates dir if needed and opens a new event file in it named
// events.out.tfevents.<unix seconds>.<hostname>.
func NewWriter(dir string) (*Writer, error) {
	return newWriter(dir, time.Now)
}

func newWriter(dir string, now func() time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating summary directory")
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	path := filepath.Join(dir, fmt.Sprintf("events.out.tfevents.%d.%s", now().Unix(), host))
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "creating event file")
	}
	w := &Writer{f: f, buf: bufio.NewWriter(f), path: path, now: now}
	if err := w.write(Event{FileVersion: fileVersion}); err != nil {
		f.Close()
		return nil, err
	}
	return w, w.Flush()
}

// Path returns the event file path.
func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) write(e Event) error {
	e.WallTime = float64(w.now().UnixNano()) / 1e9
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return errors.New("summary writer is closed")
	}
	return writeRecord(w.buf, marshalEvent(e))
}

// AddScalar records value under tag at step.
func (w *Writer) AddScalar(tag string, value float64, step int64) error {
	return w.write(Event{Step: step, Values: []Value{{Tag: tag, Kind: KindScalar, Simple: float32(value)}}})
}

// AddText records a text summary, shown by TensorBoard's text plugin.
func (w *Writer) AddText(tag, text string, step int64) error {
	return w.write(Event{Step: step, Values: []Value{{Tag: tag, Kind: KindText, Text: text}}})
}

// AddImage records img as a PNG image summary.
func (w *Writer) AddImage(tag string, img image.Image, step int64) error {
	encoded, err := preprocessing.EncodePNG(img)
	if err != nil {
		return errors.Wrap(err, "encoding image summary")
	}
	b := img.Bounds()
	return w.write(Event{Step: step, Values: []Value{{
		Tag:  tag,
		Kind: KindImage,
		Image: &Image{
			Height:     b.Dy(),
			Width:      b.Dx(),
			Colorspace: colorspaceRGBA,
			Encoded:    encoded,
		},
	}}})
}

// Flush writes buffered records to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return errors.Wrap(w.buf.Flush(), "flushing event file")
}

// Close flushes and closes the event file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.buf.Flush()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f = nil
	return errors.Wrap(err, "closing event file")
}

// ReadEvents decodes every record of the event file at path.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening event file")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var events []Event
	for {
		data, err := readRecord(r)
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", len(events))
		}
		e, err := unmarshalEvent(data)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding record %d", len(events))
		}
		events = append(events, e)
	}
}

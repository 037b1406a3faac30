package summary

import (
	"bufio"
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	t := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestMaskedCRC(t *testing.T) {
	// crc32c("") is 0, so the masked value is just the mask delta.
	if got := maskedCRC(nil); got != 0xa282ead8 {
		t.Errorf("maskedCRC(nil) = %#x", got)
	}
	if maskedCRC([]byte("a")) == maskedCRC([]byte("b")) {
		t.Error("different inputs should give different checksums")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{7}, 1000)}
	for _, p := range payloads {
		if err := writeRecord(&buf, p); err != nil {
			t.Fatal(err)
		}
	}
	if buf.Len() != 3*16+5+1000 {
		t.Errorf("unexpected framed size %d", buf.Len())
	}
	r := bufio.NewReader(bytes.NewReader(buf.Bytes()))
	for i, want := range payloads {
		got, err := readRecord(r)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("record %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}

	corrupt := append([]byte(nil), buf.Bytes()...)
	corrupt[14] ^= 0xff
	if _, err := readRecord(bufio.NewReader(bytes.NewReader(corrupt))); err == nil {
		t.Error("expected checksum error for corrupted data")
	}
}

func TestWriterEvents(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	w, err := newWriter(dir, fixedClock())
	if err != nil {
		t.Fatalf("newWriter: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(w.Path()), "events.out.tfevents.1709294400.") {
		t.Errorf("unexpected file name %s", filepath.Base(w.Path()))
	}

	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})

	if err := w.AddText("Options", "batch_size=8", 0); err != nil {
		t.Fatal(err)
	}
	if err := w.AddScalar("Train Error", 0.25, 3); err != nil {
		t.Fatal(err)
	}
	if err := w.AddImage("7:Original|Estimated|Actual", img, 3); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.AddScalar("late", 1, 1); err == nil {
		t.Error("writing after Close should fail")
	}

	events, err := ReadEvents(w.Path())
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].FileVersion != "brain.Event:2" {
		t.Errorf("first event version %q", events[0].FileVersion)
	}
	if math.Abs(events[0].WallTime-1709294400) > 1e-3 {
		t.Errorf("wall time %v", events[0].WallTime)
	}

	text := events[1].Values[0]
	if text.Tag != "Options" || text.Kind != KindText || text.Text != "batch_size=8" {
		t.Errorf("text event %+v", text)
	}

	scalar := events[2]
	if scalar.Step != 3 || scalar.Values[0].Tag != "Train Error" || scalar.Values[0].Simple != 0.25 {
		t.Errorf("scalar event %+v", scalar)
	}

	imgValue := events[3].Values[0]
	if imgValue.Kind != KindImage || imgValue.Image.Width != 4 || imgValue.Image.Height != 3 {
		t.Fatalf("image event %+v", imgValue)
	}
	decoded, err := png.Decode(bytes.NewReader(imgValue.Image.Encoded))
	if err != nil {
		t.Fatalf("decoding image summary: %v", err)
	}
	if r, _, _, _ := decoded.At(1, 1).RGBA(); r != 0xffff {
		t.Errorf("pixel (1,1) red = %#x", r)
	}
}

func TestPlotLosses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loss.png")
	err := PlotLosses(path,
		Series{Name: "train", Values: []float64{1, 0.5, 0.25}},
		Series{Name: "test", Values: []float64{1.2, 0.7, 0.4}},
		Series{Name: "empty"},
	)
	if err != nil {
		t.Fatalf("PlotLosses: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := png.DecodeConfig(f); err != nil {
		t.Errorf("loss plot is not a PNG: %v", err)
	}
}

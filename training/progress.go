package training

import (
	"fmt"
	"io"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"

	"github.com/tsawler/go-retouch/layers"
)

// ProgressBar renders per-batch training progress on one terminal line:
//
//	[Epoch 3, Batch 12] loss: 0.041 |██████      | 12/24 [00:09<00:09, 1.31batch/s]
//
// The loss shown is the running mean over the epoch so far.
type ProgressBar struct {
	out     io.Writer
	epoch   int
	total   int
	current int
	loss    float64
	width   int
	start   time.Time
	now     func() time.Time
}

// NewProgressBar starts a bar for epoch (1-based) with total batches.
func NewProgressBar(out io.Writer, epoch, total int) *ProgressBar {
	return newProgressBar(out, epoch, total, time.Now)
}

func newProgressBar(out io.Writer, epoch, total int, now func() time.Time) *ProgressBar {
	return &ProgressBar{
		out:   out,
		epoch: epoch,
		total: total,
		width: 30,
		start: now(),
		now:   now,
	}
}

// Update records that batch (1-based) finished with the given running loss.
func (pb *ProgressBar) Update(batch int, loss float64) {
	pb.current = batch
	pb.loss = loss
	pb.render()
}

// Finish ends the line.
func (pb *ProgressBar) Finish() {
	fmt.Fprintln(pb.out)
}

// Line returns the current progress line without the carriage return.
func (pb *ProgressBar) Line() string {
	fraction := 1.0
	if pb.total > 0 {
		fraction = float64(pb.current) / float64(pb.total)
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := pb.now().Sub(pb.start)
	var eta time.Duration
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		eta = time.Duration(float64(elapsed)/fraction) - elapsed
	}

	line := fmt.Sprintf("[Epoch %d, Batch %2d] loss: %.3f |%s| %d/%d [%s<%s",
		pb.epoch, pb.current, pb.loss, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))
	if rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}
	return line + "]"
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.Line())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// DescribeModel returns the layer summary of a model followed by its
// parameter count and float32 parameter size.
func DescribeModel(name string, modules layers.Stack) string {
	var sb strings.Builder
	sb.WriteString(modules.Summary(name))
	n := modules.CountParameters()
	fmt.Fprintf(&sb, "\nTrainable parameters: %s\n", humanize.Comma(n))
	fmt.Fprintf(&sb, "Params size: %s\n", humanize.Bytes(uint64(n)*4))
	return sb.String()
}

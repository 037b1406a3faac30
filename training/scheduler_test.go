package training

import (
	"math"
	"testing"

	"github.com/pkg/errors"
)

func TestSchedulers(t *testing.T) {
	tests := []struct {
		name   string
		epochs int
		epoch  int
		want   float64
	}{
		{"constant", 10, 7, 1},
		{"step", 9, 2, 1},
		{"step", 9, 3, 0.1},
		{"step", 9, 6, 0.01},
		{"exponential", 10, 2, 0.9025},
		{"cosine", 10, 0, 1},
		{"cosine", 10, 5, 0.5},
		{"cosine", 10, 10, 0},
	}
	for _, tt := range tests {
		s, err := NewScheduler(tt.name, tt.epochs)
		if err != nil {
			t.Fatal(err)
		}
		if got := s.GetLR(tt.epoch, 1); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s(%d epochs) at epoch %d = %v, want %v", s.GetName(), tt.epochs, tt.epoch, got, tt.want)
		}
	}
	if _, err := NewScheduler("warmup", 10); !errors.Is(err, ErrUnknownSchedule) {
		t.Errorf("expected ErrUnknownSchedule, got %v", err)
	}
}

func TestStepSchedulerShortRun(t *testing.T) {
	s, _ := NewScheduler("step", 2)
	if got := s.GetLR(1, 1); math.Abs(got-0.1) > 1e-9 {
		t.Errorf("GetLR(1) = %v, want 0.1", got)
	}
}

package training

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// ErrUnknownSchedule is returned by NewScheduler for unrecognized names.
var ErrUnknownSchedule = errors.New("unknown learning rate schedule")

// LRScheduler maps an epoch to a learning rate. Schedulers are stateless.
type LRScheduler interface {
	// GetLR returns the learning rate for the 0-based epoch.
	GetLR(epoch int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

var schedules = map[string]func(epochs int) LRScheduler{
	"constant":    func(int) LRScheduler { return ConstantScheduler{} },
	"step":        func(epochs int) LRScheduler { return NewStepLRScheduler(max(1, epochs/3), 0.1) },
	"exponential": func(int) LRScheduler { return NewExponentialLRScheduler(0.95) },
	"cosine":      func(epochs int) LRScheduler { return NewCosineAnnealingLRScheduler(epochs, 0) },
}

// ScheduleNames returns the schedules accepted by NewScheduler.
func ScheduleNames() []string {
	names := make([]string, 0, len(schedules))
	for name := range schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewScheduler returns the named schedule sized for a run of epochs.
func NewScheduler(name string, epochs int) (LRScheduler, error) {
	build, ok := schedules[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSchedule, "%q (valid: %v)", name, ScheduleNames())
	}
	return build(epochs), nil
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler anneals from the base rate to EtaMin over TMax
// epochs along half a cosine.
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ConstantScheduler keeps the base learning rate.
type ConstantScheduler struct{}

func (ConstantScheduler) GetLR(epoch int, baseLR float64) float64 { return baseLR }
func (ConstantScheduler) GetName() string                         { return "ConstantLR" }

package optimizer

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tsawler/go-retouch/checkpoints"
	"github.com/tsawler/go-retouch/tensor"
)

// Optimizer defines the common interface for all optimizers.
// Parameters are bound at construction; Step reads their accumulated
// gradients and updates their values in place.
type Optimizer interface {
	// Step performs a single optimization step
	Step() error

	// ZeroGrad clears the gradients of every bound parameter
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// GetLearningRate returns the current learning rate
	GetLearningRate() float32
}

// New builds the optimizer selected by name ("adam" or "sgd") over params.
func New(name string, lr float32, params []*tensor.Tensor) (Optimizer, error) {
	switch name {
	case "adam":
		config := DefaultAdamConfig()
		config.LearningRate = lr
		return NewAdamOptimizer(config, params)
	case "sgd":
		config := DefaultSGDConfig()
		config.LearningRate = lr
		return NewSGDOptimizer(config, params)
	default:
		return nil, errors.Errorf("unknown optimizer %q (valid: adam, sgd)", name)
	}
}

func zeroGrads(params []*tensor.Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

func checkParams(params []*tensor.Tensor) error {
	if len(params) == 0 {
		return errors.New("no parameters provided")
	}
	for i, p := range params {
		if !p.RequiresGrad() {
			return errors.Errorf("parameter %d does not require gradients", i)
		}
	}
	return nil
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return errors.New("nil optimizer state")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

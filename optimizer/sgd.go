package optimizer

import (
	"github.com/pkg/errors"
	"github.com/tsawler/go-retouch/checkpoints"
	"github.com/tsawler/go-retouch/tensor"
)

// SGDOptimizerState holds the velocity of momentum SGD.
type SGDOptimizerState struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool

	MomentumBuffers [][]float32
	StepCount       uint64

	params []*tensor.Tensor
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

func NewSGDOptimizer(config SGDConfig, params []*tensor.Tensor) (*SGDOptimizerState, error) {
	if err := checkParams(params); err != nil {
		return nil, errors.Wrap(err, "sgd")
	}
	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}
	if sgd.Momentum > 0 {
		sgd.MomentumBuffers = make([][]float32, len(params))
		for i, p := range params {
			sgd.MomentumBuffers[i] = make([]float32, p.NumElems)
		}
	}
	return sgd, nil
}

// Step applies v = μv + g; p -= lr·v (or lr·(g + μv) with Nesterov).
func (sgd *SGDOptimizerState) Step() error {
	sgd.StepCount++
	for i, p := range sgd.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if len(grad.Data) != len(p.Data) {
			return errors.Errorf("sgd: gradient of parameter %d has %d elements, expected %d", i, len(grad.Data), len(p.Data))
		}
		for j, g := range grad.Data {
			if sgd.WeightDecay != 0 {
				g += sgd.WeightDecay * p.Data[j]
			}
			if sgd.MomentumBuffers != nil {
				v := sgd.MomentumBuffers[i]
				v[j] = sgd.Momentum*v[j] + g
				if sgd.Nesterov {
					g += sgd.Momentum * v[j]
				} else {
					g = v[j]
				}
			}
			p.Data[j] -= sgd.LearningRate * g
		}
	}
	return nil
}

func (sgd *SGDOptimizerState) ZeroGrad() { zeroGrads(sgd.params) }

func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

func (sgd *SGDOptimizerState) GetLearningRate() float32 { return sgd.LearningRate }

func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.MomentumBuffers))
	for i, buffer := range sgd.MomentumBuffers {
		stateData = append(stateData, extractBufferState(buffer, bufferName("momentum", i), "momentum"))
	}

	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	if sgd.MomentumBuffers == nil {
		return nil
	}
	return restoreStateTensors(sgd.MomentumBuffers, state.StateData, "momentum")
}

package optimizer

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tsawler/go-retouch/checkpoints"
)

// extractBufferState copies a state buffer for checkpointing.
func extractBufferState(buffer []float32, name string, stateType string) checkpoints.OptimizerTensor {
	data := make([]float32, len(buffer))
	copy(data, buffer)
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(data)},
		Data:      data,
		StateType: stateType,
	}
}

// restoreStateTensors writes every state tensor of stateType back into
// buffers, using the index encoded in the tensor name.
func restoreStateTensors(buffers [][]float32, tensors []checkpoints.OptimizerTensor, stateType string) error {
	for _, t := range tensors {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(buffers) {
			return errors.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if len(t.Data) != len(buffers[idx]) {
			return errors.Errorf("data size mismatch for %s: expected %d elements, got %d", t.Name, len(buffers[idx]), len(t.Data))
		}
		copy(buffers[idx], t.Data)
	}
	return nil
}

func bufferName(prefix string, i int) string {
	return fmt.Sprintf("%s_%d", prefix, i)
}

// extractFloat32Param safely extracts a float32 parameter from the state map.
// Values decoded from JSON arrive as float64.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch val := params[key].(type) {
	case float64:
		return float32(val)
	case float32:
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	}
	return defaultValue
}

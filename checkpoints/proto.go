package checkpoints

import (
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of the binary checkpoint. Field numbers are stable; readers
// skip fields they do not know.
//
//	Checkpoint      1 model_name  2 weights (repeated WeightTensor)
//	                3 training    4 metadata  5 optimizer
//	WeightTensor    1 name  2 shape (packed varint)  3 data (packed fixed32)
//	                4 layer  5 type
//	TrainingState   1 epoch  2 step  3 learning_rate (fixed32)
//	                4 best_loss (fixed32)  5 total_steps
//	Metadata        1 version  2 framework  3 created_at (unix nanos)
//	                4 description  5 tags (repeated)
//	OptimizerState  1 type  2 parameters (JSON)  3 state (repeated OptimizerTensor)
//	OptimizerTensor 1 name  2 shape  3 data  4 state_type

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, f float32) []byte {
	if f == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(f))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendShape(b []byte, num protowire.Number, shape []int) []byte {
	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	return appendMessage(b, num, packed)
}

func appendData(b []byte, num protowire.Number, data []float32) []byte {
	packed := make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}

func marshalCheckpoint(c *Checkpoint) ([]byte, error) {
	var b []byte
	b = appendString(b, 1, c.ModelName)
	for _, w := range c.Weights {
		var m []byte
		m = appendString(m, 1, w.Name)
		m = appendShape(m, 2, w.Shape)
		m = appendData(m, 3, w.Data)
		m = appendString(m, 4, w.Layer)
		m = appendString(m, 5, w.Type)
		b = appendMessage(b, 2, m)
	}

	var ts []byte
	ts = appendVarint(ts, 1, uint64(c.TrainingState.Epoch))
	ts = appendVarint(ts, 2, uint64(c.TrainingState.Step))
	ts = appendFloat(ts, 3, c.TrainingState.LearningRate)
	ts = appendFloat(ts, 4, c.TrainingState.BestLoss)
	ts = appendVarint(ts, 5, uint64(c.TrainingState.TotalSteps))
	b = appendMessage(b, 3, ts)

	var md []byte
	md = appendString(md, 1, c.Metadata.Version)
	md = appendString(md, 2, c.Metadata.Framework)
	if !c.Metadata.CreatedAt.IsZero() {
		md = appendVarint(md, 3, uint64(c.Metadata.CreatedAt.UnixNano()))
	}
	md = appendString(md, 4, c.Metadata.Description)
	for _, tag := range c.Metadata.Tags {
		md = protowire.AppendTag(md, 5, protowire.BytesType)
		md = protowire.AppendString(md, tag)
	}
	b = appendMessage(b, 4, md)

	if c.OptimizerState != nil {
		var os []byte
		os = appendString(os, 1, c.OptimizerState.Type)
		params, err := json.Marshal(c.OptimizerState.Parameters)
		if err != nil {
			return nil, errors.Wrap(err, "optimizer parameters")
		}
		os = appendMessage(os, 2, params)
		for _, t := range c.OptimizerState.StateData {
			var m []byte
			m = appendString(m, 1, t.Name)
			m = appendShape(m, 2, t.Shape)
			m = appendData(m, 3, t.Data)
			m = appendString(m, 4, t.StateType)
			os = appendMessage(os, 3, m)
		}
		b = appendMessage(b, 5, os)
	}
	return b, nil
}

// fieldHandler consumes the value of one field and reports how many bytes it
// used; returning 0 skips the field.
type fieldHandler func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func parseMessage(b []byte, handle fieldHandler) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		used, err := handle(num, typ, b)
		if err != nil {
			return errors.Wrapf(err, "field %d", num)
		}
		if used == 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return protowire.ParseError(used)
			}
		}
		b = b[used:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errors.Errorf("expected length-delimited field, got wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errors.Errorf("expected varint field, got wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeFloat(typ protowire.Type, b []byte) (float32, int, error) {
	if typ != protowire.Fixed32Type {
		return 0, 0, errors.Errorf("expected fixed32 field, got wire type %d", typ)
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float32frombits(v), n, nil
}

func decodeShape(packed []byte) ([]int, error) {
	var shape []int
	for len(packed) > 0 {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		shape = append(shape, int(v))
		packed = packed[n:]
	}
	return shape, nil
}

func decodeData(packed []byte) ([]float32, error) {
	if len(packed)%4 != 0 {
		return nil, errors.Errorf("packed float data of %d bytes", len(packed))
	}
	data := make([]float32, 0, len(packed)/4)
	for len(packed) > 0 {
		v, n := protowire.ConsumeFixed32(packed)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = append(data, math.Float32frombits(v))
		packed = packed[n:]
	}
	return data, nil
}

// tensorFields decodes the fields shared by weights and optimizer tensors.
// labels receive the string fields numbered from 4 upwards.
func tensorFields(name *string, shape *[]int, data *[]float32, labels ...*string) fieldHandler {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num > 5 {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			*name = string(v)
		case 2:
			*shape, err = decodeShape(v)
		case 3:
			*data, err = decodeData(v)
		default:
			if i := int(num) - 4; i < len(labels) {
				*labels[i] = string(v)
			}
		}
		return n, err
	}
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := parseMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			c.ModelName = string(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var w WeightTensor
			if err := parseMessage(v, tensorFields(&w.Name, &w.Shape, &w.Data, &w.Layer, &w.Type)); err != nil {
				return 0, errors.Wrap(err, "weight")
			}
			c.Weights = append(c.Weights, w)
			return n, nil
		case 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, parseTrainingState(v, &c.TrainingState)
		case 4:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, parseMetadata(v, &c.Metadata)
		case 5:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			c.OptimizerState = &OptimizerState{}
			return n, parseOptimizerState(v, c.OptimizerState)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func parseTrainingState(b []byte, ts *TrainingState) error {
	return parseMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 5:
			v, n, err := consumeVarint(typ, b)
			switch num {
			case 1:
				ts.Epoch = int(v)
			case 2:
				ts.Step = int(v)
			case 5:
				ts.TotalSteps = int(v)
			}
			return n, err
		case 3:
			v, n, err := consumeFloat(typ, b)
			ts.LearningRate = v
			return n, err
		case 4:
			v, n, err := consumeFloat(typ, b)
			ts.BestLoss = v
			return n, err
		}
		return 0, nil
	})
}

func parseMetadata(b []byte, md *CheckpointMetadata) error {
	return parseMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 3 {
			v, n, err := consumeVarint(typ, b)
			md.CreatedAt = time.Unix(0, int64(v))
			return n, err
		}
		if num > 5 {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		switch num {
		case 1:
			md.Version = string(v)
		case 2:
			md.Framework = string(v)
		case 4:
			md.Description = string(v)
		case 5:
			md.Tags = append(md.Tags, string(v))
		}
		return n, err
	})
}

func parseOptimizerState(b []byte, os *OptimizerState) error {
	return parseMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num > 3 {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			os.Type = string(v)
		case 2:
			if err := json.Unmarshal(v, &os.Parameters); err != nil {
				return 0, errors.Wrap(err, "optimizer parameters")
			}
		case 3:
			var t OptimizerTensor
			if err := parseMessage(v, tensorFields(&t.Name, &t.Shape, &t.Data, &t.StateType)); err != nil {
				return 0, errors.Wrap(err, "optimizer tensor")
			}
			os.StateData = append(os.StateData, t)
		}
		return n, nil
	})
}

package checkpoints

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Binary checkpoints are protobuf messages encoded field by field. Tensor
// records reuse the field numbers of ONNX TensorProto so external tooling can
// read the weights:
//
//	TensorProto     { dims = 1 (packed int64); data_type = 2; float_data = 4 (packed float); name = 8; doc_string = 12 }
//	Checkpoint      { weights = 1 (TensorProto); training_state = 2; optimizer_state = 3; metadata = 4 }
//	TrainingState   { epoch = 1; step = 2; learning_rate = 3 (double); spst_step = 4; alpha_mse = 5; alpha_spst = 6; total_steps = 7 }
//	OptimizerState  { type = 1; parameters = 2 (Entry { key = 1; value = 2 }); state = 3 (TensorProto) }
//	Metadata        { version = 1; framework = 2; created_unix_nano = 3; description = 4; tags = 5 }
//
// doc_string carries WeightTensor.Type or OptimizerTensor.StateType.

const tensorProtoFloat = 1 // TensorProto.DataType.FLOAT

const (
	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorDoc       protowire.Number = 12
)

type tensorRecord struct {
	name  string
	doc   string
	shape []int
	data  []float32
}

func appendTensor(b []byte, t tensorRecord) []byte {
	var dims []byte
	for _, d := range t.shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)

	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, tensorProtoFloat)

	floats := make([]byte, 0, 4*len(t.data))
	for _, v := range t.data {
		floats = protowire.AppendFixed32(floats, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorFloatData, protowire.BytesType)
	b = protowire.AppendBytes(b, floats)

	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, t.name)
	if t.doc != "" {
		b = protowire.AppendTag(b, tensorDoc, protowire.BytesType)
		b = protowire.AppendString(b, t.doc)
	}
	return b
}

func consumeTensor(b []byte) (tensorRecord, error) {
	var t tensorRecord
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == tensorDims && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			for len(packed) > 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				t.shape = append(t.shape, int(d))
				packed = packed[m:]
			}
			return n, nil
		case num == tensorDims && typ == protowire.VarintType:
			d, n := protowire.ConsumeVarint(v)
			t.shape = append(t.shape, int(d))
			return n, nil
		case num == tensorDataType && typ == protowire.VarintType:
			dt, n := protowire.ConsumeVarint(v)
			if n >= 0 && dt != tensorProtoFloat {
				return 0, errors.Errorf("unsupported tensor data type %d", dt)
			}
			return n, nil
		case num == tensorFloatData && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			if len(packed)%4 != 0 {
				return 0, errors.New("truncated float_data")
			}
			for len(packed) > 0 {
				bits, m := protowire.ConsumeFixed32(packed)
				t.data = append(t.data, math.Float32frombits(bits))
				packed = packed[m:]
			}
			return n, nil
		case num == tensorFloatData && typ == protowire.Fixed32Type:
			bits, n := protowire.ConsumeFixed32(v)
			t.data = append(t.data, math.Float32frombits(bits))
			return n, nil
		case num == tensorName && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			t.name = s
			return n, nil
		case num == tensorDoc && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			t.doc = s
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
	return t, err
}

// forEachField walks the fields of a message. visit consumes one field value
// and returns its length, or a negative protowire error code.
func forEachField(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func marshalCheckpoint(c *Checkpoint) []byte {
	var b []byte
	for _, w := range c.Weights {
		b = appendMessage(b, 1, appendTensor(nil, tensorRecord{name: w.Name, doc: w.Type, shape: w.Shape, data: w.Data}))
	}
	b = appendMessage(b, 2, marshalTrainingState(c.TrainingState))
	if c.OptimizerState != nil {
		b = appendMessage(b, 3, marshalOptimizerState(c.OptimizerState))
	}
	b = appendMessage(b, 4, marshalMetadata(c.Metadata))
	return b
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, v), nil
		}
		msg, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			t, err := consumeTensor(msg)
			if err != nil {
				return 0, errors.Wrap(err, "weight tensor")
			}
			layer, _ := splitName(t.name)
			c.Weights = append(c.Weights, WeightTensor{Name: t.name, Shape: t.shape, Data: t.data, Layer: layer, Type: t.doc})
		case 2:
			state, err := unmarshalTrainingState(msg)
			if err != nil {
				return 0, errors.Wrap(err, "training state")
			}
			c.TrainingState = state
		case 3:
			state, err := unmarshalOptimizerState(msg)
			if err != nil {
				return 0, errors.Wrap(err, "optimizer state")
			}
			c.OptimizerState = state
		case 4:
			meta, err := unmarshalMetadata(msg)
			if err != nil {
				return 0, errors.Wrap(err, "metadata")
			}
			c.Metadata = meta
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func marshalTrainingState(s TrainingState) []byte {
	var b []byte
	b = appendUint(b, 1, uint64(s.Epoch))
	b = appendUint(b, 2, uint64(s.Step))
	b = appendDouble(b, 3, s.LearningRate)
	b = appendUint(b, 4, uint64(s.SpstStep))
	b = appendDouble(b, 5, s.AlphaMSE)
	b = appendDouble(b, 6, s.AlphaSpst)
	b = appendUint(b, 7, uint64(s.TotalSteps))
	return b
}

func unmarshalTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch typ {
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			switch num {
			case 1:
				s.Epoch = int(x)
			case 2:
				s.Step = int(x)
			case 4:
				s.SpstStep = int(x)
			case 7:
				s.TotalSteps = int(x)
			}
			return n, nil
		case protowire.Fixed64Type:
			x, n := protowire.ConsumeFixed64(v)
			f := math.Float64frombits(x)
			switch num {
			case 3:
				s.LearningRate = f
			case 5:
				s.AlphaMSE = f
			case 6:
				s.AlphaSpst = f
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
	return s, err
}

func marshalOptimizerState(s *OptimizerState) []byte {
	var b []byte
	b = appendString(b, 1, s.Type)

	// map order is random; sort for reproducible files
	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		entry := appendString(nil, 1, k)
		entry = appendDouble(entry, 2, s.Parameters[k])
		b = appendMessage(b, 2, entry)
	}

	for _, t := range s.StateData {
		b = appendMessage(b, 3, appendTensor(nil, tensorRecord{name: t.Name, doc: t.StateType, shape: t.Shape, data: t.Data}))
	}
	return b
}

func unmarshalOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]float64{}}
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, v), nil
		}
		msg, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			s.Type = string(msg)
		case 2:
			var key string
			var value float64
			err := forEachField(msg, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
				switch {
				case num == 1 && typ == protowire.BytesType:
					str, m := protowire.ConsumeString(v)
					key = str
					return m, nil
				case num == 2 && typ == protowire.Fixed64Type:
					x, m := protowire.ConsumeFixed64(v)
					value = math.Float64frombits(x)
					return m, nil
				}
				return protowire.ConsumeFieldValue(num, typ, v), nil
			})
			if err != nil {
				return 0, errors.Wrap(err, "parameter entry")
			}
			s.Parameters[key] = value
		case 3:
			t, err := consumeTensor(msg)
			if err != nil {
				return 0, errors.Wrap(err, "state tensor")
			}
			s.StateData = append(s.StateData, OptimizerTensor{Name: t.name, Shape: t.shape, Data: t.data, StateType: t.doc})
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func marshalMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	b = appendUint(b, 3, uint64(m.CreatedAt.UnixNano()))
	if m.Description != "" {
		b = appendString(b, 4, m.Description)
	}
	for _, tag := range m.Tags {
		b = appendString(b, 5, tag)
	}
	return b
}

func unmarshalMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == 3 && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			m.CreatedAt = time.Unix(0, int64(x))
			return n, nil
		case typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			switch num {
			case 1:
				m.Version = s
			case 2:
				m.Framework = s
			case 4:
				m.Description = s
			case 5:
				m.Tags = append(m.Tags, s)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
	return m, err
}

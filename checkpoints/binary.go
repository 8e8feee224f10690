package checkpoints

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Binary layout. Every message is a protobuf wire-format record; repeated
// scalars are packed.
//
//	Checkpoint      1: repeated WeightTensor  2: TrainingState
//	                3: OptimizerState         4: CheckpointMetadata
//	WeightTensor    1: name  2: shape  3: data  4: group
//	TrainingState   1: step  2: learning_rate  3: beta  4: best_elbo  5: total_steps
//	OptimizerState  1: type  2: repeated Parameter  3: repeated OptimizerTensor
//	Parameter       1: key  2: number (double)  3: flag (bool)  4: text
//	OptimizerTensor 1: name  2: shape  3: data  4: state_type
//	Metadata        1: id  2: version  3: framework  4: created_at (unix ns)
//	                5: description  6: repeated tag
const (
	fieldCheckpointWeights   protowire.Number = 1
	fieldCheckpointTraining  protowire.Number = 2
	fieldCheckpointOptimizer protowire.Number = 3
	fieldCheckpointMetadata  protowire.Number = 4

	fieldTensorName  protowire.Number = 1
	fieldTensorShape protowire.Number = 2
	fieldTensorData  protowire.Number = 3
	fieldTensorKind  protowire.Number = 4

	fieldTrainingStep       protowire.Number = 1
	fieldTrainingLR         protowire.Number = 2
	fieldTrainingBeta       protowire.Number = 3
	fieldTrainingBestELBO   protowire.Number = 4
	fieldTrainingTotalSteps protowire.Number = 5

	fieldOptimizerType   protowire.Number = 1
	fieldOptimizerParam  protowire.Number = 2
	fieldOptimizerTensor protowire.Number = 3

	fieldParamKey    protowire.Number = 1
	fieldParamNumber protowire.Number = 2
	fieldParamFlag   protowire.Number = 3
	fieldParamText   protowire.Number = 4

	fieldMetaID          protowire.Number = 1
	fieldMetaVersion     protowire.Number = 2
	fieldMetaFramework   protowire.Number = 3
	fieldMetaCreatedAt   protowire.Number = 4
	fieldMetaDescription protowire.Number = 5
	fieldMetaTag         protowire.Number = 6
)

func marshalCheckpoint(cp *Checkpoint) ([]byte, error) {
	var b []byte
	for _, w := range cp.Weights {
		b = appendMessage(b, fieldCheckpointWeights, marshalTensor(w.Name, w.Shape, w.Data, w.Group))
	}
	b = appendMessage(b, fieldCheckpointTraining, marshalTraining(cp.TrainingState))
	if cp.OptimizerState != nil {
		opt, err := marshalOptimizer(cp.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, fieldCheckpointOptimizer, opt)
	}
	b = appendMessage(b, fieldCheckpointMetadata, marshalMetadata(cp.Metadata))
	return b, nil
}

func marshalTensor(name string, shape []int, data []float64, kind string) []byte {
	var b []byte
	b = appendString(b, fieldTensorName, name)
	b = appendInts(b, fieldTensorShape, shape)
	b = appendDoubles(b, fieldTensorData, data)
	b = appendString(b, fieldTensorKind, kind)
	return b
}

func marshalTraining(ts TrainingState) []byte {
	var b []byte
	b = appendVarintField(b, fieldTrainingStep, uint64(ts.Step))
	b = appendDouble(b, fieldTrainingLR, ts.LearningRate)
	b = appendDouble(b, fieldTrainingBeta, ts.Beta)
	b = appendDouble(b, fieldTrainingBestELBO, ts.BestELBO)
	b = appendVarintField(b, fieldTrainingTotalSteps, uint64(ts.TotalSteps))
	return b
}

func marshalOptimizer(state *OptimizerState) ([]byte, error) {
	var b []byte
	b = appendString(b, fieldOptimizerType, state.Type)

	keys := make([]string, 0, len(state.Parameters))
	for k := range state.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		param, err := marshalParam(k, state.Parameters[k])
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, fieldOptimizerParam, param)
	}

	for _, t := range state.StateData {
		b = appendMessage(b, fieldOptimizerTensor, marshalTensor(t.Name, t.Shape, t.Data, t.StateType))
	}
	return b, nil
}

// marshalParam encodes a hyperparameter. Numbers of every width come back
// as float64, as they do from JSON.
func marshalParam(key string, value interface{}) ([]byte, error) {
	b := appendString(nil, fieldParamKey, key)
	switch v := value.(type) {
	case float64:
		b = appendDouble(b, fieldParamNumber, v)
	case float32:
		b = appendDouble(b, fieldParamNumber, float64(v))
	case int:
		b = appendDouble(b, fieldParamNumber, float64(v))
	case int64:
		b = appendDouble(b, fieldParamNumber, float64(v))
	case uint64:
		b = appendDouble(b, fieldParamNumber, float64(v))
	case bool:
		b = protowire.AppendTag(b, fieldParamFlag, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v))
	case string:
		b = protowire.AppendTag(b, fieldParamText, protowire.BytesType)
		b = protowire.AppendString(b, v)
	default:
		return nil, errors.Errorf("optimizer parameter %q has unsupported type %T", key, value)
	}
	return b, nil
}

func marshalMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, fieldMetaID, m.ID)
	b = appendString(b, fieldMetaVersion, m.Version)
	b = appendString(b, fieldMetaFramework, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendVarintField(b, fieldMetaCreatedAt, protowire.EncodeZigZag(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, fieldMetaDescription, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, fieldMetaTag, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldCheckpointWeights:
			msg, n, err := consumeMessage(typ, v)
			if err != nil {
				return 0, err
			}
			var w WeightTensor
			if err := unmarshalTensor(msg, &w.Name, &w.Shape, &w.Data, &w.Group); err != nil {
				return 0, err
			}
			cp.Weights = append(cp.Weights, w)
			return n, nil
		case fieldCheckpointTraining:
			msg, n, err := consumeMessage(typ, v)
			if err != nil {
				return 0, err
			}
			return n, unmarshalTraining(msg, &cp.TrainingState)
		case fieldCheckpointOptimizer:
			msg, n, err := consumeMessage(typ, v)
			if err != nil {
				return 0, err
			}
			state, err := unmarshalOptimizer(msg)
			if err != nil {
				return 0, err
			}
			cp.OptimizerState = state
			return n, nil
		case fieldCheckpointMetadata:
			msg, n, err := consumeMessage(typ, v)
			if err != nil {
				return 0, err
			}
			return n, unmarshalMetadata(msg, &cp.Metadata)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func unmarshalTensor(b []byte, name *string, shape *[]int, data *[]float64, kind *string) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		var (
			n   int
			err error
		)
		switch num {
		case fieldTensorName:
			*name, n, err = consumeString(typ, v)
		case fieldTensorShape:
			*shape, n, err = consumeInts(typ, v, *shape)
		case fieldTensorData:
			*data, n, err = consumeDoubles(typ, v, *data)
		case fieldTensorKind:
			*kind, n, err = consumeString(typ, v)
		}
		return n, err
	})
}

func unmarshalTraining(b []byte, ts *TrainingState) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldTrainingStep, fieldTrainingTotalSteps:
			x, n, err := consumeVarint(typ, v)
			if num == fieldTrainingStep {
				ts.Step = int(x)
			} else {
				ts.TotalSteps = int(x)
			}
			return n, err
		case fieldTrainingLR:
			x, n, err := consumeDouble(typ, v)
			ts.LearningRate = x
			return n, err
		case fieldTrainingBeta:
			x, n, err := consumeDouble(typ, v)
			ts.Beta = x
			return n, err
		case fieldTrainingBestELBO:
			x, n, err := consumeDouble(typ, v)
			ts.BestELBO = x
			return n, err
		}
		return 0, nil
	})
}

func unmarshalOptimizer(b []byte) (*OptimizerState, error) {
	state := &OptimizerState{Parameters: make(map[string]interface{})}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldOptimizerType:
			s, n, err := consumeString(typ, v)
			state.Type = s
			return n, err
		case fieldOptimizerParam:
			msg, n, err := consumeMessage(typ, v)
			if err != nil {
				return 0, err
			}
			key, value, err := unmarshalParam(msg)
			if err != nil {
				return 0, err
			}
			state.Parameters[key] = value
			return n, nil
		case fieldOptimizerTensor:
			msg, n, err := consumeMessage(typ, v)
			if err != nil {
				return 0, err
			}
			var t OptimizerTensor
			if err := unmarshalTensor(msg, &t.Name, &t.Shape, &t.Data, &t.StateType); err != nil {
				return 0, err
			}
			state.StateData = append(state.StateData, t)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func unmarshalParam(b []byte) (string, interface{}, error) {
	var (
		key   string
		value interface{}
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldParamKey:
			s, n, err := consumeString(typ, v)
			key = s
			return n, err
		case fieldParamNumber:
			x, n, err := consumeDouble(typ, v)
			value = x
			return n, err
		case fieldParamFlag:
			x, n, err := consumeVarint(typ, v)
			value = protowire.DecodeBool(x)
			return n, err
		case fieldParamText:
			s, n, err := consumeString(typ, v)
			value = s
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return "", nil, err
	}
	if key == "" {
		return "", nil, errors.Wrap(ErrCorrupt, "optimizer parameter without a key")
	}
	return key, value, nil
}

func unmarshalMetadata(b []byte, m *CheckpointMetadata) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		var (
			n   int
			err error
		)
		switch num {
		case fieldMetaID:
			m.ID, n, err = consumeString(typ, v)
		case fieldMetaVersion:
			m.Version, n, err = consumeString(typ, v)
		case fieldMetaFramework:
			m.Framework, n, err = consumeString(typ, v)
		case fieldMetaCreatedAt:
			var x uint64
			x, n, err = consumeVarint(typ, v)
			m.CreatedAt = time.Unix(0, protowire.DecodeZigZag(x))
		case fieldMetaDescription:
			m.Description, n, err = consumeString(typ, v)
		case fieldMetaTag:
			var tag string
			tag, n, err = consumeString(typ, v)
			m.Tags = append(m.Tags, tag)
		}
		return n, err
	})
}

// walkFields calls visit for every field in b. visit returns the number of
// bytes it consumed, or 0 to skip a field it does not know.
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseError(n)
		}
		b = b[n:]

		m, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return parseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func parseError(n int) error {
	return errors.Wrap(ErrCorrupt, protowire.ParseError(n).Error())
}

func wireTypeError(typ protowire.Type) error {
	return errors.Wrapf(ErrCorrupt, "unexpected wire type %d", typ)
}

func consumeMessage(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wireTypeError(typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, parseError(n)
	}
	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := consumeMessage(typ, b)
	return string(v), n, err
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wireTypeError(typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, parseError(n)
	}
	return v, n, nil
}

func consumeDouble(typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, wireTypeError(typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, parseError(n)
	}
	return math.Float64frombits(v), n, nil
}

// consumeInts reads a packed or unpacked repeated varint field.
func consumeInts(typ protowire.Type, b []byte, dst []int) ([]int, int, error) {
	if typ == protowire.VarintType {
		v, n, err := consumeVarint(typ, b)
		return append(dst, int(v)), n, err
	}
	packed, n, err := consumeMessage(typ, b)
	if err != nil {
		return nil, 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return nil, 0, parseError(m)
		}
		dst = append(dst, int(v))
		packed = packed[m:]
	}
	return dst, n, nil
}

// consumeDoubles reads a packed or unpacked repeated double field.
func consumeDoubles(typ protowire.Type, b []byte, dst []float64) ([]float64, int, error) {
	if typ == protowire.Fixed64Type {
		v, n, err := consumeDouble(typ, b)
		return append(dst, v), n, err
	}
	packed, n, err := consumeMessage(typ, b)
	if err != nil {
		return nil, 0, err
	}
	if len(packed)%8 != 0 {
		return nil, 0, errors.Wrapf(ErrCorrupt, "packed doubles of %d bytes", len(packed))
	}
	if dst == nil {
		dst = make([]float64, 0, len(packed)/8)
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeFixed64(packed)
		if m < 0 {
			return nil, 0, parseError(m)
		}
		dst = append(dst, math.Float64frombits(v))
		packed = packed[m:]
	}
	return dst, n, nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendInts(b []byte, num protowire.Number, vals []int) []byte {
	if len(vals) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}

func appendDoubles(b []byte, num protowire.Number, vals []float64) []byte {
	if len(vals) == 0 {
		return b
	}
	packed := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	return appendMessage(b, num, packed)
}

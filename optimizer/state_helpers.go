package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-seqvae/checkpoints"
	"github.com/tsawler/go-seqvae/tensor"
)

// base holds what every rule shares: the parameter shapes it was built for,
// the learning rate and the step counter.
type base struct {
	shapes       [][]int
	learningRate float64
	stepCount    uint64
}

func newBase(shapes [][]int, learningRate float64) (base, error) {
	if len(shapes) == 0 {
		return base{}, errors.New("no weight shapes provided")
	}
	if learningRate <= 0 {
		return base{}, errors.Errorf("learning rate must be positive, got %g", learningRate)
	}
	copied := make([][]int, len(shapes))
	for i, shape := range shapes {
		copied[i] = append([]int(nil), shape...)
	}
	return base{shapes: copied, learningRate: learningRate}, nil
}

func (b *base) GetStepCount() uint64 {
	return b.stepCount
}

func (b *base) UpdateLearningRate(lr float64) {
	b.learningRate = lr
}

func (b *base) LearningRate() float64 {
	return b.learningRate
}

// checkInputs verifies that grads and params line up with the shapes the
// rule was built for.
func (b *base) checkInputs(grads, params []*tensor.Tensor) error {
	if len(grads) != len(b.shapes) || len(params) != len(b.shapes) {
		return errors.Errorf("expected %d gradients and parameters, got %d and %d",
			len(b.shapes), len(grads), len(params))
	}
	for i, shape := range b.shapes {
		if grads[i] == nil || params[i] == nil {
			return errors.Errorf("missing gradient or parameter %d", i)
		}
		if !sameShape(shape, params[i].Shape) || !sameShape(shape, grads[i].Shape) {
			return errors.Errorf("parameter %d: expected shape %v, got parameter %v and gradient %v",
				i, shape, params[i].Shape, grads[i].Shape)
		}
	}
	return nil
}

// withWeightDecay returns grad + decay*param as a new slice.
func withWeightDecay(grad, param []float64, decay float64) []float64 {
	g := append([]float64(nil), grad...)
	if decay != 0 {
		for i, p := range param {
			g[i] += decay * p
		}
	}
	return g
}

// accumulator is one per-parameter buffer family, e.g. Adam's first
// moments. Buffers start at zero and are exported as "<name>_<i>".
type accumulator struct {
	name      string
	stateType string
	shapes    [][]int
	data      [][]float64
}

func newAccumulator(name, stateType string, shapes [][]int) *accumulator {
	acc := &accumulator{
		name:      name,
		stateType: stateType,
		shapes:    shapes,
		data:      make([][]float64, len(shapes)),
	}
	for i, shape := range shapes {
		acc.data[i] = make([]float64, calculateTensorSize(shape))
	}
	return acc
}

func (a *accumulator) export() []checkpoints.OptimizerTensor {
	out := make([]checkpoints.OptimizerTensor, len(a.data))
	for i, buf := range a.data {
		out[i] = checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("%s_%d", a.name, i),
			Shape:     append([]int(nil), a.shapes[i]...),
			Data:      append([]float64(nil), buf...),
			StateType: a.stateType,
		}
	}
	return out
}

func exportAll(accs ...*accumulator) []checkpoints.OptimizerTensor {
	var out []checkpoints.OptimizerTensor
	for _, acc := range accs {
		out = append(out, acc.export()...)
	}
	return out
}

// restoreAccumulators copies saved buffers into accs. The saved tensors of
// each state type must appear in position order with matching names and
// shapes, and no other state types may be present. Nothing is copied unless
// every buffer fits.
func restoreAccumulators(state *OptimizerState, accs ...*accumulator) error {
	byType := make(map[string][]checkpoints.OptimizerTensor)
	for _, t := range state.StateData {
		byType[t.StateType] = append(byType[t.StateType], t)
	}
	known := make(map[string]bool, len(accs))

	for _, acc := range accs {
		known[acc.stateType] = true
		saved := byType[acc.stateType]
		if len(saved) != len(acc.data) {
			return errors.Wrapf(ErrStateMismatch, "%s: expected %d buffers, got %d",
				acc.stateType, len(acc.data), len(saved))
		}
		for i, t := range saved {
			want := fmt.Sprintf("%s_%d", acc.name, i)
			if t.Name != want {
				return errors.Wrapf(ErrStateMismatch, "buffer %d of %s is named %q, expected %q",
					i, acc.stateType, t.Name, want)
			}
			if !sameShape(t.Shape, acc.shapes[i]) || len(t.Data) != len(acc.data[i]) {
				return errors.Wrapf(ErrStateMismatch, "%s: shape %v with %d values, expected %v",
					t.Name, t.Shape, len(t.Data), acc.shapes[i])
			}
		}
	}
	for stateType := range byType {
		if !known[stateType] {
			return errors.Wrapf(ErrStateMismatch, "unexpected state type %q", stateType)
		}
	}

	for _, acc := range accs {
		for i, t := range byType[acc.stateType] {
			copy(acc.data[i], t.Data)
		}
	}
	return nil
}

// extractFloatParam reads a numeric parameter from the state map. JSON and
// the binary codec both decode numbers as float64; other numeric types are
// accepted for states built in memory.
func extractFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
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
	if v, ok := params[key].(uint64); ok {
		return v
	}
	if v := extractFloatParam(params, key, -1); v >= 0 {
		return uint64(v)
	}
	return defaultValue
}

// restoreProgress validates the saved accumulators and, if they fit, copies
// them along with the learning rate and step count. Structural
// hyperparameters (momentum, centering, betas) stay as configured since
// they determine the accumulator layout.
func (b *base) restoreProgress(ruleType string, state *OptimizerState, accs ...*accumulator) error {
	if err := validateStateType(ruleType, state); err != nil {
		return err
	}
	if err := restoreAccumulators(state, accs...); err != nil {
		return err
	}
	b.learningRate = extractFloatParam(state.Parameters, "learning_rate", b.learningRate)
	b.stepCount = extractUint64Param(state.Parameters, "step_count", b.stepCount)
	return nil
}

// calculateTensorSize calculates the number of elements in a tensor
func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package optimizer

import (
	"bytes"
	"math"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-seqvae/checkpoints"
	"github.com/tsawler/go-seqvae/tensor"
)

func scalarParam(v float64) []*tensor.Tensor {
	p, _ := tensor.NewTensor([]int{1}, []float64{v})
	return []*tensor.Tensor{p}
}

// step applies rule and writes the result back, as a training loop would.
func step(t *testing.T, rule UpdateRule, grads, params []*tensor.Tensor) {
	t.Helper()
	updated, err := rule.Apply(grads, params)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	for i, p := range params {
		if err := p.CopyFrom(updated[i]); err != nil {
			t.Fatalf("CopyFrom failed: %v", err)
		}
	}
}

func TestUpdateRules(t *testing.T) {
	shapes := [][]int{{1}}

	tests := []struct {
		name   string
		config Config
		start  float64
		grads  []float64
		want   float64
	}{
		{
			name:   "sgd",
			config: Config{Type: TypeSGD, LearningRate: 0.1},
			start:  1, grads: []float64{0.5}, want: 0.95,
		},
		{
			name:   "sgd weight decay",
			config: Config{Type: TypeSGD, LearningRate: 0.1, WeightDecay: 0.1},
			start:  1, grads: []float64{0}, want: 0.99,
		},
		{
			name:   "sgd momentum",
			config: Config{Type: TypeSGD, LearningRate: 0.1, Momentum: 0.9},
			start:  1, grads: []float64{1, 1}, want: 0.71,
		},
		{
			name:   "sgd nesterov",
			config: Config{Type: TypeSGD, LearningRate: 0.1, Momentum: 0.9, Nesterov: true},
			start:  1, grads: []float64{1}, want: 0.81,
		},
		{
			name:   "adam constant gradient moves lr per step",
			config: Config{Type: TypeAdam, LearningRate: 0.001, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8},
			start:  1, grads: []float64{0.5, 0.5}, want: 0.998,
		},
		{
			name:   "rmsprop",
			config: Config{Type: TypeRMSProp, LearningRate: 0.01, Alpha: 0.99, Epsilon: 1e-8},
			start:  1, grads: []float64{1}, want: 1 - 0.01/(0.1+1e-8),
		},
		{
			name:   "rmsprop centered",
			config: Config{Type: TypeRMSProp, LearningRate: 0.01, Alpha: 0.99, Epsilon: 1e-8, Centered: true},
			start:  1, grads: []float64{1}, want: 1 - 0.01/(math.Sqrt(0.0099)+1e-8),
		},
		{
			name:   "rmsprop momentum",
			config: Config{Type: TypeRMSProp, LearningRate: 0.01, Alpha: 0.5, Epsilon: 1e-8, Momentum: 0.5},
			start:  1, grads: []float64{1, 1},
			// sq: 0.5 then 0.75; buf: 1/√0.5 then 0.5·buf + 1/√0.75
			want: 1 - 0.01/math.Sqrt(0.5) - 0.01*(0.5/math.Sqrt(0.5)+1/math.Sqrt(0.75)),
		},
		{
			name:   "adagrad",
			config: Config{Type: TypeAdaGrad, LearningRate: 0.01, Epsilon: 1e-10},
			start:  1, grads: []float64{2, 2}, want: 1 - 0.01 - 0.01*2/math.Sqrt(8),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := New(tt.config, shapes)
			if err != nil {
				t.Fatalf("Failed to create rule: %v", err)
			}
			params := scalarParam(tt.start)
			for _, g := range tt.grads {
				step(t, rule, scalarParam(g), params)
			}
			if math.Abs(params[0].Data[0]-tt.want) > 1e-6 {
				t.Errorf("Expected %.9f, got %.9f", tt.want, params[0].Data[0])
			}
			if rule.GetStepCount() != uint64(len(tt.grads)) {
				t.Errorf("Expected step count %d, got %d", len(tt.grads), rule.GetStepCount())
			}
		})
	}
}

func TestApplyDoesNotMutate(t *testing.T) {
	rule, err := NewAdam(DefaultAdamConfig(), [][]int{{2}})
	if err != nil {
		t.Fatalf("Failed to create Adam: %v", err)
	}
	p, _ := tensor.NewTensor([]int{2}, []float64{1, 2})
	g, _ := tensor.NewTensor([]int{2}, []float64{1, 1})
	updated, err := rule.Apply([]*tensor.Tensor{g}, []*tensor.Tensor{p})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if p.Data[0] != 1 || p.Data[1] != 2 {
		t.Errorf("Parameters were modified: %v", p.Data)
	}
	if updated[0][0] == 1 {
		t.Error("Expected a new value")
	}
}

func TestApplyRejectsMismatchedInputs(t *testing.T) {
	rule, err := NewSGD(DefaultSGDConfig(), [][]int{{2, 2}, {2}})
	if err != nil {
		t.Fatalf("Failed to create SGD: %v", err)
	}
	square, _ := tensor.Zeros([]int{2, 2})
	vec, _ := tensor.Zeros([]int{2})
	wide, _ := tensor.Zeros([]int{1, 4})

	tests := []struct {
		name          string
		grads, params []*tensor.Tensor
	}{
		{"missing tensor", []*tensor.Tensor{square}, []*tensor.Tensor{square}},
		{"wrong parameter shape", []*tensor.Tensor{square, vec}, []*tensor.Tensor{wide, vec}},
		{"wrong gradient shape", []*tensor.Tensor{wide, vec}, []*tensor.Tensor{square, vec}},
		{"nil gradient", []*tensor.Tensor{nil, vec}, []*tensor.Tensor{square, vec}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := rule.Apply(tt.grads, tt.params); err == nil {
				t.Error("Expected error")
			}
		})
	}
	if rule.GetStepCount() != 0 {
		t.Errorf("Rejected steps must not count, got %d", rule.GetStepCount())
	}
}

func TestNewValidation(t *testing.T) {
	shapes := [][]int{{1}}
	bad := []Config{
		{Type: "Lion", LearningRate: 0.1},
		{Type: TypeSGD, LearningRate: 0},
		{Type: TypeSGD, LearningRate: 0.1, Nesterov: true},
		{Type: TypeAdam, LearningRate: 0.1, Beta1: 1, Beta2: 0.9, Epsilon: 1e-8},
		{Type: TypeRMSProp, LearningRate: 0.1, Alpha: 0.9},
		{Type: TypeAdaGrad, LearningRate: 0.1, Epsilon: 1e-10, WeightDecay: -1},
	}
	for _, cfg := range bad {
		if _, err := New(cfg, shapes); err == nil {
			t.Errorf("Expected error for %+v", cfg)
		}
	}
	if _, err := New(DefaultConfig(), nil); err == nil {
		t.Error("Expected error for no shapes")
	}

	rule, err := New(DefaultConfig(), shapes)
	if err != nil {
		t.Fatalf("Default config rejected: %v", err)
	}
	if rule.Type() != TypeAdam || rule.LearningRate() != 0.001 {
		t.Errorf("Unexpected default rule %s with lr %g", rule.Type(), rule.LearningRate())
	}
}

func TestStateRoundTrip(t *testing.T) {
	shapes := [][]int{{2, 2}, {2}}
	configs := []Config{
		{Type: TypeSGD, LearningRate: 0.05, Momentum: 0.9, Nesterov: true},
		DefaultConfig(),
		{Type: TypeRMSProp, LearningRate: 0.01, Alpha: 0.9, Epsilon: 1e-8, Momentum: 0.5, Centered: true},
		{Type: TypeAdaGrad, LearningRate: 0.1, Epsilon: 1e-10},
	}
	grads := func(scale float64) []*tensor.Tensor {
		a, _ := tensor.NewTensor([]int{2, 2}, []float64{scale, -scale, 2 * scale, 0.5})
		b, _ := tensor.NewTensor([]int{2}, []float64{-scale, 1})
		return []*tensor.Tensor{a, b}
	}
	params := func() []*tensor.Tensor {
		a, _ := tensor.NewTensor([]int{2, 2}, []float64{1, 2, 3, 4})
		b, _ := tensor.NewTensor([]int{2}, []float64{5, 6})
		return []*tensor.Tensor{a, b}
	}

	for _, cfg := range configs {
		t.Run(cfg.Type, func(t *testing.T) {
			original, err := New(cfg, shapes)
			if err != nil {
				t.Fatalf("Failed to create rule: %v", err)
			}
			p := params()
			for i := 1; i <= 3; i++ {
				step(t, original, grads(float64(i)), p)
			}
			original.UpdateLearningRate(cfg.LearningRate / 2)

			state, err := original.GetState()
			if err != nil {
				t.Fatalf("GetState failed: %v", err)
			}

			// Through the JSON codec, so numbers come back as float64.
			var buf bytes.Buffer
			saver := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
			if err := saver.Save(&buf, &checkpoints.Checkpoint{OptimizerState: state}); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded, err := saver.Load(&buf)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			restored, err := New(cfg, shapes)
			if err != nil {
				t.Fatalf("Failed to create rule: %v", err)
			}
			if err := restored.LoadState(loaded.OptimizerState); err != nil {
				t.Fatalf("LoadState failed: %v", err)
			}
			if restored.GetStepCount() != 3 || restored.LearningRate() != cfg.LearningRate/2 {
				t.Errorf("Progress not restored: step %d lr %g", restored.GetStepCount(), restored.LearningRate())
			}

			want, err := original.Apply(grads(4), p)
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			got, err := restored.Apply(grads(4), p)
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			for i := range want {
				for j := range want[i] {
					if want[i][j] != got[i][j] {
						t.Errorf("Parameter %d element %d: original %g, restored %g", i, j, want[i][j], got[i][j])
					}
				}
			}
		})
	}
}

func TestLoadStateMismatch(t *testing.T) {
	shapes := [][]int{{2, 2}, {2}}
	source, _ := NewAdam(DefaultAdamConfig(), shapes)
	good, _ := source.GetState()

	clone := func(edit func(s *OptimizerState)) *OptimizerState {
		s := &OptimizerState{Type: good.Type, Parameters: map[string]interface{}{"step_count": float64(9)}}
		for _, saved := range good.StateData {
			saved.Shape = append([]int(nil), saved.Shape...)
			saved.Data = append([]float64{}, saved.Data...)
			s.StateData = append(s.StateData, saved)
		}
		edit(s)
		return s
	}

	tests := []struct {
		name  string
		state *OptimizerState
	}{
		{"nil state", nil},
		{"wrong type", clone(func(s *OptimizerState) { s.Type = TypeSGD })},
		{"missing buffer", clone(func(s *OptimizerState) { s.StateData = s.StateData[:3] })},
		{"renamed buffer", clone(func(s *OptimizerState) { s.StateData[0].Name = "momentum_1" })},
		{"swapped order", clone(func(s *OptimizerState) {
			s.StateData[0], s.StateData[1] = s.StateData[1], s.StateData[0]
		})},
		{"wrong shape", clone(func(s *OptimizerState) { s.StateData[3].Shape = []int{1, 2} })},
		{"short data", clone(func(s *OptimizerState) { s.StateData[2].Data = s.StateData[2].Data[:3] })},
		{"foreign buffer", clone(func(s *OptimizerState) {
			s.StateData = append(s.StateData, checkpoints.OptimizerTensor{Name: "grad_avg_0", Shape: []int{2}, Data: []float64{0, 0}, StateType: "grad_avg"})
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, _ := NewAdam(DefaultAdamConfig(), shapes)
			if err := rule.LoadState(tt.state); !errors.Is(err, ErrStateMismatch) {
				t.Fatalf("Expected ErrStateMismatch, got %v", err)
			}
			if rule.GetStepCount() != 0 {
				t.Errorf("Step count changed to %d by a rejected state", rule.GetStepCount())
			}
		})
	}

	t.Run("partial buffers are not applied", func(t *testing.T) {
		rule, _ := NewAdam(DefaultAdamConfig(), shapes)
		state := clone(func(s *OptimizerState) {
			s.StateData[0].Data = []float64{7, 7, 7, 7}
			s.StateData[3].Shape = []int{3}
		})
		if err := rule.LoadState(state); err == nil {
			t.Fatal("Expected error")
		}
		for _, v := range rule.momentum.data[0] {
			if v != 0 {
				t.Fatal("First buffer was written before validation finished")
			}
		}
	})

	t.Run("layout depends on configuration", func(t *testing.T) {
		plain, _ := NewSGD(DefaultSGDConfig(), shapes)
		state, _ := plain.GetState()
		withMomentum, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, shapes)
		if err := withMomentum.LoadState(state); !errors.Is(err, ErrStateMismatch) {
			t.Errorf("Expected ErrStateMismatch, got %v", err)
		}
	})
}

func TestClipNorm(t *testing.T) {
	big, _ := tensor.FromRows([][]float64{{3, 4}})
	small, _ := tensor.FromRows([][]float64{{0.3, 0.4}})
	vector, _ := tensor.NewTensor([]int{2}, []float64{30, 40})

	clipped := ClipNorm([]*tensor.Tensor{big, small, vector, nil}, 1)
	if clipped != 1 {
		t.Errorf("Expected 1 clipped gradient, got %d", clipped)
	}
	if math.Abs(big.Data[0]-0.6) > 1e-12 || math.Abs(big.Data[1]-0.8) > 1e-12 {
		t.Errorf("Expected [0.6 0.8], got %v", big.Data)
	}
	if small.Data[0] != 0.3 || vector.Data[0] != 30 {
		t.Error("Gradients under the limit and vectors must be untouched")
	}

	if ClipNorm([]*tensor.Tensor{vector, big}, 0) != 0 {
		t.Error("A zero limit disables clipping")
	}
}

func TestExtractParams(t *testing.T) {
	params := map[string]interface{}{
		"f64":  0.5,
		"f32":  float32(0.25),
		"int":  3,
		"u64":  uint64(7),
		"flag": true,
		"text": "0.1",
	}
	tests := []struct {
		key  string
		want float64
	}{
		{"f64", 0.5},
		{"f32", 0.25},
		{"int", 3},
		{"u64", 7},
		{"text", -1},
		{"missing", -1},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := extractFloatParam(params, tt.key, -1); got != tt.want {
				t.Errorf("extractFloatParam(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
	if extractUint64Param(params, "u64", 0) != 7 || extractUint64Param(params, "f64", 9) != 0 {
		t.Error("extractUint64Param mismatch")
	}
	if !extractBoolParam(params, "flag", false) || extractBoolParam(params, "f64", false) {
		t.Error("extractBoolParam mismatch")
	}
}

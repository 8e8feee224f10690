package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-seqvae/tensor"
)

// AdamConfig holds configuration for Adam
type AdamConfig struct {
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64
	WeightDecay  float64 // L2 regularization coefficient
}

// DefaultAdamConfig returns default Adam configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

func (c AdamConfig) Validate() error {
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return errors.Errorf("betas must be in [0, 1), got %g and %g", c.Beta1, c.Beta2)
	}
	if c.Epsilon <= 0 {
		return errors.Errorf("epsilon must be positive, got %g", c.Epsilon)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight decay must be non-negative, got %g", c.WeightDecay)
	}
	return nil
}

// Adam keeps bias-corrected first and second moment estimates per element.
type Adam struct {
	base
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64

	momentum *accumulator // first moment
	variance *accumulator // second moment
}

func NewAdam(config AdamConfig, shapes [][]int) (*Adam, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	b, err := newBase(shapes, config.LearningRate)
	if err != nil {
		return nil, err
	}
	return &Adam{
		base:        b,
		Beta1:       config.Beta1,
		Beta2:       config.Beta2,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
		momentum:    newAccumulator("momentum", "momentum", b.shapes),
		variance:    newAccumulator("variance", "variance", b.shapes),
	}, nil
}

func (adam *Adam) Type() string { return TypeAdam }

func (adam *Adam) Apply(grads, params []*tensor.Tensor) ([][]float64, error) {
	if err := adam.checkInputs(grads, params); err != nil {
		return nil, err
	}
	adam.stepCount++

	step := float64(adam.stepCount)
	correction1 := 1 - math.Pow(adam.Beta1, step)
	correction2 := 1 - math.Pow(adam.Beta2, step)

	updated := make([][]float64, len(params))
	for i, p := range params {
		g := withWeightDecay(grads[i].Data, p.Data, adam.WeightDecay)
		m := adam.momentum.data[i]
		v := adam.variance.data[i]
		next := make([]float64, len(p.Data))
		for j, gj := range g {
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*gj
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*gj*gj
			mHat := m[j] / correction1
			vHat := v[j] / correction2
			next[j] = p.Data[j] - adam.learningRate*mHat/(math.Sqrt(vHat)+adam.Epsilon)
		}
		updated[i] = next
	}
	return updated, nil
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: TypeAdam,
		Parameters: map[string]interface{}{
			"learning_rate": adam.learningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.stepCount,
		},
		StateData: exportAll(adam.momentum, adam.variance),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *OptimizerState) error {
	return adam.restoreProgress(TypeAdam, state, adam.momentum, adam.variance)
}

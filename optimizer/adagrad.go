package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-seqvae/tensor"
)

// AdaGradConfig holds configuration for AdaGrad
type AdaGradConfig struct {
	LearningRate float64
	Epsilon      float64 // Small constant for numerical stability
	WeightDecay  float64 // L2 regularization strength
}

// DefaultAdaGradConfig returns default AdaGrad configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
		WeightDecay:  0.0,
	}
}

func (c AdaGradConfig) Validate() error {
	if c.Epsilon <= 0 {
		return errors.Errorf("epsilon must be positive, got %g", c.Epsilon)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight decay must be non-negative, got %g", c.WeightDecay)
	}
	return nil
}

// AdaGrad scales each element by the root of its summed squared gradients.
type AdaGrad struct {
	base
	Epsilon     float64
	WeightDecay float64

	squaredGradSum *accumulator
}

func NewAdaGrad(config AdaGradConfig, shapes [][]int) (*AdaGrad, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	b, err := newBase(shapes, config.LearningRate)
	if err != nil {
		return nil, err
	}
	return &AdaGrad{
		base:           b,
		Epsilon:        config.Epsilon,
		WeightDecay:    config.WeightDecay,
		squaredGradSum: newAccumulator("squared_grad_sum", "squared_grad_sum", b.shapes),
	}, nil
}

func (ada *AdaGrad) Type() string { return TypeAdaGrad }

func (ada *AdaGrad) Apply(grads, params []*tensor.Tensor) ([][]float64, error) {
	if err := ada.checkInputs(grads, params); err != nil {
		return nil, err
	}
	ada.stepCount++

	updated := make([][]float64, len(params))
	for i, p := range params {
		g := withWeightDecay(grads[i].Data, p.Data, ada.WeightDecay)
		sum := ada.squaredGradSum.data[i]
		next := make([]float64, len(p.Data))
		for j, gj := range g {
			sum[j] += gj * gj
			next[j] = p.Data[j] - ada.learningRate*gj/(math.Sqrt(sum[j])+ada.Epsilon)
		}
		updated[i] = next
	}
	return updated, nil
}

// GetState extracts optimizer state for checkpointing
func (ada *AdaGrad) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: TypeAdaGrad,
		Parameters: map[string]interface{}{
			"learning_rate": ada.learningRate,
			"epsilon":       ada.Epsilon,
			"weight_decay":  ada.WeightDecay,
			"step_count":    ada.stepCount,
		},
		StateData: exportAll(ada.squaredGradSum),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (ada *AdaGrad) LoadState(state *OptimizerState) error {
	return ada.restoreProgress(TypeAdaGrad, state, ada.squaredGradSum)
}

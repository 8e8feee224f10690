package optimizer

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-seqvae/tensor"
)

// SGDConfig holds configuration for SGD
type SGDConfig struct {
	LearningRate float64
	Momentum     float64 // 0 disables the momentum buffers
	WeightDecay  float64 // L2 regularization coefficient
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

func (c SGDConfig) Validate() error {
	if c.Momentum < 0 || c.Momentum >= 1 {
		return errors.Errorf("momentum must be in [0, 1), got %g", c.Momentum)
	}
	if c.Nesterov && c.Momentum == 0 {
		return errors.New("nesterov momentum requires a positive momentum")
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight decay must be non-negative, got %g", c.WeightDecay)
	}
	return nil
}

// SGD is stochastic gradient descent with optional (Nesterov) momentum.
//
//	g = grad + wd·p
//	buf = μ·buf + g
//	p = p - lr·(g + μ·buf)   Nesterov
//	p = p - lr·buf           otherwise
type SGD struct {
	base
	Momentum    float64
	WeightDecay float64
	Nesterov    bool

	momentum *accumulator // nil when Momentum is 0
}

func NewSGD(config SGDConfig, shapes [][]int) (*SGD, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	b, err := newBase(shapes, config.LearningRate)
	if err != nil {
		return nil, err
	}
	sgd := &SGD{
		base:        b,
		Momentum:    config.Momentum,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
	}
	if config.Momentum > 0 {
		sgd.momentum = newAccumulator("momentum", "momentum", b.shapes)
	}
	return sgd, nil
}

func (sgd *SGD) Type() string { return TypeSGD }

func (sgd *SGD) Apply(grads, params []*tensor.Tensor) ([][]float64, error) {
	if err := sgd.checkInputs(grads, params); err != nil {
		return nil, err
	}
	sgd.stepCount++

	updated := make([][]float64, len(params))
	for i, p := range params {
		g := withWeightDecay(grads[i].Data, p.Data, sgd.WeightDecay)
		if sgd.momentum != nil {
			buf := sgd.momentum.data[i]
			floats.Scale(sgd.Momentum, buf)
			floats.Add(buf, g)
			if sgd.Nesterov {
				floats.AddScaled(g, sgd.Momentum, buf)
			} else {
				copy(g, buf)
			}
		}
		next := append([]float64(nil), p.Data...)
		floats.AddScaled(next, -sgd.learningRate, g)
		updated[i] = next
	}
	return updated, nil
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: TypeSGD,
		Parameters: map[string]interface{}{
			"learning_rate": sgd.learningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.stepCount,
		},
	}
	if sgd.momentum != nil {
		state.StateData = sgd.momentum.export()
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *OptimizerState) error {
	if sgd.momentum == nil {
		return sgd.restoreProgress(TypeSGD, state)
	}
	return sgd.restoreProgress(TypeSGD, state, sgd.momentum)
}

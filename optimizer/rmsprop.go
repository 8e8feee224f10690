package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-seqvae/tensor"
)

// RMSPropConfig holds configuration for RMSProp
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64 // Smoothing constant (typically 0.99)
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64 // 0 for no momentum
	Centered     bool    // subtract the running mean of gradients
}

// DefaultRMSPropConfig returns default RMSProp configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

func (c RMSPropConfig) Validate() error {
	if c.Alpha < 0 || c.Alpha >= 1 {
		return errors.Errorf("alpha must be in [0, 1), got %g", c.Alpha)
	}
	if c.Epsilon <= 0 {
		return errors.Errorf("epsilon must be positive, got %g", c.Epsilon)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return errors.Errorf("momentum must be in [0, 1), got %g", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight decay must be non-negative, got %g", c.WeightDecay)
	}
	return nil
}

// RMSProp divides each gradient by a running root mean square.
//
//	sq = α·sq + (1-α)·g²
//	avg = sq - ga²            centered, with ga = α·ga + (1-α)·g
//	buf = μ·buf + g/(√avg+ε)  with momentum
//	p = p - lr·buf
type RMSProp struct {
	base
	Alpha       float64
	Epsilon     float64
	WeightDecay float64
	Momentum    float64
	Centered    bool

	squareAvg *accumulator
	gradAvg   *accumulator // centered only
	buffer    *accumulator // momentum only
}

func NewRMSProp(config RMSPropConfig, shapes [][]int) (*RMSProp, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	b, err := newBase(shapes, config.LearningRate)
	if err != nil {
		return nil, err
	}
	rms := &RMSProp{
		base:        b,
		Alpha:       config.Alpha,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
		Momentum:    config.Momentum,
		Centered:    config.Centered,
		squareAvg:   newAccumulator("squared_grad_avg", "squared_grad_avg", b.shapes),
	}
	if config.Centered {
		rms.gradAvg = newAccumulator("grad_avg", "grad_avg", b.shapes)
	}
	if config.Momentum > 0 {
		rms.buffer = newAccumulator("momentum", "momentum", b.shapes)
	}
	return rms, nil
}

func (rms *RMSProp) Type() string { return TypeRMSProp }

func (rms *RMSProp) accumulators() []*accumulator {
	accs := []*accumulator{rms.squareAvg}
	if rms.gradAvg != nil {
		accs = append(accs, rms.gradAvg)
	}
	if rms.buffer != nil {
		accs = append(accs, rms.buffer)
	}
	return accs
}

func (rms *RMSProp) Apply(grads, params []*tensor.Tensor) ([][]float64, error) {
	if err := rms.checkInputs(grads, params); err != nil {
		return nil, err
	}
	rms.stepCount++

	updated := make([][]float64, len(params))
	for i, p := range params {
		g := withWeightDecay(grads[i].Data, p.Data, rms.WeightDecay)
		sq := rms.squareAvg.data[i]
		next := make([]float64, len(p.Data))
		for j, gj := range g {
			sq[j] = rms.Alpha*sq[j] + (1-rms.Alpha)*gj*gj
			avg := sq[j]
			if rms.gradAvg != nil {
				ga := rms.gradAvg.data[i]
				ga[j] = rms.Alpha*ga[j] + (1-rms.Alpha)*gj
				avg -= ga[j] * ga[j]
			}
			step := gj / (math.Sqrt(avg) + rms.Epsilon)
			if rms.buffer != nil {
				buf := rms.buffer.data[i]
				buf[j] = rms.Momentum*buf[j] + step
				step = buf[j]
			}
			next[j] = p.Data[j] - rms.learningRate*step
		}
		updated[i] = next
	}
	return updated, nil
}

// GetState extracts optimizer state for checkpointing
func (rms *RMSProp) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: TypeRMSProp,
		Parameters: map[string]interface{}{
			"learning_rate": rms.learningRate,
			"alpha":         rms.Alpha,
			"epsilon":       rms.Epsilon,
			"weight_decay":  rms.WeightDecay,
			"momentum":      rms.Momentum,
			"centered":      rms.Centered,
			"step_count":    rms.stepCount,
		},
		StateData: exportAll(rms.accumulators()...),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (rms *RMSProp) LoadState(state *OptimizerState) error {
	return rms.restoreProgress(TypeRMSProp, state, rms.accumulators()...)
}

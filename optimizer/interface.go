// Package optimizer provides pluggable update rules for the parameters of a
// sequence VAE. A rule turns gradients into new parameter values and keeps
// whatever accumulators it needs between steps; it never writes to the
// parameters itself.
package optimizer

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-seqvae/checkpoints"
	"github.com/tsawler/go-seqvae/tensor"
)

// ErrStateMismatch is returned when saved state does not fit a rule: a
// different rule type, or accumulators whose count, names or shapes differ.
var ErrStateMismatch = errors.New("optimizer state mismatch")

// UpdateRule defines the common interface for all update rules.
// This interface enables state save/restore for checkpoint functionality.
type UpdateRule interface {
	// Apply computes one update. grads and params must match the shapes
	// the rule was built for, in the same order. The result holds the new
	// values of every parameter; params are not modified.
	Apply(grads, params []*tensor.Tensor) ([][]float64, error)

	// GetState exports hyperparameters and accumulators for checkpointing.
	GetState() (*OptimizerState, error)

	// LoadState restores accumulators and progress. Nothing is applied
	// unless the whole state fits.
	LoadState(state *OptimizerState) error

	// GetStepCount returns the number of updates applied so far.
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	LearningRate() float64

	// Type names the rule, e.g. "Adam".
	Type() string
}

// OptimizerState is the serialisable state of a rule.
type OptimizerState = checkpoints.OptimizerState

const (
	TypeSGD     = "SGD"
	TypeAdam    = "Adam"
	TypeRMSProp = "RMSProp"
	TypeAdaGrad = "AdaGrad"
)

// Config selects a rule and its hyperparameters. Fields that a rule does not
// use are ignored.
type Config struct {
	Type         string
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	Momentum     float64
	Nesterov     bool
	Alpha        float64
	Centered     bool
	WeightDecay  float64
}

// DefaultConfig returns an Adam configuration with the usual defaults.
func DefaultConfig() Config {
	adam := DefaultAdamConfig()
	return Config{
		Type:         TypeAdam,
		LearningRate: adam.LearningRate,
		Beta1:        adam.Beta1,
		Beta2:        adam.Beta2,
		Epsilon:      adam.Epsilon,
		WeightDecay:  adam.WeightDecay,
	}
}

// New builds the rule named by config.Type for parameters of the given
// shapes.
func New(config Config, shapes [][]int) (UpdateRule, error) {
	switch config.Type {
	case TypeSGD:
		return NewSGD(SGDConfig{
			LearningRate: config.LearningRate,
			Momentum:     config.Momentum,
			WeightDecay:  config.WeightDecay,
			Nesterov:     config.Nesterov,
		}, shapes)
	case TypeAdam:
		return NewAdam(AdamConfig{
			LearningRate: config.LearningRate,
			Beta1:        config.Beta1,
			Beta2:        config.Beta2,
			Epsilon:      config.Epsilon,
			WeightDecay:  config.WeightDecay,
		}, shapes)
	case TypeRMSProp:
		return NewRMSProp(RMSPropConfig{
			LearningRate: config.LearningRate,
			Alpha:        config.Alpha,
			Epsilon:      config.Epsilon,
			WeightDecay:  config.WeightDecay,
			Momentum:     config.Momentum,
			Centered:     config.Centered,
		}, shapes)
	case TypeAdaGrad:
		return NewAdaGrad(AdaGradConfig{
			LearningRate: config.LearningRate,
			Epsilon:      config.Epsilon,
			WeightDecay:  config.WeightDecay,
		}, shapes)
	default:
		return nil, errors.Errorf("unknown update rule %q", config.Type)
	}
}

// validateStateType ensures the state type matches the rule
func validateStateType(ruleType string, state *OptimizerState) error {
	if state == nil {
		return errors.Wrap(ErrStateMismatch, "nil state")
	}
	if state.Type != ruleType {
		return errors.Wrapf(ErrStateMismatch, "expected %s state, got %s", ruleType, state.Type)
	}
	return nil
}

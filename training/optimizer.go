package training

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-seqvae/checkpoints"
	"github.com/tsawler/go-seqvae/elbo"
	"github.com/tsawler/go-seqvae/embedding"
	"github.com/tsawler/go-seqvae/model"
	"github.com/tsawler/go-seqvae/optimizer"
	"github.com/tsawler/go-seqvae/tensor"
)

// Parameter groups, in optimizer order.
const (
	GroupGenerative  = "generative"
	GroupRecognition = "recognition"
	GroupEmbedding   = "embedding"
)

// Config holds the settings of the gradient step.
type Config struct {
	// Samples is the number of latent draws per sequence.
	Samples int
	// GradNormConstraint caps the norm of every matrix gradient. 0
	// disables clipping.
	GradNormConstraint float64
	// OptimalRatio weights the KL term by 0.5 and ignores beta.
	OptimalRatio bool
}

func DefaultConfig() Config {
	return Config{
		Samples:            1,
		GradNormConstraint: 0,
		OptimalRatio:       false,
	}
}

func (c Config) Validate() error {
	if c.Samples <= 0 {
		return errors.Errorf("training: sample count must be positive, got %d", c.Samples)
	}
	if c.GradNormConstraint < 0 {
		return errors.Errorf("training: gradient norm constraint must be non-negative, got %g", c.GradNormConstraint)
	}
	return nil
}

// CollectParameters returns every trainable tensor in optimizer order:
// generative parameters, then recognition parameters, then the embedding
// table. Update-rule accumulators follow this order.
func CollectParameters(table *embedding.Table, recognition model.Recognition, generative model.Generative) []*tensor.Tensor {
	params, _, _ := collect(table, recognition, generative)
	return params
}

func collect(table *embedding.Table, recognition model.Recognition, generative model.Generative) (params []*tensor.Tensor, names, groups []string) {
	add := func(group string, tensors []*tensor.Tensor) {
		for i, t := range tensors {
			params = append(params, t)
			names = append(names, fmt.Sprintf("%s_%d", group, i))
			groups = append(groups, group)
		}
	}
	add(GroupGenerative, generative.Parameters())
	add(GroupRecognition, recognition.Parameters())
	add(GroupEmbedding, []*tensor.Tensor{table.Weights()})
	return params, names, groups
}

// Optimizer performs gradient steps on the negative ELBO. It is the only
// writer of the model parameters and the embedding table; callers must not
// run inference while a step is in progress.
type Optimizer struct {
	engine *elbo.Engine
	rule   optimizer.UpdateRule
	config Config

	params []*tensor.Tensor
	names  []string
	groups []string
	steps  int
}

// NewOptimizer wires rule to the parameters of the three collaborators.
// rule must have been built for the shapes of CollectParameters. If saved
// is not nil it replaces the rule's fresh accumulators before the first
// step; a state that does not fit returns optimizer.ErrStateMismatch.
func NewOptimizer(table *embedding.Table, recognition model.Recognition, generative model.Generative,
	rule optimizer.UpdateRule, config Config, saved *optimizer.OptimizerState) (*Optimizer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, errors.New("training: update rule is required")
	}
	engine, err := elbo.New(table, recognition, generative, elbo.Config{Samples: config.Samples})
	if err != nil {
		return nil, errors.Wrap(err, "training")
	}

	params, names, groups := collect(table, recognition, generative)
	if saved != nil {
		if err := rule.LoadState(saved); err != nil {
			return nil, errors.Wrap(err, "training: restore update rule")
		}
		klog.Infof("training: restored %s state at step %d (%d accumulators)",
			saved.Type, rule.GetStepCount(), len(saved.StateData))
	}

	return &Optimizer{
		engine: engine,
		rule:   rule,
		config: config,
		params: params,
		names:  names,
		groups: groups,
	}, nil
}

// Step takes one gradient step on the batch and returns the metrics of the
// forward pass that produced it. beta weights the KL term unless the
// optimizer uses the optimal ratio; dropMask may be nil. Parameters are
// modified in place only if the whole step succeeds.
func (o *Optimizer) Step(x, xm [][]int, beta float64, dropMask [][]float64) (elbo.Metrics, error) {
	tensor.ZeroGrad(o.params)
	defer tensor.ZeroGrad(o.params)

	res, err := o.engine.Compute(x, xm, elbo.Options{
		Beta:         &beta,
		DropMask:     dropMask,
		OptimalRatio: o.config.OptimalRatio,
	})
	if err != nil {
		return elbo.Metrics{}, err
	}

	loss, err := tensor.Scale(res.ELBO, -1)
	if err != nil {
		return elbo.Metrics{}, errors.Wrap(err, "training: loss")
	}
	if err := loss.Backward(); err != nil {
		return elbo.Metrics{}, errors.Wrap(err, "training: backward")
	}

	grads, err := o.gradients()
	if err != nil {
		return elbo.Metrics{}, err
	}
	if clipped := optimizer.ClipNorm(grads, o.config.GradNormConstraint); clipped > 0 {
		klog.V(3).Infof("training: clipped %d gradients to norm %g", clipped, o.config.GradNormConstraint)
	}

	updated, err := o.rule.Apply(grads, o.params)
	if err != nil {
		return elbo.Metrics{}, errors.Wrap(err, "training: update rule")
	}
	if len(updated) != len(o.params) {
		return elbo.Metrics{}, errors.Errorf("training: update rule returned %d values for %d parameters", len(updated), len(o.params))
	}
	for i, p := range o.params {
		if len(updated[i]) != p.NumElems {
			return elbo.Metrics{}, errors.Errorf("training: update rule returned %d values for %s, expected %d",
				len(updated[i]), o.names[i], p.NumElems)
		}
	}
	for i, p := range o.params {
		if err := p.CopyFrom(updated[i]); err != nil {
			return elbo.Metrics{}, errors.Wrapf(err, "training: assign %s", o.names[i])
		}
	}

	o.steps++
	klog.V(2).Infof("training: step %d elbo=%.4f kl=%.4f perplexity=%.4f",
		o.steps, res.ELBO.Data[0], res.KLSum, res.Perplexity)
	return res.Metrics, nil
}

// gradients copies each parameter's gradient. A parameter the loss does not
// reach gets zeros.
func (o *Optimizer) gradients() ([]*tensor.Tensor, error) {
	grads := make([]*tensor.Tensor, len(o.params))
	for i, p := range o.params {
		if g := p.Grad(); g != nil {
			grads[i] = g.Clone()
			continue
		}
		zero, err := tensor.Zeros(p.Shape)
		if err != nil {
			return nil, errors.Wrapf(err, "training: zero gradient for %s", o.names[i])
		}
		grads[i] = zero
	}
	return grads, nil
}

// Evaluate returns the standard ELBO metrics of a batch without touching
// the parameters.
func (o *Optimizer) Evaluate(x, xm [][]int) (elbo.Metrics, error) {
	return o.engine.Evaluate(x, xm)
}

// SetLearningRate forwards lr to the update rule, e.g. from a scheduler.
func (o *Optimizer) SetLearningRate(lr float64) {
	o.rule.UpdateLearningRate(lr)
}

func (o *Optimizer) LearningRate() float64 {
	return o.rule.LearningRate()
}

// Parameters returns the trainable tensors in optimizer order. The tensors
// are live; the slice is a copy.
func (o *Optimizer) Parameters() []*tensor.Tensor {
	return append([]*tensor.Tensor(nil), o.params...)
}

// Steps returns the number of steps this optimizer has taken.
func (o *Optimizer) Steps() int {
	return o.steps
}

// State exports the update rule's accumulators.
func (o *Optimizer) State() (*optimizer.OptimizerState, error) {
	return o.rule.GetState()
}

// Snapshot captures parameters and update-rule state.
func (o *Optimizer) Snapshot(progress checkpoints.TrainingState) (*checkpoints.Checkpoint, error) {
	weights, err := checkpoints.ExtractWeights(o.names, o.groups, o.params)
	if err != nil {
		return nil, errors.Wrap(err, "training: snapshot")
	}
	state, err := o.rule.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "training: snapshot")
	}
	progress.LearningRate = o.rule.LearningRate()
	return &checkpoints.Checkpoint{
		Weights:        weights,
		TrainingState:  progress,
		OptimizerState: state,
	}, nil
}

// Restore loads a snapshot taken by Snapshot and resumes the step count
// from its training state. Weights must match the parameters by name and
// shape; on any mismatch neither the parameters, the update rule nor the
// step count change.
func (o *Optimizer) Restore(cp *checkpoints.Checkpoint) error {
	if cp == nil {
		return errors.New("training: nil checkpoint")
	}
	if len(cp.Weights) != len(o.names) {
		return errors.Errorf("training: checkpoint has %d weights, expected %d", len(cp.Weights), len(o.names))
	}
	for i, w := range cp.Weights {
		if w.Name != o.names[i] {
			return errors.Errorf("training: weight %d is %q, expected %q", i, w.Name, o.names[i])
		}
	}

	previous, err := o.rule.GetState()
	if err != nil {
		return errors.Wrap(err, "training: restore")
	}
	if cp.OptimizerState != nil {
		if err := o.rule.LoadState(cp.OptimizerState); err != nil {
			return errors.Wrap(err, "training: restore update rule")
		}
	}
	if err := checkpoints.LoadWeightsIntoTensors(cp.Weights, o.params); err != nil {
		if rollback := o.rule.LoadState(previous); rollback != nil {
			klog.Errorf("training: failed to roll back update rule: %v", rollback)
		}
		return errors.Wrap(err, "training: restore weights")
	}
	o.steps = cp.TrainingState.Step
	klog.Infof("training: restored %d weights at step %d", len(cp.Weights), cp.TrainingState.Step)
	return nil
}

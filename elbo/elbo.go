// Package elbo builds the evidence lower bound of a sequence VAE from an
// embedding table, a recognition model and a generative model.
package elbo

import (
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-seqvae/embedding"
	"github.com/tsawler/go-seqvae/model"
	"github.com/tsawler/go-seqvae/sequence"
	"github.com/tsawler/go-seqvae/tensor"
)

// Config holds the Monte-Carlo settings of the estimator.
type Config struct {
	// Samples is the number of latent draws per sequence (S).
	Samples int
}

func DefaultConfig() Config {
	return Config{Samples: 1}
}

func (c Config) Validate() error {
	if c.Samples <= 0 {
		return errors.Errorf("elbo: sample count must be positive, got %d", c.Samples)
	}
	return nil
}

// KLMode selects how the summed KL term enters the objective.
type KLMode int

const (
	// Standard: mean_S(log p) - Σ kl.
	Standard KLMode = iota
	// Annealed: mean_S(log p) - β · Σ kl.
	Annealed
	// OptimalRatio: mean_S(log p) - 0.5 · Σ kl. An empirical weighting
	// kept as its own mode.
	OptimalRatio
)

func (m KLMode) String() string {
	switch m {
	case Standard:
		return "standard"
	case Annealed:
		return "annealed"
	case OptimalRatio:
		return "optimal_ratio"
	default:
		return "unknown"
	}
}

// Options are the per-call inputs of the objective.
type Options struct {
	// Beta is the KL annealing coefficient; nil means no annealing.
	Beta *float64
	// DropMask scales each timestep's decoder-input embedding; nil means
	// no mask.
	DropMask [][]float64
	// OptimalRatio takes precedence over Beta.
	OptimalRatio bool
}

// Mode reports which combination the options select.
func (o Options) Mode() KLMode {
	switch {
	case o.OptimalRatio:
		return OptimalRatio
	case o.Beta != nil:
		return Annealed
	default:
		return Standard
	}
}

// Metrics are the monitoring values of one evaluation.
type Metrics struct {
	ELBO  float64
	KLSum float64
	// Perplexity is exp(-(mean_S(log p) - Σ kl) / valid tokens). It is
	// diagnostic only and independent of the KL mode.
	Perplexity float64
}

// Finite reports whether the ELBO and KL are finite and the perplexity is
// a number. A batch with no valid tokens has infinite perplexity.
func (m Metrics) Finite() bool {
	return !math.IsNaN(m.ELBO) && !math.IsInf(m.ELBO, 0) &&
		!math.IsNaN(m.KLSum) && !math.IsInf(m.KLSum, 0) &&
		!math.IsNaN(m.Perplexity)
}

// Result carries the differentiable objective alongside its metrics.
type Result struct {
	// ELBO is a single-element tensor connected to every parameter that
	// influenced it.
	ELBO *tensor.Tensor
	Metrics
}

// Engine evaluates the objective over shared, live parameters.
type Engine struct {
	table       *embedding.Table
	recognition model.Recognition
	generative  model.Generative
	config      Config
}

func New(table *embedding.Table, recognition model.Recognition, generative model.Generative, config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if table == nil || recognition == nil || generative == nil {
		return nil, errors.New("elbo: table and both models are required")
	}
	return &Engine{
		table:       table,
		recognition: recognition,
		generative:  generative,
		config:      config,
	}, nil
}

func (e *Engine) Config() Config {
	return e.config
}

// Compute evaluates the ELBO of the batch x, encoding x_m. All shapes are
// checked before anything is embedded.
func (e *Engine) Compute(x, xm [][]int, opts Options) (*Result, error) {
	n, l, err := sequence.Shape(x)
	if err != nil {
		return nil, errors.Wrap(err, "elbo: x")
	}
	if err := sequence.CheckSame("x_m", xm, n, l); err != nil {
		return nil, errors.Wrap(err, "elbo")
	}
	if opts.DropMask != nil {
		if err := sequence.CheckMask("drop_mask", opts.DropMask, n, l); err != nil {
			return nil, errors.Wrap(err, "elbo")
		}
	}

	xEmb, err := e.table.Lookup(x)
	if err != nil {
		return nil, errors.Wrap(err, "elbo: embed x")
	}
	xmEmb, err := e.table.Lookup(xm)
	if err != nil {
		return nil, errors.Wrap(err, "elbo: embed x_m")
	}

	samples := e.config.Samples
	z, kl, err := e.recognition.Sample(xm, xmEmb, samples, false)
	if err != nil {
		return nil, errors.Wrap(err, "elbo: recognition")
	}
	if z.Rank() != 2 || z.Shape[0] != samples*n {
		return nil, errors.Wrapf(sequence.ErrShapeMismatch, "elbo: recognition returned z of shape %v for %d samples of %d sequences", z.Shape, samples, n)
	}
	if kl.NumElems != n {
		return nil, errors.Wrapf(sequence.ErrShapeMismatch, "elbo: recognition returned %d KL values for %d sequences", kl.NumElems, n)
	}

	dropped := xEmb
	if opts.DropMask != nil {
		if dropped, err = tensor.MulTimeMask(xEmb, opts.DropMask); err != nil {
			return nil, errors.Wrap(err, "elbo: drop mask")
		}
	}

	logp, err := e.generative.LogLikelihood(x, xEmb, dropped, z, e.table)
	if err != nil {
		return nil, errors.Wrap(err, "elbo: generative")
	}
	if logp.NumElems != samples*n {
		return nil, errors.Wrapf(sequence.ErrShapeMismatch, "elbo: generative returned log-likelihoods of shape %v, expected [%d %d]", logp.Shape, samples, n)
	}

	var c tensor.Chain
	meanLogp := c.Scale(c.Sum(logp), 1/float64(samples))
	klSum := c.Sum(kl)
	var objective *tensor.Tensor
	switch opts.Mode() {
	case OptimalRatio:
		objective = c.Sub(meanLogp, c.Scale(klSum, 0.5))
	case Annealed:
		objective = c.Sub(meanLogp, c.Scale(klSum, *opts.Beta))
	default:
		objective = c.Sub(meanLogp, klSum)
	}
	if err := c.Err(); err != nil {
		return nil, errors.Wrap(err, "elbo: combine")
	}

	metrics := Metrics{
		ELBO:       objective.Data[0],
		KLSum:      klSum.Data[0],
		Perplexity: perplexity(meanLogp.Data[0], klSum.Data[0], sequence.ValidCount(x)),
	}
	if !metrics.Finite() {
		klog.Warningf("elbo: non-finite objective (mode=%s elbo=%g kl=%g perplexity=%g)",
			opts.Mode(), metrics.ELBO, metrics.KLSum, metrics.Perplexity)
	}

	return &Result{ELBO: objective, Metrics: metrics}, nil
}

// Evaluate returns the standard ELBO metrics of a batch without a drop
// mask or annealing.
func (e *Engine) Evaluate(x, xm [][]int) (Metrics, error) {
	res, err := e.Compute(x, xm, Options{})
	if err != nil {
		return Metrics{}, err
	}
	return res.Metrics, nil
}

func perplexity(meanLogp, klSum float64, validTokens int) float64 {
	if validTokens == 0 {
		return math.Inf(1)
	}
	return math.Exp(-(meanLogp - klSum) / float64(validTokens))
}

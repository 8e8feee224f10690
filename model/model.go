// Package model defines the contracts the variational objective and the
// inference suite consume from the recognition and generative networks.
package model

import (
	"github.com/tsawler/go-seqvae/decode"
	"github.com/tsawler/go-seqvae/embedding"
	"github.com/tsawler/go-seqvae/tensor"
)

// Recognition maps a (possibly masked) token batch to an approximate
// Gaussian posterior over the latent code.
type Recognition interface {
	// Sample draws samples latent codes per sequence. z is
	// (samples*N) x LatentDim in sample-major order: row s*N+n belongs to
	// sequence n. kl holds the analytic KL divergence of each sequence's
	// posterior to N(0, I). With meansOnly, every row of z is the
	// posterior mean.
	Sample(xm [][]int, xmEmbedded *tensor.Tensor, samples int, meansOnly bool) (z, kl *tensor.Tensor, err error)
	Parameters() []*tensor.Tensor
	LatentDim() int
}

// Generative scores and decodes token sequences given latent codes.
type Generative interface {
	// LogLikelihood returns the samples x N matrix of log p(x_n | z_{s,n}).
	// xEmbeddedDropped is the embedding used as decoder input; it equals
	// xEmbedded when no drop mask is applied.
	LogLikelihood(x [][]int, xEmbedded, xEmbeddedDropped, z *tensor.Tensor, table *embedding.Table) (*tensor.Tensor, error)
	// Stepper exposes one decode step over the current parameters.
	Stepper(table *embedding.Table) decode.Stepper
	MaxLength() int
	Parameters() []*tensor.Tensor
}

// Staged is implemented by generative models that build their output over
// a fixed number of refinement steps.
type Staged interface {
	Generative
	CanvasSteps() int
	// StagedStepper decodes the intermediate output after step (1-based).
	StagedStepper(table *embedding.Table, step int) (decode.Stepper, error)
}

// GaussianKL returns, per row, KL(N(mu, exp(logVar)) || N(0, I)):
//
//	0.5 * Σ_j (mu_j² + exp(logVar_j) - 1 - logVar_j)
//
// The result is a length-N vector and is non-negative.
func GaussianKL(mu, logVar *tensor.Tensor) (*tensor.Tensor, error) {
	var c tensor.Chain
	terms := c.Sub(c.Add(c.Mul(mu, mu), c.Exp(logVar)), logVar)
	kl := c.Scale(c.SumRows(c.AddScalar(terms, -1)), 0.5)
	return kl, c.Err()
}

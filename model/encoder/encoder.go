// Package encoder provides a Gaussian recognition model: the valid token
// embeddings of a sequence are averaged, passed through a tanh layer, and
// projected to the mean and log-variance of the approximate posterior.
package encoder

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/tsawler/go-seqvae/model"
	"github.com/tsawler/go-seqvae/sequence"
	"github.com/tsawler/go-seqvae/tensor"
)

type Config struct {
	HiddenDim int
	LatentDim int
}

func DefaultConfig() Config {
	return Config{
		HiddenDim: 64,
		LatentDim: 16,
	}
}

func (c Config) Validate() error {
	if c.HiddenDim <= 0 {
		return errors.Errorf("encoder: hidden dimension must be positive, got %d", c.HiddenDim)
	}
	if c.LatentDim <= 0 {
		return errors.Errorf("encoder: latent dimension must be positive, got %d", c.LatentDim)
	}
	return nil
}

// Encoder implements model.Recognition.
type Encoder struct {
	config   Config
	embedDim int
	src      rand.Source

	wHidden, bHidden *tensor.Tensor
	wMean, bMean     *tensor.Tensor
	wLogVar, bLogVar *tensor.Tensor
}

var _ model.Recognition = (*Encoder)(nil)

// New builds an encoder over embedDim-dimensional token embeddings. src
// drives both parameter initialisation and the reparameterisation noise.
func New(embedDim int, config Config, src rand.Source) (*Encoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if embedDim <= 0 {
		return nil, errors.Errorf("encoder: embedding dimension must be positive, got %d", embedDim)
	}

	e := &Encoder{config: config, embedDim: embedDim, src: src}
	shapes := []struct {
		dst   **tensor.Tensor
		shape []int
	}{
		{&e.wHidden, []int{embedDim, config.HiddenDim}},
		{&e.bHidden, []int{config.HiddenDim}},
		{&e.wMean, []int{config.HiddenDim, config.LatentDim}},
		{&e.bMean, []int{config.LatentDim}},
		{&e.wLogVar, []int{config.HiddenDim, config.LatentDim}},
		{&e.bLogVar, []int{config.LatentDim}},
	}
	for _, s := range shapes {
		p, err := tensor.Parameter(s.shape, src)
		if err != nil {
			return nil, errors.Wrap(err, "encoder: init")
		}
		*s.dst = p
	}
	return e, nil
}

func (e *Encoder) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{e.wHidden, e.bHidden, e.wMean, e.bMean, e.wLogVar, e.bLogVar}
}

func (e *Encoder) LatentDim() int {
	return e.config.LatentDim
}

// Posterior returns the N x Z mean and log-variance for a batch.
func (e *Encoder) Posterior(xm [][]int, xmEmbedded *tensor.Tensor) (mu, logVar *tensor.Tensor, err error) {
	n, l, err := sequence.Shape(xm)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encoder")
	}
	if xmEmbedded.Rank() != 3 || xmEmbedded.Shape[0] != n || xmEmbedded.Shape[1] != l || xmEmbedded.Shape[2] != e.embedDim {
		return nil, nil, errors.Wrapf(sequence.ErrShapeMismatch,
			"encoder: embedded input has shape %v, expected [%d %d %d]", xmEmbedded.Shape, n, l, e.embedDim)
	}

	var c tensor.Chain
	pooled := c.MaskedMean(xmEmbedded, sequence.ValidMask(xm))
	hidden := c.Tanh(c.Affine(pooled, e.wHidden, e.bHidden))
	mu = c.Affine(hidden, e.wMean, e.bMean)
	logVar = c.Affine(hidden, e.wLogVar, e.bLogVar)
	if err := c.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "encoder")
	}
	return mu, logVar, nil
}

// Sample draws z = mu + exp(logVar/2) * eps with eps ~ N(0, I), tiled
// sample-major over the batch.
func (e *Encoder) Sample(xm [][]int, xmEmbedded *tensor.Tensor, samples int, meansOnly bool) (z, kl *tensor.Tensor, err error) {
	if samples <= 0 {
		return nil, nil, errors.Errorf("encoder: sample count must be positive, got %d", samples)
	}
	mu, logVar, err := e.Posterior(xm, xmEmbedded)
	if err != nil {
		return nil, nil, err
	}
	kl, err = model.GaussianKL(mu, logVar)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encoder: kl")
	}

	var c tensor.Chain
	z = c.RepeatRows(mu, samples)
	if !meansOnly {
		noise, err := tensor.RandomNormal([]int{samples * mu.Rows(), e.config.LatentDim}, 0, 1, e.src)
		if err != nil {
			return nil, nil, errors.Wrap(err, "encoder: noise")
		}
		std := c.RepeatRows(c.Exp(c.Scale(logVar, 0.5)), samples)
		z = c.Add(z, c.Mul(std, noise))
	}
	if err := c.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "encoder: sample")
	}
	return z, kl, nil
}

// Package decoder provides a latent-conditioned recurrent generative model.
//
// At step t the hidden state is
//
//	h_t = tanh(z·Wz + e_{t-1}·Wx + h_{t-1}·Wh + b)
//
// where e_{t-1} is the embedding of the previous token (zero at t = 0) and
// h_{-1} = 0. Token probabilities are softmax(h_t·Wo + bo).
package decoder

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/tsawler/go-seqvae/decode"
	"github.com/tsawler/go-seqvae/embedding"
	"github.com/tsawler/go-seqvae/model"
	"github.com/tsawler/go-seqvae/sequence"
	"github.com/tsawler/go-seqvae/tensor"
)

type Config struct {
	HiddenDim int
	// MaxLength bounds free-running decodes.
	MaxLength int
	// EOS is the end-of-sequence token id.
	EOS int
	// CanvasSteps is the number of staged refinement steps exposed for
	// inspection; stage k covers the first ceil(k*MaxLength/CanvasSteps)
	// positions.
	CanvasSteps int
}

func DefaultConfig() Config {
	return Config{
		HiddenDim:   128,
		MaxLength:   40,
		EOS:         0,
		CanvasSteps: 4,
	}
}

func (c Config) Validate() error {
	if c.HiddenDim <= 0 {
		return errors.Errorf("decoder: hidden dimension must be positive, got %d", c.HiddenDim)
	}
	if c.MaxLength <= 0 {
		return errors.Errorf("decoder: max length must be positive, got %d", c.MaxLength)
	}
	if c.EOS < 0 {
		return errors.Errorf("decoder: eos id must be a vocabulary id, got %d", c.EOS)
	}
	if c.CanvasSteps <= 0 {
		return errors.Errorf("decoder: canvas steps must be positive, got %d", c.CanvasSteps)
	}
	return nil
}

// Decoder implements model.Generative and model.Staged.
type Decoder struct {
	config    Config
	vocabSize int
	embedDim  int
	latentDim int

	wLatent *tensor.Tensor // Z x H
	wInput  *tensor.Tensor // E x H
	wHidden *tensor.Tensor // H x H
	bHidden *tensor.Tensor // H
	wOut    *tensor.Tensor // H x V
	bOut    *tensor.Tensor // V
}

var _ model.Staged = (*Decoder)(nil)

func New(vocabSize, embedDim, latentDim int, config Config, src rand.Source) (*Decoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if vocabSize <= 0 || embedDim <= 0 || latentDim <= 0 {
		return nil, errors.Errorf("decoder: invalid dimensions vocab=%d embed=%d latent=%d", vocabSize, embedDim, latentDim)
	}
	if config.EOS >= vocabSize {
		return nil, errors.Errorf("decoder: eos id %d outside vocabulary of size %d", config.EOS, vocabSize)
	}

	d := &Decoder{
		config:    config,
		vocabSize: vocabSize,
		embedDim:  embedDim,
		latentDim: latentDim,
	}
	h := config.HiddenDim
	shapes := []struct {
		dst   **tensor.Tensor
		shape []int
	}{
		{&d.wLatent, []int{latentDim, h}},
		{&d.wInput, []int{embedDim, h}},
		{&d.wHidden, []int{h, h}},
		{&d.bHidden, []int{h}},
		{&d.wOut, []int{h, vocabSize}},
		{&d.bOut, []int{vocabSize}},
	}
	for _, s := range shapes {
		p, err := tensor.Parameter(s.shape, src)
		if err != nil {
			return nil, errors.Wrap(err, "decoder: init")
		}
		*s.dst = p
	}
	return d, nil
}

func (d *Decoder) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{d.wLatent, d.wInput, d.wHidden, d.bHidden, d.wOut, d.bOut}
}

func (d *Decoder) MaxLength() int {
	return d.config.MaxLength
}

func (d *Decoder) CanvasSteps() int {
	return d.config.CanvasSteps
}

// LogLikelihood teacher-forces the recurrence over x. The input at step t
// is the dropped embedding of x[:, t-1]; sentinel targets contribute zero.
// All samples x sequences are processed as one batch of rows in
// sample-major order.
func (d *Decoder) LogLikelihood(x [][]int, xEmbedded, xEmbeddedDropped, z *tensor.Tensor, table *embedding.Table) (*tensor.Tensor, error) {
	n, l, err := sequence.Shape(x)
	if err != nil {
		return nil, errors.Wrap(err, "decoder")
	}
	if table.VocabSize() != d.vocabSize || table.Dim() != d.embedDim {
		return nil, errors.Errorf("decoder: table is %dx%d, expected %dx%d",
			table.VocabSize(), table.Dim(), d.vocabSize, d.embedDim)
	}
	if xEmbeddedDropped.Rank() != 3 || xEmbeddedDropped.Shape[0] != n || xEmbeddedDropped.Shape[1] != l || xEmbeddedDropped.Shape[2] != d.embedDim {
		return nil, errors.Wrapf(sequence.ErrShapeMismatch,
			"decoder: dropped embedding has shape %v, expected [%d %d %d]", xEmbeddedDropped.Shape, n, l, d.embedDim)
	}
	if z.Rank() != 2 || z.Shape[1] != d.latentDim || z.Shape[0]%n != 0 {
		return nil, errors.Wrapf(sequence.ErrShapeMismatch,
			"decoder: latent codes have shape %v, expected [S*%d %d]", z.Shape, n, d.latentDim)
	}
	samples := z.Shape[0] / n

	var c tensor.Chain
	latent := c.MatMul(z, d.wLatent)
	var hidden, total *tensor.Tensor
	for t := 0; t < l; t++ {
		pre := c.AddRowVector(latent, d.bHidden)
		if t > 0 {
			prev := c.RepeatRows(c.TimeStep(xEmbeddedDropped, t-1), samples)
			pre = c.Add(pre, c.MatMul(prev, d.wInput))
			pre = c.Add(pre, c.MatMul(hidden, d.wHidden))
		}
		hidden = c.Tanh(pre)
		logits := c.Affine(hidden, d.wOut, d.bOut)

		step := c.PickLogSoftmax(logits, tileColumn(x, t, samples))
		if total == nil {
			total = step
		} else {
			total = c.Add(total, step)
		}
	}
	out := c.Reshape(total, []int{samples, n})
	if err := c.Err(); err != nil {
		return nil, errors.Wrap(err, "decoder: log likelihood")
	}
	return out, nil
}

// tileColumn returns column t of x repeated samples times.
func tileColumn(x [][]int, t, samples int) []int {
	out := make([]int, 0, samples*len(x))
	for s := 0; s < samples; s++ {
		for _, row := range x {
			out = append(out, row[t])
		}
	}
	return out
}

// StagedStepper exposes the decode after refinement step (1-based): the
// first ceil(step*MaxLength/CanvasSteps) positions of the canvas.
func (d *Decoder) StagedStepper(table *embedding.Table, step int) (decode.Stepper, error) {
	if step < 1 || step > d.config.CanvasSteps {
		return nil, errors.Errorf("decoder: canvas step %d outside [1, %d]", step, d.config.CanvasSteps)
	}
	st := d.newStepper(table)
	st.maxLength = (step*d.config.MaxLength + d.config.CanvasSteps - 1) / d.config.CanvasSteps
	return st, nil
}

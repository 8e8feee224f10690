// Package embedding owns the V x E token-embedding table shared by the
// recognition and generative models.
package embedding

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/tsawler/go-seqvae/sequence"
	"github.com/tsawler/go-seqvae/tensor"
)

// InitStdDev is the standard deviation of the Normal(0, σ) initialisation.
const InitStdDev = 0.1

// ErrInvalidVocabIndex is returned for a lookup index outside [-1, V-1].
var ErrInvalidVocabIndex = errors.New("invalid vocabulary index")

// Table is a mutable V x E embedding matrix. Lookups always read the
// current values; only the training optimizer writes to it.
type Table struct {
	weights *tensor.Tensor
}

// New creates a vocabSize x dim table with entries drawn i.i.d. from
// Normal(0, 0.1).
func New(vocabSize, dim int, src rand.Source) (*Table, error) {
	if vocabSize <= 0 || dim <= 0 {
		return nil, errors.Errorf("embedding: invalid table size %dx%d", vocabSize, dim)
	}
	w, err := tensor.RandomNormal([]int{vocabSize, dim}, 0, InitStdDev, src)
	if err != nil {
		return nil, errors.Wrap(err, "embedding: init")
	}
	w.SetRequiresGrad(true)
	return &Table{weights: w}, nil
}

// FromTensor wraps an existing V x E tensor. The tensor is referenced,
// not copied.
func FromTensor(w *tensor.Tensor) (*Table, error) {
	if w == nil || w.Rank() != 2 {
		return nil, errors.New("embedding: table must be a rank-2 tensor")
	}
	w.SetRequiresGrad(true)
	return &Table{weights: w}, nil
}

// Weights returns the table's parameter tensor.
func (t *Table) Weights() *tensor.Tensor {
	return t.weights
}

func (t *Table) VocabSize() int {
	return t.weights.Shape[0]
}

func (t *Table) Dim() int {
	return t.weights.Shape[1]
}

// Lookup embeds an N x L index matrix into an N x L x E tensor connected to
// the table for differentiation. Index -1 yields the zero vector.
func (t *Table) Lookup(indices [][]int) (*tensor.Tensor, error) {
	if _, _, err := sequence.Shape(indices); err != nil {
		return nil, errors.Wrap(err, "embedding lookup")
	}
	if err := t.validate(indices); err != nil {
		return nil, err
	}
	out, err := tensor.Gather(t.weights, indices)
	if err != nil {
		return nil, errors.Wrap(err, "embedding lookup")
	}
	return out, nil
}

// Row returns a copy of the embedding for index i; -1 yields the zero
// vector.
func (t *Table) Row(i int) ([]float64, error) {
	dim := t.Dim()
	if i == sequence.Sentinel {
		return make([]float64, dim), nil
	}
	if i < 0 || i >= t.VocabSize() {
		return nil, errors.Wrapf(ErrInvalidVocabIndex, "index %d, vocabulary size %d", i, t.VocabSize())
	}
	return append([]float64(nil), t.weights.Row(i)...), nil
}

func (t *Table) validate(indices [][]int) error {
	vocab := t.VocabSize()
	for i, row := range indices {
		for j, idx := range row {
			if idx == sequence.Sentinel {
				continue
			}
			if idx < 0 || idx >= vocab {
				return errors.Wrapf(ErrInvalidVocabIndex, "index %d at (%d, %d), vocabulary size %d", idx, i, j, vocab)
			}
		}
	}
	return nil
}

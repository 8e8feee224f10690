package training

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tsawler/go-seqvae/sequence"
)

// WordDropout builds drop masks that zero the decoder-input embedding of
// each valid token with probability Rate.
type WordDropout struct {
	rate float64
	keep distuv.Bernoulli
}

func NewWordDropout(rate float64, src rand.Source) (*WordDropout, error) {
	if rate < 0 || rate > 1 {
		return nil, errors.Errorf("training: word dropout rate must be in [0, 1], got %g", rate)
	}
	return &WordDropout{
		rate: rate,
		keep: distuv.Bernoulli{P: 1 - rate, Src: src},
	}, nil
}

func (d *WordDropout) Rate() float64 {
	return d.rate
}

// Mask returns an N x L mask for x. Padding positions are left at 1; their
// embeddings are already zero.
func (d *WordDropout) Mask(x [][]int) [][]float64 {
	mask := make([][]float64, len(x))
	for i, row := range x {
		mask[i] = make([]float64, len(row))
		for j, tok := range row {
			if tok == sequence.Sentinel {
				mask[i][j] = 1
				continue
			}
			mask[i][j] = d.keep.Rand()
		}
	}
	return mask
}

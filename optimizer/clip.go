package optimizer

import (
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-seqvae/tensor"
)

// ClipNorm rescales, in place, every gradient of rank two or more whose
// Frobenius norm exceeds maxNorm so that its norm becomes maxNorm. Vectors
// and scalars are left alone. A non-positive maxNorm disables clipping. It
// returns how many gradients were rescaled.
func ClipNorm(grads []*tensor.Tensor, maxNorm float64) int {
	if maxNorm <= 0 {
		return 0
	}
	clipped := 0
	for _, g := range grads {
		if g == nil || g.Rank() < 2 {
			continue
		}
		norm := floats.Norm(g.Data, 2)
		if norm > maxNorm {
			floats.Scale(maxNorm/norm, g.Data)
			clipped++
		}
	}
	return clipped
}

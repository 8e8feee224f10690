// Package decode turns a latent-conditioned next-token distribution into
// token sequences. A model exposes a single decode step through Stepper;
// sampling, greedy and beam search are Strategies over that step.
package decode

import (
	"math"

	"github.com/tsawler/go-seqvae/sequence"
)

// State is a Stepper's opaque recurrent state. Strategies never inspect
// it; a Stepper must not mutate a State it has already returned, because
// beam search branches from the same state more than once.
type State any

// Stepper is one decode step of a generative model conditioned on a single
// latent vector.
type Stepper interface {
	// Start returns the initial state for latent z.
	Start(z []float64) State
	// Next consumes the previously emitted token (sequence.Sentinel before
	// the first step) and returns log-probabilities over the vocabulary
	// for the next token together with the successor state.
	Next(s State, prev int) (logProbs []float64, next State)
	// EOS is the end-of-sequence token id.
	EOS() int
	// MaxLength bounds decoding when the caller gives no step limit.
	MaxLength() int
}

// Strategy decodes one sequence for latent z. A non-positive maxSteps
// means st.MaxLength(). The returned score is the sequence's total
// log-probability under st.
type Strategy interface {
	Decode(st Stepper, z []float64, maxSteps int) ([]int, float64)
}

func stepLimit(st Stepper, maxSteps int) int {
	if maxSteps > 0 {
		return maxSteps
	}
	return st.MaxLength()
}

// Score returns the teacher-forced log-probability of tokens under st,
// stopping at the first sentinel.
func Score(st Stepper, z []float64, tokens []int) float64 {
	s := st.Start(z)
	prev := sequence.Sentinel
	var total float64
	for _, tok := range tokens {
		if tok < 0 {
			break
		}
		var lp []float64
		lp, s = st.Next(s, prev)
		if tok >= len(lp) {
			return math.Inf(-1)
		}
		total += lp[tok]
		prev = tok
	}
	return total
}

// Pad lays decoded rows out as a rectangular matrix, filling with
// sequence.Sentinel. The width is the longer of width and the longest row.
func Pad(rows [][]int, width int) [][]int {
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	out := make([][]int, len(rows))
	for i, r := range rows {
		padded := make([]int, width)
		n := copy(padded, r)
		for j := n; j < width; j++ {
			padded[j] = sequence.Sentinel
		}
		out[i] = padded
	}
	return out
}

// All decodes every row of zs with strategy and pads the result.
func All(strategy Strategy, st Stepper, zs [][]float64, maxSteps int) [][]int {
	rows := make([][]int, len(zs))
	for i, z := range zs {
		rows[i], _ = strategy.Decode(st, z, maxSteps)
	}
	return Pad(rows, 0)
}

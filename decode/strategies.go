package decode

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tsawler/go-seqvae/sequence"
)

// Sampler draws each token from the model's distribution.
type Sampler struct {
	Src rand.Source
}

func (d Sampler) Decode(st Stepper, z []float64, maxSteps int) ([]int, float64) {
	limit := stepLimit(st, maxSteps)
	s := st.Start(z)
	prev := sequence.Sentinel
	var (
		tokens []int
		score  float64
	)
	for t := 0; t < limit; t++ {
		var lp []float64
		lp, s = st.Next(s, prev)

		weights := make([]float64, len(lp))
		for k, v := range lp {
			weights[k] = math.Exp(v)
		}
		tok := int(distuv.NewCategorical(weights, d.Src).Rand())

		tokens = append(tokens, tok)
		score += lp[tok]
		if tok == st.EOS() {
			break
		}
		prev = tok
	}
	return tokens, score
}

// Greedy takes the most probable token at every step.
type Greedy struct{}

func (Greedy) Decode(st Stepper, z []float64, maxSteps int) ([]int, float64) {
	limit := stepLimit(st, maxSteps)
	s := st.Start(z)
	prev := sequence.Sentinel
	var (
		tokens []int
		score  float64
	)
	for t := 0; t < limit; t++ {
		var lp []float64
		lp, s = st.Next(s, prev)
		tok := floats.MaxIdx(lp)
		tokens = append(tokens, tok)
		score += lp[tok]
		if tok == st.EOS() {
			break
		}
		prev = tok
	}
	return tokens, score
}

// noEOS is passed as the end token when a search must not finish early.
const noEOS = math.MinInt

// Beam keeps the Width highest-scoring partial sequences at each step.
// Width 1 is equivalent to Greedy.
type Beam struct {
	Width int
}

type hypothesis struct {
	tokens []int
	score  float64
	state  State
	done   bool
}

func (h hypothesis) last() int {
	if len(h.tokens) == 0 {
		return sequence.Sentinel
	}
	return h.tokens[len(h.tokens)-1]
}

func (h hypothesis) extend(tok int, lp float64, next State, eos int) hypothesis {
	tokens := make([]int, len(h.tokens)+1)
	copy(tokens, h.tokens)
	tokens[len(h.tokens)] = tok
	return hypothesis{
		tokens: tokens,
		score:  h.score + lp,
		state:  next,
		done:   tok == eos,
	}
}

func (b Beam) width() int {
	if b.Width < 1 {
		return 1
	}
	return b.Width
}

// prune keeps the best width candidates. Candidates are produced in
// (hypothesis, token) order and the sort is stable, so ties resolve to the
// earlier candidate, as floats.MaxIdx does.
func (b Beam) prune(candidates []hypothesis) []hypothesis {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > b.width() {
		candidates = candidates[:b.width()]
	}
	return candidates
}

func allDone(beam []hypothesis) bool {
	for _, h := range beam {
		if !h.done {
			return false
		}
	}
	return true
}

func (b Beam) Decode(st Stepper, z []float64, maxSteps int) ([]int, float64) {
	limit := stepLimit(st, maxSteps)
	eos := st.EOS()
	beam := []hypothesis{{state: st.Start(z)}}

	for t := 0; t < limit && !allDone(beam); t++ {
		var candidates []hypothesis
		for _, h := range beam {
			if h.done {
				candidates = append(candidates, h)
				continue
			}
			lp, next := st.Next(h.state, h.last())
			for tok, v := range lp {
				candidates = append(candidates, h.extend(tok, v, next, eos))
			}
		}
		beam = b.prune(candidates)
	}

	best := beam[0]
	return best.tokens, best.score
}

// Constrained runs beam search over exactly len(fixed) positions. Where
// free[t] is false the token is forced to fixed[t]; only free positions
// are searched. Decoding does not stop at EOS. A fixed sequence.Sentinel
// scores 0; any other fixed token outside the vocabulary scores -Inf, as in
// Score.
func (b Beam) Constrained(st Stepper, z []float64, fixed []int, free []bool) ([]int, float64) {
	beam := []hypothesis{{state: st.Start(z)}}

	for t := range fixed {
		var candidates []hypothesis
		for _, h := range beam {
			lp, next := st.Next(h.state, h.last())
			if !free[t] {
				tok := fixed[t]
				var v float64
				switch {
				case tok >= 0 && tok < len(lp):
					v = lp[tok]
				case tok != sequence.Sentinel:
					v = math.Inf(-1)
				}
				candidates = append(candidates, h.extend(tok, v, next, noEOS))
				continue
			}
			for tok, v := range lp {
				candidates = append(candidates, h.extend(tok, v, next, noEOS))
			}
		}
		beam = b.prune(candidates)
	}

	best := beam[0]
	return best.tokens, best.score
}

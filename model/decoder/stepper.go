package decoder

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-seqvae/decode"
	"github.com/tsawler/go-seqvae/embedding"
	"github.com/tsawler/go-seqvae/tensor"
)

// Stepper runs the decoder recurrence one token at a time over the live
// parameter values. It implements decode.Stepper.
type Stepper struct {
	d         *Decoder
	table     *embedding.Table
	maxLength int
}

type stepState struct {
	latent []float64 // z·Wz, fixed for the whole decode
	hidden []float64 // nil before the first step
}

// Stepper returns a decode step over the current parameters and table.
func (d *Decoder) Stepper(table *embedding.Table) decode.Stepper {
	return d.newStepper(table)
}

func (d *Decoder) newStepper(table *embedding.Table) *Stepper {
	return &Stepper{d: d, table: table, maxLength: d.config.MaxLength}
}

func (s *Stepper) EOS() int {
	return s.d.config.EOS
}

func (s *Stepper) MaxLength() int {
	return s.maxLength
}

func (s *Stepper) Start(z []float64) decode.State {
	return stepState{latent: vecMat(z, s.d.wLatent)}
}

func (s *Stepper) Next(st decode.State, prev int) ([]float64, decode.State) {
	cur := st.(stepState)

	pre := make([]float64, len(cur.latent))
	copy(pre, cur.latent)
	floats.Add(pre, s.d.bHidden.Data)
	if cur.hidden != nil {
		if prev >= 0 && prev < s.table.VocabSize() {
			floats.Add(pre, vecMat(s.table.Weights().Row(prev), s.d.wInput))
		}
		floats.Add(pre, vecMat(cur.hidden, s.d.wHidden))
	}
	hidden := make([]float64, len(pre))
	for i, v := range pre {
		hidden[i] = math.Tanh(v)
	}

	logits := vecMat(hidden, s.d.wOut)
	floats.Add(logits, s.d.bOut.Data)
	floats.AddConst(-floats.LogSumExp(logits), logits)

	return logits, stepState{latent: cur.latent, hidden: hidden}
}

// vecMat returns the row vector x multiplied by the rank-2 tensor w.
func vecMat(x []float64, w *tensor.Tensor) []float64 {
	wm := mat.NewDense(w.Shape[0], w.Shape[1], w.Data)
	var out mat.VecDense
	out.MulVec(wm.T(), mat.NewVecDense(len(x), x))
	return out.RawVector().Data
}

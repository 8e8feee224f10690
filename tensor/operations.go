package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Sequence operations work on N x L x E tensors: N sequences of L steps,
// each step an E-dimensional vector.

// GatherOp selects rows of a V x E table for an N x L index matrix. Index
// -1 selects an implicit all-zero row; gradients scatter-add back into
// the table rows that were selected.
type GatherOp struct {
	inputs  []*Tensor
	indices [][]int
}

func (op *GatherOp) Inputs() []*Tensor { return op.inputs }

func (op *GatherOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	table := inputs[0]
	if err := checkRank("gather", table, 2); err != nil {
		return nil, err
	}
	if len(op.indices) == 0 || len(op.indices[0]) == 0 {
		return nil, fmt.Errorf("gather requires a non-empty index matrix")
	}
	op.inputs = inputs

	vocab, dim := table.Shape[0], table.Shape[1]
	n, l := len(op.indices), len(op.indices[0])
	out := make([]float64, n*l*dim)
	for i, row := range op.indices {
		if len(row) != l {
			return nil, fmt.Errorf("gather: row %d has length %d, expected %d", i, len(row), l)
		}
		for j, idx := range row {
			if idx == -1 {
				continue
			}
			if idx < 0 || idx >= vocab {
				return nil, fmt.Errorf("gather: index %d at (%d, %d) outside [-1, %d]", idx, i, j, vocab-1)
			}
			copy(out[(i*l+j)*dim:(i*l+j+1)*dim], table.Data[idx*dim:(idx+1)*dim])
		}
	}
	return NewTensor([]int{n, l, dim}, out)
}

func (op *GatherOp) Backward(gradOut *Tensor) []*Tensor {
	table := op.inputs[0]
	dim := table.Shape[1]
	l := len(op.indices[0])
	grad := make([]float64, table.NumElems)
	for i, row := range op.indices {
		for j, idx := range row {
			if idx < 0 {
				continue
			}
			addInto(grad[idx*dim:(idx+1)*dim], gradOut.Data[(i*l+j)*dim:(i*l+j+1)*dim])
		}
	}
	return []*Tensor{mustTensor(table.Shape, grad)}
}

// MulTimeMaskOp scales every step vector of an N x L x E tensor by a
// constant per-step factor.
type MulTimeMaskOp struct {
	inputs []*Tensor
	mask   [][]float64
}

func (op *MulTimeMaskOp) Inputs() []*Tensor { return op.inputs }

func (op *MulTimeMaskOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	x := inputs[0]
	if err := checkRank("time mask", x, 3); err != nil {
		return nil, err
	}
	n, l, dim := x.Shape[0], x.Shape[1], x.Shape[2]
	if len(op.mask) != n {
		return nil, fmt.Errorf("time mask has %d rows, expected %d", len(op.mask), n)
	}
	op.inputs = inputs

	out := make([]float64, x.NumElems)
	for i := 0; i < n; i++ {
		if len(op.mask[i]) != l {
			return nil, fmt.Errorf("time mask row %d has length %d, expected %d", i, len(op.mask[i]), l)
		}
		for j := 0; j < l; j++ {
			m := op.mask[i][j]
			base := (i*l + j) * dim
			for k := 0; k < dim; k++ {
				out[base+k] = x.Data[base+k] * m
			}
		}
	}
	return NewTensor(x.Shape, out)
}

func (op *MulTimeMaskOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	n, l, dim := x.Shape[0], x.Shape[1], x.Shape[2]
	grad := make([]float64, x.NumElems)
	for i := 0; i < n; i++ {
		for j := 0; j < l; j++ {
			m := op.mask[i][j]
			base := (i*l + j) * dim
			for k := 0; k < dim; k++ {
				grad[base+k] = gradOut.Data[base+k] * m
			}
		}
	}
	return []*Tensor{mustTensor(x.Shape, grad)}
}

// TimeStepOp slices step t out of an N x L x E tensor as an N x E tensor.
type TimeStepOp struct {
	inputs []*Tensor
	step   int
}

func (op *TimeStepOp) Inputs() []*Tensor { return op.inputs }

func (op *TimeStepOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	x := inputs[0]
	if err := checkRank("time step", x, 3); err != nil {
		return nil, err
	}
	n, l, dim := x.Shape[0], x.Shape[1], x.Shape[2]
	if op.step < 0 || op.step >= l {
		return nil, fmt.Errorf("time step %d outside [0, %d)", op.step, l)
	}
	op.inputs = inputs

	out := make([]float64, n*dim)
	for i := 0; i < n; i++ {
		base := (i*l + op.step) * dim
		copy(out[i*dim:(i+1)*dim], x.Data[base:base+dim])
	}
	return NewTensor([]int{n, dim}, out)
}

func (op *TimeStepOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	n, l, dim := x.Shape[0], x.Shape[1], x.Shape[2]
	grad := make([]float64, x.NumElems)
	for i := 0; i < n; i++ {
		base := (i*l + op.step) * dim
		copy(grad[base:base+dim], gradOut.Data[i*dim:(i+1)*dim])
	}
	return []*Tensor{mustTensor(x.Shape, grad)}
}

// MaskedMeanOp averages the step vectors of each sequence over the steps
// marked valid. A sequence with no valid step averages to zero.
type MaskedMeanOp struct {
	inputs []*Tensor
	valid  [][]bool
	counts []float64
}

func (op *MaskedMeanOp) Inputs() []*Tensor { return op.inputs }

func (op *MaskedMeanOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	x := inputs[0]
	if err := checkRank("masked mean", x, 3); err != nil {
		return nil, err
	}
	n, l, dim := x.Shape[0], x.Shape[1], x.Shape[2]
	if len(op.valid) != n {
		return nil, fmt.Errorf("validity mask has %d rows, expected %d", len(op.valid), n)
	}
	op.inputs = inputs

	op.counts = make([]float64, n)
	out := make([]float64, n*dim)
	for i := 0; i < n; i++ {
		if len(op.valid[i]) != l {
			return nil, fmt.Errorf("validity mask row %d has length %d, expected %d", i, len(op.valid[i]), l)
		}
		acc := out[i*dim : (i+1)*dim]
		for j := 0; j < l; j++ {
			if !op.valid[i][j] {
				continue
			}
			op.counts[i]++
			addInto(acc, x.Data[(i*l+j)*dim:(i*l+j+1)*dim])
		}
		if op.counts[i] > 0 {
			floats.Scale(1/op.counts[i], acc)
		}
	}
	return NewTensor([]int{n, dim}, out)
}

func (op *MaskedMeanOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	n, l, dim := x.Shape[0], x.Shape[1], x.Shape[2]
	grad := make([]float64, x.NumElems)
	for i := 0; i < n; i++ {
		if op.counts[i] == 0 {
			continue
		}
		scale := 1 / op.counts[i]
		g := gradOut.Data[i*dim : (i+1)*dim]
		for j := 0; j < l; j++ {
			if !op.valid[i][j] {
				continue
			}
			floats.AddScaled(grad[(i*l+j)*dim:(i*l+j+1)*dim], scale, g)
		}
	}
	return []*Tensor{mustTensor(x.Shape, grad)}
}

// PickLogSoftmaxOp returns, for each row of an N x V logit matrix, the
// log-softmax probability of that row's target. Rows whose target is
// negative contribute zero and receive no gradient.
type PickLogSoftmaxOp struct {
	inputs  []*Tensor
	targets []int
	probs   [][]float64
}

func (op *PickLogSoftmaxOp) Inputs() []*Tensor { return op.inputs }

func (op *PickLogSoftmaxOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	logits := inputs[0]
	if err := checkRank("log softmax", logits, 2); err != nil {
		return nil, err
	}
	n, v := logits.Shape[0], logits.Shape[1]
	if len(op.targets) != n {
		return nil, fmt.Errorf("got %d targets for %d rows", len(op.targets), n)
	}
	op.inputs = inputs

	op.probs = make([][]float64, n)
	out := make([]float64, n)
	for i, target := range op.targets {
		if target < 0 {
			continue
		}
		if target >= v {
			return nil, fmt.Errorf("target %d at row %d outside vocabulary of size %d", target, i, v)
		}
		row := logits.Data[i*v : (i+1)*v]
		lse := floats.LogSumExp(row)
		out[i] = row[target] - lse

		p := make([]float64, v)
		for k, x := range row {
			p[k] = math.Exp(x - lse)
		}
		op.probs[i] = p
	}
	return NewTensor([]int{n}, out)
}

func (op *PickLogSoftmaxOp) Backward(gradOut *Tensor) []*Tensor {
	logits := op.inputs[0]
	v := logits.Shape[1]
	grad := make([]float64, logits.NumElems)
	for i, target := range op.targets {
		if target < 0 {
			continue
		}
		// ∂log softmax(x)[t]/∂x_k = 1{k=t} - softmax(x)_k
		g := gradOut.Data[i]
		for k, p := range op.probs[i] {
			grad[i*v+k] = -g * p
		}
		grad[i*v+target] += g
	}
	return []*Tensor{mustTensor(logits.Shape, grad)}
}

// Gather looks up rows of table for every index; -1 yields a zero row.
func Gather(table *Tensor, indices [][]int) (*Tensor, error) {
	return apply(&GatherOp{indices: indices}, table)
}

// MulTimeMask scales each step of x by mask[n][l], broadcast across the
// feature dimension.
func MulTimeMask(x *Tensor, mask [][]float64) (*Tensor, error) {
	return apply(&MulTimeMaskOp{mask: mask}, x)
}

// TimeStep returns x[:, step, :].
func TimeStep(x *Tensor, step int) (*Tensor, error) {
	return apply(&TimeStepOp{step: step}, x)
}

// MaskedMean averages x over valid steps per sequence.
func MaskedMean(x *Tensor, valid [][]bool) (*Tensor, error) {
	return apply(&MaskedMeanOp{valid: valid}, x)
}

// PickLogSoftmax returns log softmax(logits)[n, targets[n]] per row.
func PickLogSoftmax(logits *Tensor, targets []int) (*Tensor, error) {
	return apply(&PickLogSoftmaxOp{targets: targets}, logits)
}

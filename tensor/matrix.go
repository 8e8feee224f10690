package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

func dense(t *Tensor) *mat.Dense {
	return mat.NewDense(t.Shape[0], t.Shape[1], t.Data)
}

func checkRank(opName string, t *Tensor, rank int) error {
	if len(t.Shape) != rank {
		return fmt.Errorf("%s requires a rank-%d tensor, got shape %v", opName, rank, t.Shape)
	}
	return nil
}

// MatMulOp implements the matrix product of two rank-2 tensors.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	a, b := inputs[0], inputs[1]
	if err := checkRank("matmul", a, 2); err != nil {
		return nil, err
	}
	if err := checkRank("matmul", b, 2); err != nil {
		return nil, err
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)",
			a.Shape[0], a.Shape[1], b.Shape[0], b.Shape[1])
	}
	op.inputs = inputs

	out := make([]float64, a.Shape[0]*b.Shape[1])
	mat.NewDense(a.Shape[0], b.Shape[1], out).Mul(dense(a), dense(b))
	return NewTensor([]int{a.Shape[0], b.Shape[1]}, out)
}

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	g := dense(gradOut)

	// ∂(A @ B)/∂A = gradOut @ Bᵀ, ∂(A @ B)/∂B = Aᵀ @ gradOut
	gradA := make([]float64, a.NumElems)
	mat.NewDense(a.Shape[0], a.Shape[1], gradA).Mul(g, dense(b).T())

	gradB := make([]float64, b.NumElems)
	mat.NewDense(b.Shape[0], b.Shape[1], gradB).Mul(dense(a).T(), g)

	return []*Tensor{mustTensor(a.Shape, gradA), mustTensor(b.Shape, gradB)}
}

// AddRowVectorOp adds a length-D vector to every row of an N x D tensor.
type AddRowVectorOp struct {
	inputs []*Tensor
}

func (op *AddRowVectorOp) Inputs() []*Tensor { return op.inputs }

func (op *AddRowVectorOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	a, v := inputs[0], inputs[1]
	if err := checkRank("add row vector", a, 2); err != nil {
		return nil, err
	}
	if v.NumElems != a.Shape[1] {
		return nil, fmt.Errorf("row vector has %d elements, expected %d", v.NumElems, a.Shape[1])
	}
	op.inputs = inputs

	rows, cols := a.Shape[0], a.Shape[1]
	out := make([]float64, a.NumElems)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[r*cols+c] = a.Data[r*cols+c] + v.Data[c]
		}
	}
	return NewTensor(a.Shape, out)
}

func (op *AddRowVectorOp) Backward(gradOut *Tensor) []*Tensor {
	a, v := op.inputs[0], op.inputs[1]
	rows, cols := a.Shape[0], a.Shape[1]
	gradV := make([]float64, v.NumElems)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			gradV[c] += gradOut.Data[r*cols+c]
		}
	}
	return []*Tensor{gradOut.Clone(), mustTensor(v.Shape, gradV)}
}

// SumRowsOp sums each row of an N x D tensor into a length-N vector.
type SumRowsOp struct {
	inputs []*Tensor
}

func (op *SumRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *SumRowsOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	a := inputs[0]
	if err := checkRank("sum rows", a, 2); err != nil {
		return nil, err
	}
	op.inputs = inputs

	rows, cols := a.Shape[0], a.Shape[1]
	out := make([]float64, rows)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[r] += a.Data[r*cols+c]
		}
	}
	return NewTensor([]int{rows}, out)
}

func (op *SumRowsOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	rows, cols := a.Shape[0], a.Shape[1]
	grad := make([]float64, a.NumElems)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			grad[r*cols+c] = gradOut.Data[r]
		}
	}
	return []*Tensor{mustTensor(a.Shape, grad)}
}

// RepeatRowsOp tiles an N x D tensor times times along the first axis.
// Row s*N+n of the output is row n of the input.
type RepeatRowsOp struct {
	inputs []*Tensor
	times  int
}

func (op *RepeatRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *RepeatRowsOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	a := inputs[0]
	if op.times <= 0 {
		return nil, fmt.Errorf("repeat count must be positive, got %d", op.times)
	}
	op.inputs = inputs

	out := make([]float64, 0, a.NumElems*op.times)
	for s := 0; s < op.times; s++ {
		out = append(out, a.Data...)
	}
	shape := append([]int{a.Shape[0] * op.times}, a.Shape[1:]...)
	return NewTensor(shape, out)
}

func (op *RepeatRowsOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	grad := make([]float64, a.NumElems)
	for s := 0; s < op.times; s++ {
		addInto(grad, gradOut.Data[s*a.NumElems:(s+1)*a.NumElems])
	}
	return []*Tensor{mustTensor(a.Shape, grad)}
}

// ReshapeOp reinterprets the element order under a new shape.
type ReshapeOp struct {
	inputs []*Tensor
	shape  []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	a := inputs[0]
	if err := validateShape(op.shape); err != nil {
		return nil, err
	}
	if calculateNumElements(op.shape) != a.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", a.NumElems, op.shape)
	}
	op.inputs = inputs

	out := make([]float64, a.NumElems)
	copy(out, a.Data)
	return NewTensor(op.shape, out)
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	grad := make([]float64, a.NumElems)
	copy(grad, gradOut.Data)
	return []*Tensor{mustTensor(a.Shape, grad)}
}

// MatMul returns a @ b.
func MatMul(a, b *Tensor) (*Tensor, error) {
	return apply(&MatMulOp{}, a, b)
}

// AddRowVector returns a with v added to every row.
func AddRowVector(a, v *Tensor) (*Tensor, error) {
	return apply(&AddRowVectorOp{}, a, v)
}

// SumRows returns the per-row sums of a rank-2 tensor.
func SumRows(a *Tensor) (*Tensor, error) {
	return apply(&SumRowsOp{}, a)
}

// RepeatRows tiles a along its first axis.
func RepeatRows(a *Tensor, times int) (*Tensor, error) {
	return apply(&RepeatRowsOp{times: times}, a)
}

// Reshape returns a copy of a with a new shape and the same element order.
func Reshape(a *Tensor, shape []int) (*Tensor, error) {
	return apply(&ReshapeOp{shape: append([]int(nil), shape...)}, a)
}

package tensor

import (
	"fmt"
	"math"
)

// Backward runs reverse-mode differentiation from a single-element tensor.
// Gradients are accumulated into the Grad of every leaf tensor that
// requires them; a leaf the output does not depend on keeps a nil Grad.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a single-element output, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("backward called on a tensor that does not require gradients")
	}

	order := topologicalOrder(t)

	seed := FromScalar(1)
	seed.Shape = append([]int(nil), t.Shape...)
	seed.Strides = calculateStrides(seed.Shape)
	pending := map[*Tensor]*Tensor{t: seed}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		gradOut := pending[node]
		if gradOut == nil {
			continue
		}
		delete(pending, node)

		if node.creator == nil {
			if node.grad == nil {
				node.grad = gradOut.Clone()
			} else {
				addInto(node.grad.Data, gradOut.Data)
			}
			continue
		}

		inputs := node.creator.Inputs()
		inputGrads := node.creator.Backward(gradOut)
		for j, in := range inputs {
			if !in.requiresGrad || j >= len(inputGrads) || inputGrads[j] == nil {
				continue
			}
			if existing, ok := pending[in]; ok {
				addInto(existing.Data, inputGrads[j].Data)
			} else {
				pending[in] = inputGrads[j]
			}
		}
	}

	return nil
}

// topologicalOrder returns the nodes reachable from root through tensors
// that require gradients, inputs before outputs.
func topologicalOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				if in.requiresGrad {
					visit(in)
				}
			}
		}
		order = append(order, n)
	}
	visit(root)

	return order
}

func addInto(dst, src []float64) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// apply runs op.Forward and wires the result into the graph when any input
// requires gradients.
func apply(op Operation, inputs ...*Tensor) (*Tensor, error) {
	for i, in := range inputs {
		if in == nil {
			return nil, fmt.Errorf("input %d is nil", i)
		}
	}
	result, err := op.Forward(inputs...)
	if err != nil {
		return nil, err
	}
	for _, in := range inputs {
		if in.requiresGrad {
			result.requiresGrad = true
			result.creator = op
			break
		}
	}
	return result, nil
}

// mustTensor builds a gradient tensor inside Backward, where shapes are
// already known to be valid.
func mustTensor(shape []int, data []float64) *Tensor {
	t, err := NewTensor(shape, data)
	if err != nil {
		panic(fmt.Sprintf("tensor: invalid gradient tensor: %v", err))
	}
	return t
}

func checkSameShape(opName string, a, b *Tensor) error {
	if !shapesEqual(a.Shape, b.Shape) {
		return fmt.Errorf("%s: tensor shapes must match: %v vs %v", opName, a.Shape, b.Shape)
	}
	return nil
}

// AddOp implements element-wise addition.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	a, b := inputs[0], inputs[1]
	if err := checkSameShape("add", a, b); err != nil {
		return nil, err
	}
	op.inputs = inputs

	out := make([]float64, a.NumElems)
	for i := range out {
		out[i] = a.Data[i] + b.Data[i]
	}
	return NewTensor(a.Shape, out)
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	// ∂(a + b)/∂a = ∂(a + b)/∂b = 1
	return []*Tensor{gradOut.Clone(), gradOut.Clone()}
}

// SubOp implements element-wise subtraction.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	a, b := inputs[0], inputs[1]
	if err := checkSameShape("sub", a, b); err != nil {
		return nil, err
	}
	op.inputs = inputs

	out := make([]float64, a.NumElems)
	for i := range out {
		out[i] = a.Data[i] - b.Data[i]
	}
	return NewTensor(a.Shape, out)
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	neg := make([]float64, gradOut.NumElems)
	for i, g := range gradOut.Data {
		neg[i] = -g
	}
	return []*Tensor{gradOut.Clone(), mustTensor(gradOut.Shape, neg)}
}

// MulOp implements element-wise multiplication.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	a, b := inputs[0], inputs[1]
	if err := checkSameShape("mul", a, b); err != nil {
		return nil, err
	}
	op.inputs = inputs

	out := make([]float64, a.NumElems)
	for i := range out {
		out[i] = a.Data[i] * b.Data[i]
	}
	return NewTensor(a.Shape, out)
}

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	gradA := make([]float64, a.NumElems)
	gradB := make([]float64, b.NumElems)
	for i, g := range gradOut.Data {
		gradA[i] = g * b.Data[i]
		gradB[i] = g * a.Data[i]
	}
	return []*Tensor{mustTensor(a.Shape, gradA), mustTensor(b.Shape, gradB)}
}

// ScaleOp multiplies every element by a constant and adds an offset.
type ScaleOp struct {
	inputs []*Tensor
	factor float64
	offset float64
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	a := inputs[0]
	op.inputs = inputs

	out := make([]float64, a.NumElems)
	for i, v := range a.Data {
		out[i] = op.factor*v + op.offset
	}
	return NewTensor(a.Shape, out)
}

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	grad := make([]float64, gradOut.NumElems)
	for i, g := range gradOut.Data {
		grad[i] = g * op.factor
	}
	return []*Tensor{mustTensor(gradOut.Shape, grad)}
}

// TanhOp implements the hyperbolic tangent.
type TanhOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *TanhOp) Inputs() []*Tensor { return op.inputs }

func (op *TanhOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	a := inputs[0]
	op.inputs = inputs

	out := make([]float64, a.NumElems)
	for i, v := range a.Data {
		out[i] = math.Tanh(v)
	}
	result, err := NewTensor(a.Shape, out)
	if err != nil {
		return nil, err
	}
	op.output = result
	return result, nil
}

func (op *TanhOp) Backward(gradOut *Tensor) []*Tensor {
	// ∂tanh(x)/∂x = 1 - tanh(x)²
	grad := make([]float64, gradOut.NumElems)
	for i, g := range gradOut.Data {
		y := op.output.Data[i]
		grad[i] = g * (1 - y*y)
	}
	return []*Tensor{mustTensor(gradOut.Shape, grad)}
}

// ExpOp implements the element-wise exponential.
type ExpOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *ExpOp) Inputs() []*Tensor { return op.inputs }

func (op *ExpOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	a := inputs[0]
	op.inputs = inputs

	out := make([]float64, a.NumElems)
	for i, v := range a.Data {
		out[i] = math.Exp(v)
	}
	result, err := NewTensor(a.Shape, out)
	if err != nil {
		return nil, err
	}
	op.output = result
	return result, nil
}

func (op *ExpOp) Backward(gradOut *Tensor) []*Tensor {
	grad := make([]float64, gradOut.NumElems)
	for i, g := range gradOut.Data {
		grad[i] = g * op.output.Data[i]
	}
	return []*Tensor{mustTensor(gradOut.Shape, grad)}
}

// SumOp reduces every element to a single-element tensor.
type SumOp struct {
	inputs []*Tensor
}

func (op *SumOp) Inputs() []*Tensor { return op.inputs }

func (op *SumOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	a := inputs[0]
	op.inputs = inputs

	var sum float64
	for _, v := range a.Data {
		sum += v
	}
	return FromScalar(sum), nil
}

func (op *SumOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	grad := make([]float64, a.NumElems)
	for i := range grad {
		grad[i] = gradOut.Data[0]
	}
	return []*Tensor{mustTensor(a.Shape, grad)}
}

// Add returns a + b for tensors of identical shape.
func Add(a, b *Tensor) (*Tensor, error) {
	return apply(&AddOp{}, a, b)
}

// Sub returns a - b for tensors of identical shape.
func Sub(a, b *Tensor) (*Tensor, error) {
	return apply(&SubOp{}, a, b)
}

// Mul returns the element-wise product of tensors of identical shape.
func Mul(a, b *Tensor) (*Tensor, error) {
	return apply(&MulOp{}, a, b)
}

// Scale returns factor * a.
func Scale(a *Tensor, factor float64) (*Tensor, error) {
	return apply(&ScaleOp{factor: factor}, a)
}

// AddScalar returns a + offset.
func AddScalar(a *Tensor, offset float64) (*Tensor, error) {
	return apply(&ScaleOp{factor: 1, offset: offset}, a)
}

func Tanh(a *Tensor) (*Tensor, error) {
	return apply(&TanhOp{}, a)
}

func Exp(a *Tensor) (*Tensor, error) {
	return apply(&ExpOp{}, a)
}

// Sum reduces a to a single-element tensor.
func Sum(a *Tensor) (*Tensor, error) {
	return apply(&SumOp{}, a)
}

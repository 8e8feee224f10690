package tensor

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Clone returns a deep copy detached from the autograd graph. The
// requires-grad flag is preserved.
func (t *Tensor) Clone() *Tensor {
	clone := &Tensor{
		Shape:        make([]int, len(t.Shape)),
		Strides:      make([]int, len(t.Strides)),
		Data:         make([]float64, len(t.Data)),
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}
	copy(clone.Shape, t.Shape)
	copy(clone.Strides, t.Strides)
	copy(clone.Data, t.Data)
	return clone
}

// Detach returns a tensor sharing t's data but with no graph history and no
// gradient requirement.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    t.Shape,
		Strides:  t.Strides,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// CopyFrom overwrites t's values in place. Any tensor holding a view of t
// (embedding lookups in flight, decoders reading weights) sees the new
// values.
func (t *Tensor) CopyFrom(data []float64) error {
	if len(data) != len(t.Data) {
		return fmt.Errorf("data length %d does not match tensor size %d", len(data), len(t.Data))
	}
	copy(t.Data, data)
	return nil
}

// Norm returns the Euclidean (Frobenius) norm of all elements.
func (t *Tensor) Norm() float64 {
	return floats.Norm(t.Data, 2)
}

// AllClose reports whether both tensors have the same shape and every pair
// of elements differs by at most tol.
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	return floats.EqualApprox(t.Data, other.Data, tol)
}

// IsFinite reports whether no element is NaN or infinite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// PrintData renders at most maxElements values for debugging.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString(" [")
	for i, v := range t.Data {
		if i >= maxElements {
			sb.WriteString(" ...")
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%.4g", v)
	}
	sb.WriteString("]")
	return sb.String()
}

// ZeroGrad clears accumulated gradients.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.grad = nil
		}
	}
}

// Shapes returns the shape of every tensor, in order.
func Shapes(tensors []*Tensor) [][]int {
	shapes := make([][]int, len(tensors))
	for i, t := range tensors {
		shapes[i] = append([]int(nil), t.Shape...)
	}
	return shapes
}

func glorotBound(fanIn, fanOut int) float64 {
	return math.Sqrt(6.0 / float64(fanIn+fanOut))
}

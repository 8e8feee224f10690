package tensor

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// NewTensor wraps data in a tensor of the given shape. A nil data slice
// allocates zeros; a non-nil slice is used directly, not copied.
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float64, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		Shape:    shapeCopy,
		Strides:  calculateStrides(shapeCopy),
		Data:     data,
		NumElems: numElems,
	}, nil
}

func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

func Full(shape []int, value float64) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// FromScalar creates a one-element tensor.
func FromScalar(value float64) *Tensor {
	return &Tensor{
		Shape:    []int{1},
		Strides:  []int{1},
		Data:     []float64{value},
		NumElems: 1,
	}
}

// FromRows copies a rectangular [][]float64 into a rank-2 tensor.
func FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("cannot build tensor from empty rows")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(r), cols)
		}
		data = append(data, r...)
	}
	return NewTensor([]int{len(rows), cols}, data)
}

// RandomNormal samples every element independently from Normal(mean, std)
// using src.
func RandomNormal(shape []int, mean, std float64, src rand.Source) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	dist := distuv.Normal{Mu: mean, Sigma: std, Src: src}
	for i := range t.Data {
		t.Data[i] = dist.Rand()
	}
	return t, nil
}

// RandomUniform samples every element independently from U(-bound, bound).
func RandomUniform(shape []int, bound float64, src rand.Source) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	dist := distuv.Uniform{Min: -bound, Max: bound, Src: src}
	for i := range t.Data {
		t.Data[i] = dist.Rand()
	}
	return t, nil
}

// Parameter creates a trainable tensor initialised with Glorot uniform
// bounds for a fanIn x fanOut weight, or zeros when fanOut is 0 (biases).
func Parameter(shape []int, src rand.Source) (*Tensor, error) {
	var (
		t   *Tensor
		err error
	)
	if len(shape) >= 2 {
		fanIn, fanOut := shape[0], shape[len(shape)-1]
		t, err = RandomUniform(shape, glorotBound(fanIn, fanOut), src)
	} else {
		t, err = Zeros(shape)
	}
	if err != nil {
		return nil, err
	}
	t.SetRequiresGrad(true)
	return t, nil
}

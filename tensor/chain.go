package tensor

// Chain records the first error raised by a sequence of operations so model
// code can compose a forward pass without checking every intermediate
// result. After an error every further call returns nil.
type Chain struct {
	err error
}

// Err returns the first error encountered, if any.
func (c *Chain) Err() error {
	return c.err
}

func (c *Chain) do(fn func() (*Tensor, error)) *Tensor {
	if c.err != nil {
		return nil
	}
	out, err := fn()
	if err != nil {
		c.err = err
		return nil
	}
	return out
}

func (c *Chain) Add(a, b *Tensor) *Tensor {
	return c.do(func() (*Tensor, error) { return Add(a, b) })
}

func (c *Chain) Sub(a, b *Tensor) *Tensor {
	return c.do(func() (*Tensor, error) { return Sub(a, b) })
}

func (c *Chain) Mul(a, b *Tensor) *Tensor {
	return c.do(func() (*Tensor, error) { return Mul(a, b) })
}

func (c *Chain) Scale(a *Tensor, factor float64) *Tensor {
	return c.do(func() (*Tensor, error) { return Scale(a, factor) })
}

func (c *Chain) AddScalar(a *Tensor, offset float64) *Tensor {
	return c.do(func() (*Tensor, error) { return AddScalar(a, offset) })
}

func (c *Chain) Tanh(a *Tensor) *Tensor {
	return c.do(func() (*Tensor, error) { return Tanh(a) })
}

func (c *Chain) Exp(a *Tensor) *Tensor {
	return c.do(func() (*Tensor, error) { return Exp(a) })
}

func (c *Chain) Sum(a *Tensor) *Tensor {
	return c.do(func() (*Tensor, error) { return Sum(a) })
}

func (c *Chain) MatMul(a, b *Tensor) *Tensor {
	return c.do(func() (*Tensor, error) { return MatMul(a, b) })
}

func (c *Chain) AddRowVector(a, v *Tensor) *Tensor {
	return c.do(func() (*Tensor, error) { return AddRowVector(a, v) })
}

// Affine returns x @ w + b.
func (c *Chain) Affine(x, w, b *Tensor) *Tensor {
	return c.AddRowVector(c.MatMul(x, w), b)
}

func (c *Chain) SumRows(a *Tensor) *Tensor {
	return c.do(func() (*Tensor, error) { return SumRows(a) })
}

func (c *Chain) RepeatRows(a *Tensor, times int) *Tensor {
	return c.do(func() (*Tensor, error) { return RepeatRows(a, times) })
}

func (c *Chain) Reshape(a *Tensor, shape []int) *Tensor {
	return c.do(func() (*Tensor, error) { return Reshape(a, shape) })
}

func (c *Chain) TimeStep(x *Tensor, step int) *Tensor {
	return c.do(func() (*Tensor, error) { return TimeStep(x, step) })
}

func (c *Chain) MaskedMean(x *Tensor, valid [][]bool) *Tensor {
	return c.do(func() (*Tensor, error) { return MaskedMean(x, valid) })
}

func (c *Chain) MulTimeMask(x *Tensor, mask [][]float64) *Tensor {
	return c.do(func() (*Tensor, error) { return MulTimeMask(x, mask) })
}

func (c *Chain) PickLogSoftmax(logits *Tensor, targets []int) *Tensor {
	return c.do(func() (*Tensor, error) { return PickLogSoftmax(logits, targets) })
}

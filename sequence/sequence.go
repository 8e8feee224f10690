// Package sequence holds helpers for N x L token matrices: shape checks,
// validity masks and end-of-sequence truncation.
package sequence

import (
	"github.com/pkg/errors"
)

// Sentinel marks "no token": padding, or anything past end-of-sequence.
const Sentinel = -1

// ErrShapeMismatch is returned when token matrices or masks disagree on
// their batch or sequence dimensions, or are ragged.
var ErrShapeMismatch = errors.New("shape mismatch")

// Shape returns the batch size and sequence length of x. x must be a
// non-empty rectangular matrix.
func Shape(x [][]int) (n, l int, err error) {
	if len(x) == 0 || len(x[0]) == 0 {
		return 0, 0, errors.Wrap(ErrShapeMismatch, "empty token matrix")
	}
	l = len(x[0])
	for i, row := range x {
		if len(row) != l {
			return 0, 0, errors.Wrapf(ErrShapeMismatch, "row %d has length %d, expected %d", i, len(row), l)
		}
	}
	return len(x), l, nil
}

// CheckSame verifies that x is an n x l token matrix.
func CheckSame(name string, x [][]int, n, l int) error {
	gotN, gotL, err := Shape(x)
	if err != nil {
		return errors.Wrap(err, name)
	}
	if gotN != n || gotL != l {
		return errors.Wrapf(ErrShapeMismatch, "%s is %dx%d, expected %dx%d", name, gotN, gotL, n, l)
	}
	return nil
}

// CheckMask verifies that m is an n x l real-valued mask.
func CheckMask(name string, m [][]float64, n, l int) error {
	if len(m) != n {
		return errors.Wrapf(ErrShapeMismatch, "%s has %d rows, expected %d", name, len(m), n)
	}
	for i, row := range m {
		if len(row) != l {
			return errors.Wrapf(ErrShapeMismatch, "%s row %d has length %d, expected %d", name, i, len(row), l)
		}
	}
	return nil
}

// Truncate returns a copy of x in which everything strictly after the
// first eos in each row is replaced by Sentinel. Rows without eos are
// returned unchanged.
//
// Each row is a left-to-right fold over the previous output value: a
// column becomes Sentinel when the previous output was eos or Sentinel,
// and is copied from x otherwise. The fold starts from a virtual
// predecessor of 0, so with eos == 0 every row is blanked from column 0.
func Truncate(x [][]int, eos int) [][]int {
	out := make([][]int, len(x))
	for i, row := range x {
		cut := make([]int, len(row))
		prev := 0
		for j, tok := range row {
			if prev == eos || prev == Sentinel {
				tok = Sentinel
			}
			cut[j] = tok
			prev = tok
		}
		out[i] = cut
	}
	return out
}

// ValidCount returns the number of non-sentinel entries in x.
func ValidCount(x [][]int) int {
	count := 0
	for _, row := range x {
		for _, tok := range row {
			if tok >= 0 {
				count++
			}
		}
	}
	return count
}

// ValidMask reports, per entry, whether it holds a token.
func ValidMask(x [][]int) [][]bool {
	mask := make([][]bool, len(x))
	for i, row := range x {
		mask[i] = make([]bool, len(row))
		for j, tok := range row {
			mask[i][j] = tok >= 0
		}
	}
	return mask
}

// Clone deep-copies a token matrix.
func Clone(x [][]int) [][]int {
	out := make([][]int, len(x))
	for i, row := range x {
		out[i] = append([]int(nil), row...)
	}
	return out
}

// Shift returns x moved one step to the right with Sentinel in column 0:
// the previous-token matrix used for teacher forcing.
func Shift(x [][]int) [][]int {
	out := make([][]int, len(x))
	for i, row := range x {
		shifted := make([]int, len(row))
		if len(row) == 0 {
			out[i] = shifted
			continue
		}
		shifted[0] = Sentinel
		copy(shifted[1:], row[:len(row)-1])
		out[i] = shifted
	}
	return out
}

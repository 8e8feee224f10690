package encoder

import (
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-seqvae/embedding"
	"github.com/tsawler/go-seqvae/sequence"
	"github.com/tsawler/go-seqvae/tensor"
)

func setup(t *testing.T) (*embedding.Table, *Encoder) {
	t.Helper()
	table, err := embedding.New(10, 6, rand.NewPCG(1, 1))
	if err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	enc, err := New(6, Config{HiddenDim: 5, LatentDim: 3}, rand.NewPCG(2, 2))
	if err != nil {
		t.Fatalf("Failed to create encoder: %v", err)
	}
	return table, enc
}

func TestSampleShapes(t *testing.T) {
	table, enc := setup(t)
	xm := [][]int{{1, 2, 3, -1}, {4, -1, -1, -1}}
	emb, err := table.Lookup(xm)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	z, kl, err := enc.Sample(xm, emb, 4, false)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if z.Shape[0] != 8 || z.Shape[1] != 3 {
		t.Errorf("Expected z shape [8 3], got %v", z.Shape)
	}
	if kl.NumElems != 2 {
		t.Errorf("Expected 2 KL values, got %d", kl.NumElems)
	}
	for i, v := range kl.Data {
		if v < 0 {
			t.Errorf("Negative KL %f for row %d", v, i)
		}
	}
}

func TestMeansOnlyIsDeterministic(t *testing.T) {
	table, enc := setup(t)
	xm := [][]int{{1, 2, 3}, {4, 5, -1}}
	emb, _ := table.Lookup(xm)

	z1, _, err := enc.Sample(xm, emb, 3, true)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	z2, _, _ := enc.Sample(xm, emb, 3, true)
	if !z1.AllClose(z2, 0) {
		t.Error("Means-only samples must not depend on noise")
	}

	mu, _, err := enc.Posterior(xm, emb)
	if err != nil {
		t.Fatalf("Posterior failed: %v", err)
	}
	// Sample-major layout: row s*N+n is the mean of sequence n.
	for s := 0; s < 3; s++ {
		for n := 0; n < 2; n++ {
			for k := 0; k < 3; k++ {
				if z1.Data[(s*2+n)*3+k] != mu.Data[n*3+k] {
					t.Fatalf("Row %d does not equal mean of sequence %d", s*2+n, n)
				}
			}
		}
	}

	noisy, _, _ := enc.Sample(xm, emb, 3, false)
	if noisy.AllClose(z1, 1e-9) {
		t.Error("Sampled codes should differ from the means")
	}
}

func TestGradientsReachAllParameters(t *testing.T) {
	table, enc := setup(t)
	xm := [][]int{{1, 2, 3}, {4, 5, -1}}
	emb, _ := table.Lookup(xm)

	z, kl, err := enc.Sample(xm, emb, 2, false)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	var c tensor.Chain
	loss := c.Add(c.Sum(c.Mul(z, z)), c.Sum(kl))
	if err := c.Err(); err != nil {
		t.Fatalf("Loss failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for i, p := range enc.Parameters() {
		if p.Grad() == nil {
			t.Errorf("Parameter %d received no gradient", i)
		}
	}
	if table.Weights().Grad() == nil {
		t.Error("Embedding table received no gradient")
	}
}

func TestInvalidInput(t *testing.T) {
	table, enc := setup(t)
	emb, _ := table.Lookup([][]int{{1, 2}})
	if _, _, err := enc.Sample([][]int{{1, 2}, {3, 4}}, emb, 1, false); !errors.Is(err, sequence.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
	if _, _, err := enc.Sample([][]int{{1, 2}}, emb, 0, false); err == nil {
		t.Error("Expected error for zero samples")
	}
	if _, err := New(6, Config{HiddenDim: 0, LatentDim: 2}, rand.NewPCG(1, 1)); err == nil {
		t.Error("Expected config validation error")
	}
}

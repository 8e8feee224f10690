package inference

import (
	"math"
	"math/rand/v2"
	"reflect"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-seqvae/decode"
	"github.com/tsawler/go-seqvae/embedding"
	"github.com/tsawler/go-seqvae/model"
	"github.com/tsawler/go-seqvae/model/decoder"
	"github.com/tsawler/go-seqvae/model/encoder"
	"github.com/tsawler/go-seqvae/sequence"
	"github.com/tsawler/go-seqvae/tensor"
)

const maxLength = 6

var (
	batchX  = [][]int{{3, 4, 0, -1}, {5, 6, 7, 0}}
	batchXm = [][]int{{3, -1, 0, -1}, {5, 6, -1, 0}}
)

type fixture struct {
	table *embedding.Table
	enc   *encoder.Encoder
	dec   *decoder.Decoder
	suite *Suite
}

func newFixture(t *testing.T, config Config) fixture {
	t.Helper()
	return newCanvasFixture(t, config, 2)
}

// newCanvasFixture builds the fixture with a decoder exposing canvasSteps
// refinement steps.
func newCanvasFixture(t *testing.T, config Config, canvasSteps int) fixture {
	t.Helper()
	table, err := embedding.New(8, 4, rand.NewPCG(1, 2))
	if err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	enc, err := encoder.New(4, encoder.Config{HiddenDim: 5, LatentDim: 3}, rand.NewPCG(3, 4))
	if err != nil {
		t.Fatalf("Failed to create encoder: %v", err)
	}
	dec, err := decoder.New(8, 4, 3, decoder.Config{HiddenDim: 6, MaxLength: maxLength, EOS: 0, CanvasSteps: canvasSteps}, rand.NewPCG(5, 6))
	if err != nil {
		t.Fatalf("Failed to create decoder: %v", err)
	}
	suite, err := NewSuite(table, enc, dec, rand.NewPCG(7, 8), config)
	if err != nil {
		t.Fatalf("Failed to create suite: %v", err)
	}
	return fixture{table: table, enc: enc, dec: dec, suite: suite}
}

func (f fixture) parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	params = append(params, f.dec.Parameters()...)
	params = append(params, f.enc.Parameters()...)
	return append(params, f.table.Weights())
}

func snapshot(params []*tensor.Tensor) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = append([]float64(nil), p.Data...)
	}
	return out
}

// flat hides the Staged methods of a generative model.
type flat struct {
	model.Generative
}

func checkRows(t *testing.T, name string, rows [][]int, n, limit int) {
	t.Helper()
	if len(rows) != n {
		t.Fatalf("%s: expected %d rows, got %d", name, n, len(rows))
	}
	for i, row := range rows {
		valid := 0
		for _, tok := range row {
			if tok != sequence.Sentinel {
				valid++
			}
		}
		if valid == 0 || valid > limit {
			t.Errorf("%s row %d: %d tokens outside [1, %d]", name, i, valid, limit)
		}
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"step limit", Config{MaxSteps: 3, TopK: 2}, false},
		{"negative steps", Config{MaxSteps: -1, TopK: 1}, true},
		{"zero top-k", Config{TopK: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewSuiteRejectsMissingCollaborators(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	if _, err := NewSuite(nil, f.enc, f.dec, rand.NewPCG(1, 1), DefaultConfig()); err == nil {
		t.Error("Expected error for missing table")
	}
	if _, err := NewSuite(f.table, f.enc, f.dec, nil, DefaultConfig()); err == nil {
		t.Error("Expected error for missing random source")
	}
	if _, err := NewSuite(f.table, f.enc, f.dec, rand.NewPCG(1, 1), Config{}); err == nil {
		t.Error("Expected error for invalid config")
	}
}

func TestPriorGeneration(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	out, err := f.suite.PriorGeneration(4, 3, 0)
	if err != nil {
		t.Fatalf("PriorGeneration failed: %v", err)
	}
	if len(out.Z) != 4 || len(out.Z[0]) != f.enc.LatentDim() {
		t.Fatalf("Expected 4 latent codes of dim %d, got %d", f.enc.LatentDim(), len(out.Z))
	}
	checkRows(t, "sampled", out.Sampled, 4, maxLength)
	checkRows(t, "greedy", out.Greedy, 4, maxLength)
	checkRows(t, "beam", out.Beam, 4, maxLength)

	// Greedy decodes are a deterministic function of z.
	st := f.dec.Stepper(f.table)
	for i, z := range out.Z {
		want, _ := decode.Greedy{}.Decode(st, z, 0)
		if !reflect.DeepEqual(out.Greedy[i][:len(want)], want) {
			t.Errorf("Row %d: greedy %v, want %v", i, out.Greedy[i], want)
		}
	}

	bounded, err := f.suite.PriorGeneration(3, 2, 2)
	if err != nil {
		t.Fatalf("PriorGeneration failed: %v", err)
	}
	checkRows(t, "bounded beam", bounded.Beam, 3, 2)
	checkRows(t, "bounded sampled", bounded.Sampled, 3, 2)
}

func TestPriorGenerationUsesConfiguredLimit(t *testing.T) {
	f := newFixture(t, Config{MaxSteps: 1, TopK: 1})
	out, err := f.suite.PriorGeneration(5, 2, 0)
	if err != nil {
		t.Fatalf("PriorGeneration failed: %v", err)
	}
	checkRows(t, "greedy", out.Greedy, 5, 1)
}

func TestBeamWidthOneMatchesGreedy(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	out, err := f.suite.PosteriorGeneration(batchX, batchXm, 1, 0)
	if err != nil {
		t.Fatalf("PosteriorGeneration failed: %v", err)
	}
	if !reflect.DeepEqual(out.Greedy, out.Beam) {
		t.Errorf("Width-1 beam %v differs from greedy %v", out.Beam, out.Greedy)
	}
}

func TestPosteriorGenerationIsDeterministic(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	a, err := f.suite.PosteriorGeneration(batchX, batchXm, 3, 0)
	if err != nil {
		t.Fatalf("PosteriorGeneration failed: %v", err)
	}
	b, _ := f.suite.PosteriorGeneration(batchX, batchXm, 3, 0)

	if !reflect.DeepEqual(a.Z, b.Z) {
		t.Error("Posterior means differ between calls")
	}
	if !reflect.DeepEqual(a.Greedy, b.Greedy) || !reflect.DeepEqual(a.Beam, b.Beam) {
		t.Error("Deterministic decodes differ between calls")
	}
	checkRows(t, "beam", a.Beam, len(batchX), maxLength)

	// The code depends on x_m only.
	other := [][]int{{1, 1, 1, 1}, {2, 2, 2, 2}}
	c, err := f.suite.PosteriorGeneration(other, batchXm, 3, 0)
	if err != nil {
		t.Fatalf("PosteriorGeneration failed: %v", err)
	}
	if !reflect.DeepEqual(a.Z, c.Z) {
		t.Error("Posterior code should not depend on x")
	}
}

func TestStagedGeneration(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		canvasSteps int
		// want is the longest decode allowed at each stage.
		want []int
	}{
		{"model limit", DefaultConfig(), 2, []int{3, 6}},
		{"configured limit at model length", Config{MaxSteps: maxLength, TopK: 1}, 2, []int{3, 6}},
		{"configured limit above model length", Config{MaxSteps: 100, TopK: 1}, 2, []int{3, 6}},
		{"configured limit inside a stage", Config{MaxSteps: 4, TopK: 1}, 2, []int{3, 4}},
		{"uneven canvas", Config{MaxSteps: maxLength, TopK: 1}, 4, []int{2, 3, 5, 6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCanvasFixture(t, tt.config, tt.canvasSteps)
			stages, err := f.suite.StagedGeneration(3, 2)
			if err != nil {
				t.Fatalf("StagedGeneration failed: %v", err)
			}
			if len(stages) != len(tt.want) {
				t.Fatalf("Expected %d stages, got %d", len(tt.want), len(stages))
			}
			for k, stage := range stages {
				if !reflect.DeepEqual(stage.Z, stages[0].Z) {
					t.Errorf("Stage %d decodes different latent codes", k+1)
				}
				// Stage k+1 covers ceil((k+1)*L/T) positions.
				covered := ((k+1)*maxLength + tt.canvasSteps - 1) / tt.canvasSteps
				if tt.want[k] > covered {
					t.Fatalf("Stage %d: limit %d exceeds the %d positions the canvas covers", k+1, tt.want[k], covered)
				}
				checkRows(t, "staged greedy", stage.Greedy, 3, tt.want[k])
				checkRows(t, "staged beam", stage.Beam, 3, tt.want[k])
				checkRows(t, "staged sampled", stage.Sampled, 3, tt.want[k])
			}
		})
	}

	t.Run("unsupported", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		suite, err := NewSuite(f.table, f.enc, flat{f.dec}, rand.NewPCG(1, 1), DefaultConfig())
		if err != nil {
			t.Fatalf("Failed to create suite: %v", err)
		}
		if _, err := suite.StagedGeneration(2, 2); !errors.Is(err, ErrUnsupported) {
			t.Errorf("Expected ErrUnsupported, got %v", err)
		}
	})
}

func TestStageLimit(t *testing.T) {
	f := newCanvasFixture(t, DefaultConfig(), 4)
	for k, want := range []int{2, 3, 5, 6} {
		st, err := f.dec.StagedStepper(f.table, k+1)
		if err != nil {
			t.Fatalf("StagedStepper(%d) failed: %v", k+1, err)
		}
		if got := stageLimit(0, st); got != want {
			t.Errorf("Stage %d without a configured limit: got %d, want %d", k+1, got, want)
		}
		if got := stageLimit(maxLength, st); got != want {
			t.Errorf("Stage %d under limit %d: got %d, want %d", k+1, maxLength, got, want)
		}
		if got := stageLimit(1, st); got != 1 {
			t.Errorf("Stage %d under limit 1: got %d, want 1", k+1, got)
		}
	}
}

func TestMissingWordImputation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	guess := [][]int{{3, 4, 5, 0, -1}, {6, 2, 7, 1, 0}}

	t.Run("nothing missing", func(t *testing.T) {
		none := [][]float64{{0, 0, 0, 0, 0}, {0, 0, 0, 0, 0}}
		out, err := f.suite.MissingWordImputation(guess, none, 3)
		if err != nil {
			t.Fatalf("MissingWordImputation failed: %v", err)
		}
		if !reflect.DeepEqual(out, guess) {
			t.Errorf("Expected %v unchanged, got %v", guess, out)
		}
	})

	t.Run("fixed positions kept", func(t *testing.T) {
		missing := [][]float64{{0, 1, 0, 0, 1}, {1, 0, 0, 1, 0}}
		out, err := f.suite.MissingWordImputation(guess, missing, 3)
		if err != nil {
			t.Fatalf("MissingWordImputation failed: %v", err)
		}
		for i := range guess {
			if len(out[i]) != len(guess[i]) {
				t.Fatalf("Row %d: length %d, want %d", i, len(out[i]), len(guess[i]))
			}
			for j := range guess[i] {
				free := missing[i][j] > 0 && guess[i][j] != sequence.Sentinel
				if !free && out[i][j] != guess[i][j] {
					t.Errorf("Position (%d,%d) changed from %d to %d", i, j, guess[i][j], out[i][j])
				}
				if free && (out[i][j] < 0 || out[i][j] >= f.table.VocabSize()) {
					t.Errorf("Position (%d,%d) imputed out-of-vocabulary token %d", i, j, out[i][j])
				}
			}
		}
		if guess[0][1] != 4 {
			t.Error("Input sequence was modified")
		}
	})

	t.Run("mask shape", func(t *testing.T) {
		_, err := f.suite.MissingWordImputation(guess, [][]float64{{1, 0}}, 3)
		if !errors.Is(err, sequence.ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})
}

func TestLatentTrajectory(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	alphas := []float64{0, 0.25, 0.5, 1}

	traj, err := f.suite.LatentTrajectory(alphas, 2, 2)
	if err != nil {
		t.Fatalf("LatentTrajectory failed: %v", err)
	}
	if len(traj.Decodes) != len(alphas) {
		t.Fatalf("Expected %d decodes, got %d", len(alphas), len(traj.Decodes))
	}
	for a := range traj.Decodes {
		checkRows(t, "trajectory", traj.Decodes[a], 2, maxLength)
	}

	// The end points decode their own codes.
	st := f.dec.Stepper(f.table)
	beam := decode.Beam{Width: 2}
	for i := range traj.Start {
		start, _ := beam.Decode(st, traj.Start[i], 0)
		end, _ := beam.Decode(st, traj.End[i], 0)
		if !reflect.DeepEqual(traj.Decodes[0][i][:len(start)], start) {
			t.Errorf("Sample %d: alpha 0 decode %v, want %v", i, traj.Decodes[0][i], start)
		}
		if !reflect.DeepEqual(traj.Decodes[3][i][:len(end)], end) {
			t.Errorf("Sample %d: alpha 1 decode %v, want %v", i, traj.Decodes[3][i], end)
		}
	}

	for _, bad := range [][]float64{nil, {0.5, 1.5}, {-0.1}} {
		if _, err := f.suite.LatentTrajectory(bad, 2, 2); err == nil {
			t.Errorf("Expected error for alphas %v", bad)
		}
	}
}

func TestNearestMatch(t *testing.T) {
	f := newFixture(t, Config{TopK: 2})
	reference := [][]int{{3, 4, 0, -1}, {5, 6, 7, 0}, {3, 4, 0, -1}}
	eval := [][]int{{3, 4, 0}, {1, 2, 0}}

	matches, err := f.suite.NearestMatch(reference, eval)
	if err != nil {
		t.Fatalf("NearestMatch failed: %v", err)
	}
	if len(matches) != len(eval) {
		t.Fatalf("Expected %d matches, got %d", len(eval), len(matches))
	}

	emb, _ := f.table.Lookup(reference)
	z, _, err := f.enc.Sample(reference, emb, 1, true)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	st := f.dec.Stepper(f.table)

	for e, m := range matches {
		if m.Eval != e || len(m.References) != 2 || len(m.Scores) != 2 {
			t.Fatalf("Match %d malformed: %+v", e, m)
		}
		best := math.Inf(-1)
		for r := range reference {
			best = math.Max(best, decode.Score(st, z.Row(r), eval[e]))
		}
		if math.Abs(m.Scores[0]-best) > 1e-12 {
			t.Errorf("Eval %d: best score %f, want %f", e, m.Scores[0], best)
		}
		if m.Scores[0] < m.Scores[1] {
			t.Errorf("Eval %d: scores not in descending order: %v", e, m.Scores)
		}
		for i, r := range m.References {
			if got := decode.Score(st, z.Row(r), eval[e]); math.Abs(got-m.Scores[i]) > 1e-12 {
				t.Errorf("Eval %d: score for reference %d is %f, want %f", e, r, m.Scores[i], got)
			}
		}
	}

	// References 0 and 2 are identical, so they tie and keep their order.
	for _, m := range matches {
		if m.References[0] == 2 {
			t.Errorf("Tie between identical references broken out of order: %v", m.References)
		}
	}

	t.Run("top-k larger than references", func(t *testing.T) {
		g := newFixture(t, Config{TopK: 5})
		matches, err := g.suite.NearestMatch(reference[:2], eval)
		if err != nil {
			t.Fatalf("NearestMatch failed: %v", err)
		}
		if len(matches[0].References) != 2 {
			t.Errorf("Expected 2 references, got %d", len(matches[0].References))
		}
	})

	t.Run("invalid eval token", func(t *testing.T) {
		if _, err := f.suite.NearestMatch(reference, [][]int{{3, 99}}); err == nil {
			t.Error("Expected error for out-of-vocabulary eval token")
		}
	})

	t.Run("empty reference", func(t *testing.T) {
		if _, err := f.suite.NearestMatch(nil, eval); err == nil {
			t.Error("Expected error for empty reference set")
		}
	})
}

func TestOperationsAreReadOnly(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	before := snapshot(f.parameters())

	if _, err := f.suite.PriorGeneration(2, 2, 0); err != nil {
		t.Fatalf("PriorGeneration failed: %v", err)
	}
	if _, err := f.suite.PosteriorGeneration(batchX, batchXm, 2, 0); err != nil {
		t.Fatalf("PosteriorGeneration failed: %v", err)
	}
	if _, err := f.suite.StagedGeneration(2, 2); err != nil {
		t.Fatalf("StagedGeneration failed: %v", err)
	}
	if _, err := f.suite.MissingWordImputation(batchX, [][]float64{{0, 1, 0, 0}, {1, 0, 0, 0}}, 2); err != nil {
		t.Fatalf("MissingWordImputation failed: %v", err)
	}
	if _, err := f.suite.LatentTrajectory([]float64{0, 1}, 2, 2); err != nil {
		t.Fatalf("LatentTrajectory failed: %v", err)
	}
	if _, err := f.suite.NearestMatch(batchX, batchXm); err != nil {
		t.Fatalf("NearestMatch failed: %v", err)
	}

	if !reflect.DeepEqual(before, snapshot(f.parameters())) {
		t.Error("Inference operations modified parameters")
	}
	for i, p := range f.parameters() {
		if g := p.Grad(); g != nil && g.Norm() != 0 {
			t.Errorf("Parameter %d accumulated a gradient", i)
		}
	}
}

func TestInvalidInputs(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	tests := []struct {
		name string
		run  func() error
	}{
		{"prior zero samples", func() error { _, err := f.suite.PriorGeneration(0, 2, 0); return err }},
		{"prior zero beam", func() error { _, err := f.suite.PriorGeneration(2, 0, 0); return err }},
		{"posterior shape", func() error {
			_, err := f.suite.PosteriorGeneration(batchX, [][]int{{1, 2}}, 2, 0)
			return err
		}},
		{"posterior vocab", func() error {
			_, err := f.suite.PosteriorGeneration([][]int{{1, 2}}, [][]int{{1, 42}}, 2, 0)
			return err
		}},
		{"staged zero samples", func() error { _, err := f.suite.StagedGeneration(0, 2); return err }},
		{"imputation zero beam", func() error {
			_, err := f.suite.MissingWordImputation(batchX, [][]float64{{0, 0, 0, 0}, {0, 0, 0, 0}}, 0)
			return err
		}},
		{"trajectory zero samples", func() error { _, err := f.suite.LatentTrajectory([]float64{0}, 0, 2); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

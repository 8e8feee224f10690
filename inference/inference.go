// Package inference decodes from a trained sequence VAE: generation from
// the prior and the posterior, staged decoding, missing-word imputation,
// latent interpolation and nearest-neighbour retrieval.
//
// Every operation reads the live parameters and writes none of them.
package inference

import (
	"cmp"
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-seqvae/decode"
	"github.com/tsawler/go-seqvae/embedding"
	"github.com/tsawler/go-seqvae/model"
	"github.com/tsawler/go-seqvae/sequence"
)

// ErrUnsupported is returned for operations the generative model cannot
// serve, such as staged decoding from a model without refinement steps.
var ErrUnsupported = errors.New("operation not supported by the generative model")

type Config struct {
	// MaxSteps bounds decoding when an operation is given no limit. 0
	// defers to the generative model's maximum length.
	MaxSteps int
	// TopK is the number of matches NearestMatch reports per sentence.
	TopK int
}

func DefaultConfig() Config {
	return Config{
		MaxSteps: 0,
		TopK:     1,
	}
}

func (c Config) Validate() error {
	if c.MaxSteps < 0 {
		return errors.Errorf("inference: max steps must be non-negative, got %d", c.MaxSteps)
	}
	if c.TopK <= 0 {
		return errors.Errorf("inference: top-k must be positive, got %d", c.TopK)
	}
	return nil
}

// Decodes holds the three decodes of a set of latent codes. Row i of each
// matrix is decoded from Z[i]; rows are padded with sequence.Sentinel.
type Decodes struct {
	Z       [][]float64
	Sampled [][]int
	Greedy  [][]int
	Beam    [][]int
}

// Suite runs decode-time operations over shared parameters.
type Suite struct {
	table       *embedding.Table
	recognition model.Recognition
	generative  model.Generative
	config      Config

	prior   distuv.Normal
	sampler decode.Sampler
}

// NewSuite builds a suite. src drives prior draws and sampled decodes.
func NewSuite(table *embedding.Table, recognition model.Recognition, generative model.Generative, src rand.Source, config Config) (*Suite, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if table == nil || recognition == nil || generative == nil {
		return nil, errors.New("inference: table and both models are required")
	}
	if src == nil {
		return nil, errors.New("inference: random source is required")
	}
	return &Suite{
		table:       table,
		recognition: recognition,
		generative:  generative,
		config:      config,
		prior:       distuv.Normal{Mu: 0, Sigma: 1, Src: src},
		sampler:     decode.Sampler{Src: src},
	}, nil
}

func (s *Suite) Config() Config {
	return s.config
}

func (s *Suite) limit(maxSteps int) int {
	if maxSteps > 0 {
		return maxSteps
	}
	return s.config.MaxSteps
}

func checkCounts(numSamples, beamSize int) error {
	if numSamples <= 0 {
		return errors.Errorf("inference: sample count must be positive, got %d", numSamples)
	}
	if beamSize <= 0 {
		return errors.Errorf("inference: beam size must be positive, got %d", beamSize)
	}
	return nil
}

// drawPrior returns n latent codes from N(0, I).
func (s *Suite) drawPrior(n int) [][]float64 {
	dim := s.recognition.LatentDim()
	zs := make([][]float64, n)
	for i := range zs {
		zs[i] = make([]float64, dim)
		for j := range zs[i] {
			zs[i][j] = s.prior.Rand()
		}
	}
	return zs
}

// posteriorMeans encodes x with the recognition model's mean, one row per
// sequence.
func (s *Suite) posteriorMeans(x [][]int) ([][]float64, error) {
	emb, err := s.table.Lookup(x)
	if err != nil {
		return nil, err
	}
	z, _, err := s.recognition.Sample(x, emb, 1, true)
	if err != nil {
		return nil, errors.Wrap(err, "inference: recognition")
	}
	if z.Rows() != len(x) {
		return nil, errors.Wrapf(sequence.ErrShapeMismatch, "inference: recognition returned %d latents for %d sequences", z.Rows(), len(x))
	}
	zs := make([][]float64, z.Rows())
	for i := range zs {
		zs[i] = append([]float64(nil), z.Row(i)...)
	}
	return zs, nil
}

func (s *Suite) decodeAll(st decode.Stepper, zs [][]float64, beamSize, maxSteps int) *Decodes {
	return &Decodes{
		Z:       zs,
		Sampled: decode.All(s.sampler, st, zs, maxSteps),
		Greedy:  decode.All(decode.Greedy{}, st, zs, maxSteps),
		Beam:    decode.All(decode.Beam{Width: beamSize}, st, zs, maxSteps),
	}
}

// PriorGeneration draws numSamples codes from the prior and decodes each
// by sampling, greedily and with beam search. maxSteps <= 0 uses the
// configured limit.
func (s *Suite) PriorGeneration(numSamples, beamSize, maxSteps int) (*Decodes, error) {
	if err := checkCounts(numSamples, beamSize); err != nil {
		return nil, err
	}
	zs := s.drawPrior(numSamples)
	out := s.decodeAll(s.generative.Stepper(s.table), zs, beamSize, s.limit(maxSteps))
	klog.V(3).Infof("inference: prior generation of %d samples, beam %d", numSamples, beamSize)
	return out, nil
}

// PosteriorGeneration decodes from the posterior mean of x_m. x is only
// checked for shape; the code depends on x_m alone.
func (s *Suite) PosteriorGeneration(x, xm [][]int, beamSize, maxSteps int) (*Decodes, error) {
	if err := checkCounts(1, beamSize); err != nil {
		return nil, err
	}
	n, l, err := sequence.Shape(x)
	if err != nil {
		return nil, errors.Wrap(err, "inference: x")
	}
	if err := sequence.CheckSame("x_m", xm, n, l); err != nil {
		return nil, errors.Wrap(err, "inference")
	}
	zs, err := s.posteriorMeans(xm)
	if err != nil {
		return nil, err
	}
	out := s.decodeAll(s.generative.Stepper(s.table), zs, beamSize, s.limit(maxSteps))
	klog.V(3).Infof("inference: posterior generation of %d sequences, beam %d", n, beamSize)
	return out, nil
}

// StagedGeneration draws numSamples prior codes and decodes the model's
// intermediate output after each refinement step. Element k of the result
// is the output after step k+1; all stages share the same codes.
func (s *Suite) StagedGeneration(numSamples, beamSize int) ([]*Decodes, error) {
	staged, ok := s.generative.(model.Staged)
	if !ok {
		return nil, errors.Wrap(ErrUnsupported, "inference: staged generation")
	}
	if err := checkCounts(numSamples, beamSize); err != nil {
		return nil, err
	}

	zs := s.drawPrior(numSamples)
	stages := make([]*Decodes, staged.CanvasSteps())
	for k := range stages {
		st, err := staged.StagedStepper(s.table, k+1)
		if err != nil {
			return nil, errors.Wrapf(err, "inference: stage %d", k+1)
		}
		stages[k] = s.decodeAll(st, zs, beamSize, stageLimit(s.config.MaxSteps, st))
	}
	klog.V(3).Infof("inference: staged generation over %d steps for %d samples", len(stages), numSamples)
	return stages, nil
}

// stageLimit keeps a configured limit from overriding the canvas a stage
// covers.
func stageLimit(maxSteps int, st decode.Stepper) int {
	if maxSteps <= 0 {
		return st.MaxLength()
	}
	return min(maxSteps, st.MaxLength())
}

// MissingWordImputation re-decodes the positions of bestGuess where
// missing is positive, keeping every other position, with a constrained
// beam search from the posterior mean of bestGuess. Padding is never
// resampled. It performs a single pass.
func (s *Suite) MissingWordImputation(bestGuess [][]int, missing [][]float64, beamSize int) ([][]int, error) {
	if err := checkCounts(1, beamSize); err != nil {
		return nil, err
	}
	n, l, err := sequence.Shape(bestGuess)
	if err != nil {
		return nil, errors.Wrap(err, "inference: best guess")
	}
	if err := sequence.CheckMask("missing", missing, n, l); err != nil {
		return nil, errors.Wrap(err, "inference")
	}
	zs, err := s.posteriorMeans(bestGuess)
	if err != nil {
		return nil, err
	}

	st := s.generative.Stepper(s.table)
	beam := decode.Beam{Width: beamSize}
	out := make([][]int, n)
	for i, row := range bestGuess {
		free := make([]bool, l)
		for j, tok := range row {
			free[j] = missing[i][j] > 0 && tok != sequence.Sentinel
		}
		out[i], _ = beam.Constrained(st, zs[i], row, free)
	}
	klog.V(3).Infof("inference: imputed %d sequences of length %d, beam %d", n, l, beamSize)
	return out, nil
}

// Trajectory is a set of paths through latent space. Decodes[a][i] is the
// beam decode of sample i at Alphas[a].
type Trajectory struct {
	Alphas  []float64
	Start   [][]float64
	End     [][]float64
	Decodes [][][]int
}

// LatentTrajectory draws numSamples pairs of prior codes and beam-decodes
// (1-α)·start + α·end for every α in alphas.
func (s *Suite) LatentTrajectory(alphas []float64, numSamples, beamSize int) (*Trajectory, error) {
	if err := checkCounts(numSamples, beamSize); err != nil {
		return nil, err
	}
	if len(alphas) == 0 {
		return nil, errors.New("inference: at least one interpolation coefficient is required")
	}
	for _, a := range alphas {
		if a < 0 || a > 1 {
			return nil, errors.Errorf("inference: interpolation coefficient %g outside [0, 1]", a)
		}
	}

	start, end := s.drawPrior(numSamples), s.drawPrior(numSamples)
	st := s.generative.Stepper(s.table)
	beam := decode.Beam{Width: beamSize}
	traj := &Trajectory{
		Alphas:  append([]float64(nil), alphas...),
		Start:   start,
		End:     end,
		Decodes: make([][][]int, len(alphas)),
	}
	for a, alpha := range alphas {
		zs := make([][]float64, numSamples)
		for i := range zs {
			zs[i] = make([]float64, len(start[i]))
			for j := range zs[i] {
				zs[i][j] = (1-alpha)*start[i][j] + alpha*end[i][j]
			}
		}
		traj.Decodes[a] = decode.All(beam, st, zs, s.config.MaxSteps)
	}
	klog.V(3).Infof("inference: latent trajectory of %d points for %d samples", len(alphas), numSamples)
	return traj, nil
}

// Match lists the closest references to one evaluation sentence, best
// first. Scores[k] is the log-likelihood of the sentence under the
// posterior mean of References[k].
type Match struct {
	Eval       int
	References []int
	Scores     []float64
}

// NearestMatch encodes reference to posterior means and, for each
// sentence of eval, reports the Config.TopK references under whose latent
// the generative model assigns the sentence the highest log-likelihood.
// Ties keep reference order.
func (s *Suite) NearestMatch(reference, eval [][]int) ([]Match, error) {
	if len(reference) == 0 {
		return nil, errors.New("inference: reference set is empty")
	}
	if _, _, err := sequence.Shape(eval); err != nil {
		return nil, errors.Wrap(err, "inference: eval")
	}
	if _, err := s.table.Lookup(eval); err != nil {
		return nil, err
	}
	zs, err := s.posteriorMeans(reference)
	if err != nil {
		return nil, err
	}

	st := s.generative.Stepper(s.table)
	k := min(s.config.TopK, len(zs))
	matches := make([]Match, len(eval))
	for e, sentence := range eval {
		scores := make([]float64, len(zs))
		order := make([]int, len(zs))
		for r, z := range zs {
			scores[r] = decode.Score(st, z, sentence)
			order[r] = r
		}
		slices.SortStableFunc(order, func(a, b int) int {
			return cmp.Compare(scores[b], scores[a])
		})

		m := Match{Eval: e, References: order[:k], Scores: make([]float64, k)}
		for i, r := range m.References {
			m.Scores[i] = scores[r]
		}
		matches[e] = m
	}
	klog.V(3).Infof("inference: matched %d sentences against %d references", len(eval), len(reference))
	return matches, nil
}

package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-seqvae/elbo"
)

// RunningMetrics averages step metrics over a sliding window and tracks the
// best ELBO seen. Non-finite observations are counted but not averaged.
type RunningMetrics struct {
	window int

	elbos       []float64
	kls         []float64
	perplexity  []float64
	best        float64
	observed    int
	nonFinite   int
	lastUpdated elbo.Metrics
}

// NewRunningMetrics keeps the last window observations; window <= 0 keeps
// all of them.
func NewRunningMetrics(window int) *RunningMetrics {
	return &RunningMetrics{window: window, best: math.Inf(-1)}
}

// Update records the metrics of one step.
func (r *RunningMetrics) Update(m elbo.Metrics) {
	r.observed++
	r.lastUpdated = m
	if !m.Finite() || math.IsInf(m.Perplexity, 0) {
		r.nonFinite++
		return
	}

	r.elbos = r.push(r.elbos, m.ELBO)
	r.kls = r.push(r.kls, m.KLSum)
	r.perplexity = r.push(r.perplexity, m.Perplexity)
	if m.ELBO > r.best {
		r.best = m.ELBO
	}
}

func (r *RunningMetrics) push(values []float64, v float64) []float64 {
	values = append(values, v)
	if r.window > 0 && len(values) > r.window {
		values = values[len(values)-r.window:]
	}
	return values
}

// Mean returns the window averages. With no finite observations every
// field is NaN.
func (r *RunningMetrics) Mean() elbo.Metrics {
	if len(r.elbos) == 0 {
		return elbo.Metrics{ELBO: math.NaN(), KLSum: math.NaN(), Perplexity: math.NaN()}
	}
	return elbo.Metrics{
		ELBO:       stat.Mean(r.elbos, nil),
		KLSum:      stat.Mean(r.kls, nil),
		Perplexity: stat.Mean(r.perplexity, nil),
	}
}

// Best returns the highest finite ELBO observed, or -Inf.
func (r *RunningMetrics) Best() float64 {
	return r.best
}

func (r *RunningMetrics) Last() elbo.Metrics {
	return r.lastUpdated
}

// Count returns the number of observations and how many were not finite.
func (r *RunningMetrics) Count() (observed, nonFinite int) {
	return r.observed, r.nonFinite
}

func (r *RunningMetrics) Reset() {
	*r = RunningMetrics{window: r.window, best: math.Inf(-1)}
}

func (r *RunningMetrics) String() string {
	m := r.Mean()
	return fmt.Sprintf("elbo=%.4f kl=%.4f perplexity=%.4f best=%.4f (n=%d, non-finite=%d)",
		m.ELBO, m.KLSum, m.Perplexity, r.best, r.observed, r.nonFinite)
}

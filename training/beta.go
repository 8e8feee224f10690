package training

import (
	"math"
)

// BetaSchedule gives the KL weight to pass to Optimizer.Step at each step.
type BetaSchedule interface {
	Beta(step int) float64
	GetName() string
}

// ConstantBeta always returns Value.
type ConstantBeta struct {
	Value float64
}

func (b ConstantBeta) Beta(step int) float64 { return b.Value }
func (b ConstantBeta) GetName() string        { return "ConstantBeta" }

// LinearWarmupBeta rises linearly from Start to End over Steps steps.
type LinearWarmupBeta struct {
	Start float64
	End   float64
	Steps int
}

func (b LinearWarmupBeta) Beta(step int) float64 {
	if b.Steps <= 0 || step >= b.Steps {
		return b.End
	}
	if step <= 0 {
		return b.Start
	}
	return b.Start + (b.End-b.Start)*float64(step)/float64(b.Steps)
}

func (b LinearWarmupBeta) GetName() string { return "LinearWarmupBeta" }

// SigmoidBeta follows Max / (1 + exp(-Rate·(step - Midpoint))).
type SigmoidBeta struct {
	Max      float64
	Rate     float64
	Midpoint int
}

func (b SigmoidBeta) Beta(step int) float64 {
	return b.Max / (1 + math.Exp(-b.Rate*float64(step-b.Midpoint)))
}

func (b SigmoidBeta) GetName() string { return "SigmoidBeta" }

// CyclicalBeta repeats a warmup every Period steps: the weight rises
// linearly from 0 to Max over the first RampFraction of each cycle and then
// holds.
type CyclicalBeta struct {
	Max          float64
	Period       int
	RampFraction float64
}

func (b CyclicalBeta) Beta(step int) float64 {
	if b.Period <= 0 || b.RampFraction <= 0 {
		return b.Max
	}
	if step < 0 {
		step = 0
	}
	tau := float64(step%b.Period) / float64(b.Period)
	return b.Max * math.Min(1, tau/b.RampFraction)
}

func (b CyclicalBeta) GetName() string { return "CyclicalBeta" }

package optim

import (
	"math"
)

// Scheduler adjusts the learning rate of an optimizer as training progresses
type Scheduler interface {
	// Step sets the learning rate for the given step or epoch counter
	Step(step int)
}

// CosineAnnealing anneals the learning rate from its initial value down to
// EtaMin along half a cosine period of TMax steps
type CosineAnnealing struct {
	// opt is the optimizer whose learning rate is set
	opt Optimizer
	// baseLR is the learning rate at step 0
	baseLR float64
	// TMax is the number of steps of half a period
	TMax int
	// EtaMin is the minimum learning rate
	EtaMin float64
}

// NewCosineAnnealing returns a cosine schedule starting from the optimizer's
// current learning rate
func NewCosineAnnealing(opt Optimizer, tMax int, etaMin float64) *CosineAnnealing {
	return &CosineAnnealing{
		opt:    opt,
		baseLR: opt.LearningRate(),
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

// Step sets lr = etaMin + (base-etaMin) * (1 + cos(pi*step/TMax)) / 2
func (c *CosineAnnealing) Step(step int) {

	if c.TMax <= 0 {
		return
	}

	lr := c.EtaMin + (c.baseLR-c.EtaMin)*(1+math.Cos(math.Pi*float64(step)/float64(c.TMax)))/2
	c.opt.SetLearningRate(lr)
}

// StepLR decays the learning rate by Gamma every StepSize steps
type StepLR struct {
	// opt is the optimizer whose learning rate is set
	opt Optimizer
	// baseLR is the learning rate at step 0
	baseLR float64
	// StepSize is the decay period
	StepSize int
	// Gamma is the multiplicative decay
	Gamma float64
}

// NewStepLR returns a step decay schedule starting from the optimizer's
// current learning rate
func NewStepLR(opt Optimizer, stepSize int, gamma float64) *StepLR {
	return &StepLR{
		opt:      opt,
		baseLR:   opt.LearningRate(),
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

// Step sets lr = base * gamma^(step/StepSize)
func (s *StepLR) Step(step int) {

	if s.StepSize <= 0 {
		return
	}

	s.opt.SetLearningRate(s.baseLR * math.Pow(s.Gamma, float64(step/s.StepSize)))
}

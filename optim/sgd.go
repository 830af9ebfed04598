package optim

import (
	"github.com/swdee/go-heatcount"
	"gonum.org/v1/gonum/floats"
)

// SGD is stochastic gradient descent with momentum and weight decay
type SGD struct {
	// lr is the current learning rate
	lr float64
	// opts are the momentum and decay settings
	opts Options
	// velocity holds the momentum buffer per parameter name
	velocity map[string][]float64
	// scratch is reused to build the decayed gradient
	scratch []float64
}

// NewSGD returns an SGD optimizer
func NewSGD(lr float64, opts Options) *SGD {
	return &SGD{
		lr:       lr,
		opts:     opts,
		velocity: make(map[string][]float64),
	}
}

// Step applies v = momentum*v + (g + decay*w), w = w - lr*v
func (s *SGD) Step(params []*heatcount.Param) {

	for _, p := range params {
		g := s.decayed(p)

		if s.opts.Momentum == 0 {
			floats.AddScaled(p.Value, -s.lr, g)
			continue
		}

		v, ok := s.velocity[p.Name]

		if !ok {
			// first step initialises the buffer with the gradient
			v = make([]float64, len(g))
			copy(v, g)
			s.velocity[p.Name] = v

		} else {
			floats.Scale(s.opts.Momentum, v)
			floats.Add(v, g)
		}

		floats.AddScaled(p.Value, -s.lr, v)
	}
}

// decayed returns the gradient with the weight decay term added
func (s *SGD) decayed(p *heatcount.Param) []float64 {

	if s.opts.WeightDecay == 0 {
		return p.Grad
	}

	if cap(s.scratch) < len(p.Grad) {
		s.scratch = make([]float64, len(p.Grad))
	}

	g := s.scratch[:len(p.Grad)]
	floats.AddScaledTo(g, p.Grad, s.opts.WeightDecay, p.Value)

	return g
}

// ZeroGrad clears the parameter gradients
func (s *SGD) ZeroGrad(params []*heatcount.Param) {
	zeroGrad(params)
}

// LearningRate returns the current learning rate
func (s *SGD) LearningRate() float64 {
	return s.lr
}

// SetLearningRate sets the learning rate
func (s *SGD) SetLearningRate(lr float64) {
	s.lr = lr
}

// Name returns "sgd"
func (s *SGD) Name() string {
	return "sgd"
}

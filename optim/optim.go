// Package optim provides the gradient descent optimizers and learning rate
// schedulers used to train a heatcount Model.
package optim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/swdee/go-heatcount"
)

// ErrUnknownOptimizer is returned by New for an unsupported optimizer name
var ErrUnknownOptimizer = errors.New("optimizer does not exist")

// Optimizer updates model parameters from their accumulated gradients
type Optimizer interface {
	// Step applies one update to the parameters
	Step(params []*heatcount.Param)
	// ZeroGrad clears the gradients of the parameters
	ZeroGrad(params []*heatcount.Param)
	// LearningRate returns the current learning rate
	LearningRate() float64
	// SetLearningRate changes the learning rate, used by schedulers
	SetLearningRate(lr float64)
	// Name of the optimizer
	Name() string
}

// Options are the hyper parameters shared by the optimizers
type Options struct {
	// Momentum of SGD
	Momentum float64
	// WeightDecay is the L2 penalty added to the gradient
	WeightDecay float64
	// Beta1 is the Adam first moment decay
	Beta1 float64
	// Beta2 is the Adam second moment decay
	Beta2 float64
	// Epsilon is the Adam denominator term
	Epsilon float64
}

// DefaultOptions returns the hyper parameters used for detector training,
// momentum 0.9 and weight decay 1e-6
func DefaultOptions() Options {
	return Options{
		Momentum:    0.9,
		WeightDecay: 1e-6,
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
	}
}

// New returns the optimizer registered under name, either "sgd" or "adam"
func New(name string, lr float64, opts Options) (Optimizer, error) {

	if lr <= 0 {
		return nil, fmt.Errorf("learning rate %g must be positive", lr)
	}

	switch strings.ToLower(name) {
	case "sgd":
		return NewSGD(lr, opts), nil

	case "adam":
		return NewAdam(lr, opts), nil

	default:
		return nil, fmt.Errorf("optimizer %q: %w", name, ErrUnknownOptimizer)
	}
}

// zeroGrad clears the gradient of every parameter
func zeroGrad(params []*heatcount.Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

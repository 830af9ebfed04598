package optim

import (
	"math"

	"github.com/swdee/go-heatcount"
)

// adamState holds the moment estimates of one parameter
type adamState struct {
	// m is the first moment
	m []float64
	// v is the second moment
	v []float64
}

// Adam implements the Adam optimizer with L2 weight decay added to the
// gradient
type Adam struct {
	// lr is the current learning rate
	lr float64
	// opts are the beta, epsilon and decay settings
	opts Options
	// t is the number of steps taken
	t int
	// state per parameter name
	state map[string]*adamState
}

// NewAdam returns an Adam optimizer
func NewAdam(lr float64, opts Options) *Adam {
	return &Adam{
		lr:    lr,
		opts:  opts,
		state: make(map[string]*adamState),
	}
}

// Step applies one bias corrected Adam update
func (a *Adam) Step(params []*heatcount.Param) {

	a.t++

	b1 := a.opts.Beta1
	b2 := a.opts.Beta2
	c1 := 1 - math.Pow(b1, float64(a.t))
	c2 := 1 - math.Pow(b2, float64(a.t))

	for _, p := range params {
		st, ok := a.state[p.Name]

		if !ok {
			st = &adamState{
				m: make([]float64, len(p.Value)),
				v: make([]float64, len(p.Value)),
			}
			a.state[p.Name] = st
		}

		for i, g := range p.Grad {
			g += a.opts.WeightDecay * p.Value[i]

			st.m[i] = b1*st.m[i] + (1-b1)*g
			st.v[i] = b2*st.v[i] + (1-b2)*g*g

			mHat := st.m[i] / c1
			vHat := st.v[i] / c2

			p.Value[i] -= a.lr * mHat / (math.Sqrt(vHat) + a.opts.Epsilon)
		}
	}
}

// ZeroGrad clears the parameter gradients
func (a *Adam) ZeroGrad(params []*heatcount.Param) {
	zeroGrad(params)
}

// LearningRate returns the current learning rate
func (a *Adam) LearningRate() float64 {
	return a.lr
}

// SetLearningRate sets the learning rate
func (a *Adam) SetLearningRate(lr float64) {
	a.lr = lr
}

// Name returns "adam"
func (a *Adam) Name() string {
	return "adam"
}

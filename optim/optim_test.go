package optim

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swdee/go-heatcount"
)

// quadratic sets the gradient of f(w) = sum (w - target)^2 and returns f
func quadratic(p *heatcount.Param, target []float64) float64 {

	var f float64

	for i, w := range p.Value {
		d := w - target[i]
		f += d * d
		p.Grad[i] = 2 * d
	}

	return f
}

func TestNew(t *testing.T) {

	tests := []struct {
		name string
		want string
		err  error
	}{
		{"sgd", "sgd", nil},
		{"SGD", "sgd", nil},
		{"adam", "adam", nil},
		{"rmsprop", "", ErrUnknownOptimizer},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {

			opt, err := New(tc.name, 0.1, DefaultOptions())

			if tc.err != nil {
				require.True(t, errors.Is(err, tc.err))
				require.Nil(t, opt)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.want, opt.Name())
			require.Equal(t, 0.1, opt.LearningRate())
		})
	}

	_, err := New("sgd", 0, DefaultOptions())
	require.Error(t, err)
}

func TestOptimizersConverge(t *testing.T) {

	target := []float64{1, -2, 0.5}

	for _, name := range []string{"sgd", "adam"} {
		t.Run(name, func(t *testing.T) {

			opt, err := New(name, 0.05, DefaultOptions())
			require.NoError(t, err)

			p := heatcount.NewParam("w", 3)
			params := []*heatcount.Param{p}

			start := quadratic(p, target)

			for i := 0; i < 500; i++ {
				opt.ZeroGrad(params)
				quadratic(p, target)
				opt.Step(params)
			}

			end := quadratic(p, target)
			require.Less(t, end, start*1e-3)

			for i := range target {
				require.InDelta(t, target[i], p.Value[i], 0.05)
			}
		})
	}
}

func TestSGDPlainStep(t *testing.T) {

	opt := NewSGD(0.5, Options{})
	p := heatcount.NewParam("w", 2)
	p.Value[0], p.Value[1] = 1, 2
	p.Grad[0], p.Grad[1] = 0.2, -0.4

	opt.Step([]*heatcount.Param{p})

	require.InDelta(t, 0.9, p.Value[0], 1e-12)
	require.InDelta(t, 2.2, p.Value[1], 1e-12)

	opt.ZeroGrad([]*heatcount.Param{p})
	require.Equal(t, []float64{0, 0}, p.Grad)
}

func TestSGDMomentum(t *testing.T) {

	opt := NewSGD(1, Options{Momentum: 0.5})
	p := heatcount.NewParam("w", 1)
	params := []*heatcount.Param{p}

	p.Grad[0] = 1
	opt.Step(params)
	require.InDelta(t, -1, p.Value[0], 1e-12)

	// v = 0.5*1 + 1
	opt.Step(params)
	require.InDelta(t, -2.5, p.Value[0], 1e-12)
}

func TestCosineAnnealing(t *testing.T) {

	opt := NewSGD(0.1, DefaultOptions())
	sched := NewCosineAnnealing(opt, 100, 0)

	sched.Step(0)
	require.InDelta(t, 0.1, opt.LearningRate(), 1e-12)

	sched.Step(50)
	require.InDelta(t, 0.05, opt.LearningRate(), 1e-12)

	sched.Step(100)
	require.InDelta(t, 0, opt.LearningRate(), 1e-12)

	prev := math.Inf(1)

	for step := 0; step <= 100; step++ {
		sched.Step(step)
		require.LessOrEqual(t, opt.LearningRate(), prev)
		prev = opt.LearningRate()
	}
}

func TestStepLR(t *testing.T) {

	opt := NewAdam(0.1, DefaultOptions())
	sched := NewStepLR(opt, 3, 0.5)

	sched.Step(2)
	require.InDelta(t, 0.1, opt.LearningRate(), 1e-12)

	sched.Step(3)
	require.InDelta(t, 0.05, opt.LearningRate(), 1e-12)

	sched.Step(7)
	require.InDelta(t, 0.025, opt.LearningRate(), 1e-12)
}

package model

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swdee/go-heatcount"
)

func testNet(t *testing.T) *HeadNet {

	cfg := DefaultConfig(2)
	cfg.Hidden = 4

	net, err := NewHeadNet(cfg, 42)
	require.NoError(t, err)

	return net
}

func testInput(seed int64, n, h, w int) heatcount.Tensor {

	r := rand.New(rand.NewSource(seed))
	x := heatcount.NewTensor(n, 3, h, w)

	for i := range x.Data {
		x.Data[i] = r.Float32()
	}

	return x
}

func TestForwardShapes(t *testing.T) {

	net := testNet(t)

	pred, err := net.Forward(testInput(1, 2, 24, 32))
	require.NoError(t, err)

	require.Equal(t, []int{2, 2, 3, 4}, pred.Heatmap.Shape)
	require.Equal(t, []int{2, 3, 3, 4}, pred.Mask.Shape)
	require.Equal(t, []int{2, 3}, pred.Logits.Shape)

	_, err = net.Forward(heatcount.NewTensor(2, 1, 24, 32))
	require.True(t, errors.Is(err, heatcount.ErrShapeMismatch))

	_, err = net.Forward(heatcount.NewTensor(1, 3, 4, 4))
	require.True(t, errors.Is(err, heatcount.ErrShapeMismatch))
}

func TestSeedDeterminismAndClone(t *testing.T) {

	a := testNet(t)
	b := testNet(t)
	x := testInput(2, 1, 16, 16)

	pa, err := a.Forward(x)
	require.NoError(t, err)

	pb, err := b.Forward(x)
	require.NoError(t, err)
	require.Equal(t, pa, pb)

	c := a.Clone()
	pc, err := c.Forward(x)
	require.NoError(t, err)
	require.Equal(t, pa, pc)
	require.Equal(t, a.Config(), c.Config())

	// clones do not share weights
	c.Params()[0].Value[0] += 1
	require.NotEqual(t, a.Params()[0].Value[0], c.Params()[0].Value[0])
}

func TestNew(t *testing.T) {

	m, err := New(DefaultConfig(3), 1)
	require.NoError(t, err)
	require.Equal(t, Architecture, m.Config().Architecture)

	cfg := DefaultConfig(3)
	cfg.Architecture = "deeplab"
	_, err = New(cfg, 1)
	require.True(t, errors.Is(err, ErrUnknownArchitecture))

	cfg = DefaultConfig(0)
	_, err = New(cfg, 1)
	require.Error(t, err)
}

func TestBackwardBeforeForward(t *testing.T) {
	net := testNet(t)
	require.Error(t, net.Backward(heatcount.Predictions{}))
}

// weightedSum returns sum(pred * r) over all heads
func weightedSum(p, r heatcount.Predictions) float64 {

	var sum float64

	for _, pair := range [][2]heatcount.Tensor{
		{p.Heatmap, r.Heatmap}, {p.Mask, r.Mask}, {p.Logits, r.Logits},
	} {
		for i, v := range pair[0].Data {
			sum += float64(v) * float64(pair[1].Data[i])
		}
	}

	return sum
}

func TestGradient(t *testing.T) {

	net := testNet(t)
	x := testInput(3, 2, 16, 16)

	pred, err := net.Forward(x)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(4))
	randLike := func(t heatcount.Tensor) heatcount.Tensor {
		out := heatcount.NewTensor(t.Shape...)
		for i := range out.Data {
			out.Data[i] = float32(rng.NormFloat64())
		}
		return out
	}

	r := heatcount.Predictions{
		Heatmap: randLike(pred.Heatmap),
		Mask:    randLike(pred.Mask),
		Logits:  randLike(pred.Logits),
	}

	for _, p := range net.Params() {
		p.ZeroGrad()
	}

	require.NoError(t, net.Backward(r))

	// hidden pre-activations of the unperturbed pass, used to skip weights
	// whose perturbation could cross the ReLU kink
	z := net.last.z
	rows, _ := z.Dims()
	nearKink := func(col int) bool {
		for i := 0; i < rows; i++ {
			if math.Abs(z.At(i, col)) < 0.05 {
				return true
			}
		}
		return false
	}

	const eps = 1e-3
	hidden := net.cfg.Hidden

	for _, p := range net.Params() {
		for i := range p.Value {
			if p == net.w1 && nearKink(i%hidden) {
				continue
			}

			if p == net.b1 && nearKink(i) {
				continue
			}

			orig := p.Value[i]

			p.Value[i] = orig + eps
			up, err := net.Forward(x)
			require.NoError(t, err)

			p.Value[i] = orig - eps
			down, err := net.Forward(x)
			require.NoError(t, err)

			p.Value[i] = orig

			want := (weightedSum(up, r) - weightedSum(down, r)) / (2 * eps)
			require.InDelta(t, want, p.Grad[i], 1e-2+1e-2*math.Abs(want),
				"%s[%d]", p.Name, i)
		}
	}
}

func TestQuery(t *testing.T) {

	net := testNet(t)
	total := 0

	for _, p := range net.Params() {
		total += len(p.Value)
	}

	// 29*4+4 + 4*2+2 + 4*3+3 + 4*3+3
	require.Equal(t, 160, total)
}

// Package model provides HeadNet, a small trainable network producing the
// heatmap, mask and class outputs of a heatmap counter.
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/swdee/go-heatcount"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// Architecture is the name HeadNet reports in its config
	Architecture = "headnet"
	// inputChannels is the number of image channels accepted
	inputChannels = 3
	// window is the side of the pooled neighbourhood seen by each cell
	window = 3
	// numFeatures per output cell, the pooled neighbourhood plus the x,y
	// cell coordinates
	numFeatures = inputChannels*window*window + 2
	// heatmapPrior is the initial heatmap bias, sigmoid(-2.19) = 0.1
	heatmapPrior = -2.19
)

// ErrUnknownArchitecture is returned by New for an unsupported model name
var ErrUnknownArchitecture = errors.New("unknown model architecture")

// DefaultConfig returns the HeadNet configuration used by the examples
func DefaultConfig(numClasses int) heatcount.ModelConfig {
	return heatcount.ModelConfig{
		Architecture: Architecture,
		NumClasses:   numClasses,
		OutputStride: 8,
		Hidden:       16,
	}
}

// New returns the model described by cfg with weights initialised from seed
func New(cfg heatcount.ModelConfig, seed int64) (heatcount.Model, error) {

	switch cfg.Architecture {
	case Architecture, "":
		return NewHeadNet(cfg, seed)
	default:
		return nil, fmt.Errorf("%q: %w", cfg.Architecture, ErrUnknownArchitecture)
	}
}

// cache holds the activations of the last forward pass needed by Backward
type cache struct {
	// n is the batch size
	n int
	// h is the output grid height
	h int
	// w is the output grid width
	w int
	// x are the cell features, one row per cell
	x *mat.Dense
	// z is the hidden layer before activation
	z *mat.Dense
	// a is the hidden layer after ReLU
	a *mat.Dense
	// pooled is the per image mean of a
	pooled *mat.Dense
}

// HeadNet average pools the image by the output stride, describes every output
// cell by its 3x3 pooled neighbourhood and its normalised position, and runs a
// hidden ReLU layer shared by three linear heads: heatmap, mask and a global
// class head over the spatially averaged hidden layer.
type HeadNet struct {
	// cfg is the architecture description
	cfg heatcount.ModelConfig
	// w1 and b1 form the hidden layer
	w1, b1 *heatcount.Param
	// wh and bh form the heatmap head
	wh, bh *heatcount.Param
	// wm and bm form the mask head
	wm, bm *heatcount.Param
	// wc and bc form the class head
	wc, bc *heatcount.Param
	// params in stable order
	params []*heatcount.Param
	// last forward activations
	last *cache
}

// NewHeadNet returns a HeadNet with He initialised weights drawn from seed
func NewHeadNet(cfg heatcount.ModelConfig, seed int64) (*HeadNet, error) {

	net, err := newHeadNet(cfg)

	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(seed))

	initNormal(r, net.w1, math.Sqrt(2/float64(numFeatures)))
	initNormal(r, net.wh, math.Sqrt(1/float64(cfg.Hidden)))
	initNormal(r, net.wm, math.Sqrt(1/float64(cfg.Hidden)))
	initNormal(r, net.wc, math.Sqrt(1/float64(cfg.Hidden)))

	for i := range net.bh.Value {
		net.bh.Value[i] = heatmapPrior
	}

	return net, nil
}

// newHeadNet allocates zeroed parameters for cfg
func newHeadNet(cfg heatcount.ModelConfig) (*HeadNet, error) {

	if cfg.NumClasses < 1 || cfg.OutputStride < 1 || cfg.Hidden < 1 {
		return nil, fmt.Errorf("invalid headnet config %+v", cfg)
	}

	cfg.Architecture = Architecture
	c := cfg.NumClasses
	hid := cfg.Hidden

	net := &HeadNet{
		cfg: cfg,
		w1:  heatcount.NewParam("hidden.weight", numFeatures, hid),
		b1:  heatcount.NewParam("hidden.bias", hid),
		wh:  heatcount.NewParam("heatmap.weight", hid, c),
		bh:  heatcount.NewParam("heatmap.bias", c),
		wm:  heatcount.NewParam("mask.weight", hid, c+1),
		bm:  heatcount.NewParam("mask.bias", c+1),
		wc:  heatcount.NewParam("class.weight", hid, c+1),
		bc:  heatcount.NewParam("class.bias", c+1),
	}

	net.params = []*heatcount.Param{
		net.w1, net.b1, net.wh, net.bh, net.wm, net.bm, net.wc, net.bc,
	}

	return net, nil
}

// initNormal fills the parameter with N(0, std^2) samples
func initNormal(r *rand.Rand, p *heatcount.Param, std float64) {
	for i := range p.Value {
		p.Value[i] = r.NormFloat64() * std
	}
}

// Params returns the trainable parameters
func (n *HeadNet) Params() []*heatcount.Param {
	return n.params
}

// Config returns the architecture description
func (n *HeadNet) Config() heatcount.ModelConfig {
	return n.cfg
}

// Clone returns a copy of the network with the same weights and no forward
// state
func (n *HeadNet) Clone() heatcount.Model {

	// config was validated when n was created
	c, _ := newHeadNet(n.cfg)

	for i, p := range n.params {
		copy(c.params[i].Value, p.Value)
	}

	return c
}

// weights returns a matrix view over a weight parameter
func weights(p *heatcount.Param) *mat.Dense {
	return mat.NewDense(p.Shape[0], p.Shape[1], p.Value)
}

// linear computes x*w + b
func linear(x *mat.Dense, w, b *heatcount.Param) *mat.Dense {

	var out mat.Dense
	out.Mul(x, weights(w))

	rows, cols := out.Dims()
	raw := out.RawMatrix()

	for r := 0; r < rows; r++ {
		floats.Add(raw.Data[r*raw.Stride:r*raw.Stride+cols], b.Value)
	}

	return &out
}

// Forward runs the network on images [N, 3, H, W]
func (n *HeadNet) Forward(x heatcount.Tensor) (heatcount.Predictions, error) {

	if len(x.Shape) != 4 || x.Shape[1] != inputChannels {
		return heatcount.Predictions{}, fmt.Errorf("expected [N,3,H,W] input, got %v: %w",
			x, heatcount.ErrShapeMismatch)
	}

	s := n.cfg.OutputStride
	batch := x.Shape[0]
	h := x.Shape[2] / s
	w := x.Shape[3] / s

	if batch == 0 || h == 0 || w == 0 {
		return heatcount.Predictions{}, fmt.Errorf("input %v too small for stride %d: %w",
			x, s, heatcount.ErrShapeMismatch)
	}

	feats := n.features(avgPool(x, s), batch, h, w)

	z := linear(feats, n.w1, n.b1)

	var a mat.Dense
	a.Apply(func(_, _ int, v float64) float64 {
		return math.Max(v, 0)
	}, z)

	// per image mean of the hidden layer
	cells := h * w
	pooled := mat.NewDense(batch, n.cfg.Hidden, nil)

	for b := 0; b < batch; b++ {
		row := pooled.RawRowView(b)

		for i := 0; i < cells; i++ {
			floats.Add(row, a.RawRowView(b*cells+i))
		}

		floats.Scale(1/float64(cells), row)
	}

	n.last = &cache{n: batch, h: h, w: w, x: feats, z: z, a: &a, pooled: pooled}

	return heatcount.Predictions{
		Heatmap: toNCHW(linear(&a, n.wh, n.bh), batch, h, w),
		Mask:    toNCHW(linear(&a, n.wm, n.bm), batch, h, w),
		Logits:  toTensor(linear(pooled, n.wc, n.bc)),
	}, nil
}

// Backward accumulates parameter gradients from the gradient of the loss with
// respect to the predictions of the last Forward call
func (n *HeadNet) Backward(grad heatcount.Predictions) error {

	c := n.last

	if c == nil {
		return fmt.Errorf("backward called before forward")
	}

	cells := c.h * c.w
	da := mat.NewDense(c.n*cells, n.cfg.Hidden, nil)

	heads := []struct {
		g    heatcount.Tensor
		w, b *heatcount.Param
	}{
		{grad.Heatmap, n.wh, n.bh},
		{grad.Mask, n.wm, n.bm},
	}

	for _, hd := range heads {
		if hd.g.Empty() {
			continue
		}

		k := hd.b.Shape[0]

		if len(hd.g.Shape) != 4 || hd.g.Shape[0] != c.n || hd.g.Shape[1] != k ||
			hd.g.Shape[2] != c.h || hd.g.Shape[3] != c.w {
			return fmt.Errorf("%s gradient %v: %w", hd.w.Name, hd.g, heatcount.ErrShapeMismatch)
		}

		g := fromNCHW(hd.g)
		backLinear(c.a, g, hd.w, hd.b, da)
	}

	if !grad.Logits.Empty() {
		k := n.bc.Shape[0]

		if len(grad.Logits.Shape) != 2 || grad.Logits.Shape[0] != c.n || grad.Logits.Shape[1] != k {
			return fmt.Errorf("class gradient %v: %w", grad.Logits, heatcount.ErrShapeMismatch)
		}

		g := mat.NewDense(c.n, k, toFloat64(grad.Logits.Data))
		dp := mat.NewDense(c.n, n.cfg.Hidden, nil)
		backLinear(c.pooled, g, n.wc, n.bc, dp)

		// the mean spreads the pooled gradient evenly over the cells
		for b := 0; b < c.n; b++ {
			row := dp.RawRowView(b)

			for i := 0; i < cells; i++ {
				floats.AddScaled(da.RawRowView(b*cells+i), 1/float64(cells), row)
			}
		}
	}

	// ReLU
	da.Apply(func(i, j int, v float64) float64 {
		if c.z.At(i, j) <= 0 {
			return 0
		}
		return v
	}, da)

	backLinear(c.x, da, n.w1, n.b1, nil)

	return nil
}

// backLinear accumulates the weight and bias gradients of out = x*w + b given
// dOut, and adds dOut*w^T to dx when dx is not nil
func backLinear(x, dOut *mat.Dense, w, b *heatcount.Param, dx *mat.Dense) {

	var dw mat.Dense
	dw.Mul(x.T(), dOut)
	floats.Add(w.Grad, dw.RawMatrix().Data)

	rows, _ := dOut.Dims()

	for r := 0; r < rows; r++ {
		floats.Add(b.Grad, dOut.RawRowView(r))
	}

	if dx == nil {
		return
	}

	var d mat.Dense
	d.Mul(dOut, weights(w).T())
	dx.Add(dx, &d)
}

// avgPool averages stride x stride blocks of the image, trailing pixels that
// do not fill a block are dropped
func avgPool(x heatcount.Tensor, stride int) heatcount.Tensor {

	n, ch, hIn, wIn := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	h := hIn / stride
	w := wIn / stride
	out := heatcount.NewTensor(n, ch, h, w)
	inv := 1 / float32(stride*stride)

	for b := 0; b < n; b++ {
		for c := 0; c < ch; c++ {
			src := x.Data[(b*ch+c)*hIn*wIn:]
			dst := out.Data[(b*ch+c)*h*w:]

			for y := 0; y < hIn/stride*stride; y++ {
				for xx := 0; xx < w*stride; xx++ {
					dst[(y/stride)*w+xx/stride] += src[y*wIn+xx]
				}
			}

			for i := 0; i < h*w; i++ {
				dst[i] *= inv
			}
		}
	}

	return out
}

// features builds the cell feature matrix, one row per output cell ordered
// by image, row and column
func (n *HeadNet) features(p heatcount.Tensor, batch, h, w int) *mat.Dense {

	feats := mat.NewDense(batch*h*w, numFeatures, nil)
	half := window / 2

	for b := 0; b < batch; b++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				row := feats.RawRowView((b*h+y)*w + x)
				f := 0

				for c := 0; c < inputChannels; c++ {
					for dy := -half; dy <= half; dy++ {
						for dx := -half; dx <= half; dx++ {
							yy, xx := y+dy, x+dx

							if yy >= 0 && yy < h && xx >= 0 && xx < w {
								row[f] = float64(p.At(b, c, yy, xx))
							}

							f++
						}
					}
				}

				row[f] = (float64(x) + 0.5) / float64(w)
				row[f+1] = (float64(y) + 0.5) / float64(h)
			}
		}
	}

	return feats
}

// toNCHW converts a cell major matrix [N*h*w, K] into a tensor [N, K, h, w]
func toNCHW(m *mat.Dense, n, h, w int) heatcount.Tensor {

	_, k := m.Dims()
	cells := h * w
	out := heatcount.NewTensor(n, k, h, w)

	for b := 0; b < n; b++ {
		for i := 0; i < cells; i++ {
			row := m.RawRowView(b*cells + i)

			for c := 0; c < k; c++ {
				out.Data[(b*k+c)*cells+i] = float32(row[c])
			}
		}
	}

	return out
}

// fromNCHW converts a tensor [N, K, h, w] into a cell major matrix [N*h*w, K]
func fromNCHW(t heatcount.Tensor) *mat.Dense {

	n, k, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	cells := h * w
	m := mat.NewDense(n*cells, k, nil)

	for b := 0; b < n; b++ {
		for i := 0; i < cells; i++ {
			row := m.RawRowView(b*cells + i)

			for c := 0; c < k; c++ {
				row[c] = float64(t.Data[(b*k+c)*cells+i])
			}
		}
	}

	return m
}

// toTensor converts a matrix into a 2-D tensor
func toTensor(m *mat.Dense) heatcount.Tensor {

	r, c := m.Dims()
	out := heatcount.NewTensor(r, c)

	for i := 0; i < r; i++ {
		for j, v := range m.RawRowView(i) {
			out.Data[i*c+j] = float32(v)
		}
	}

	return out
}

// toFloat64 widens float32 values
func toFloat64(src []float32) []float64 {

	out := make([]float64, len(src))

	for i, v := range src {
		out[i] = float64(v)
	}

	return out
}

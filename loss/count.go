package loss

import (
	"fmt"

	"github.com/swdee/go-heatcount"
	"gonum.org/v1/gonum/floats"
)

// Result holds the values of a loss evaluation on one batch
type Result struct {
	// Loss is the scalar that is minimised
	Loss float64
	// Center is the heatmap term before weighting
	Center float64
	// Mask is the mask term before weighting
	Mask float64
	// CountMAE is the mean absolute error of the count estimated from the
	// heatmap integral, it does not contribute to the gradient
	CountMAE float64
	// Correct is the number of correctly classified images
	Correct int
	// Total is the number of images evaluated
	Total int
}

// Accuracy returns the fraction of correctly classified images
func (r Result) Accuracy() float64 {

	if r.Total == 0 {
		return 0
	}

	return float64(r.Correct) / float64(r.Total)
}

// CountLoss combines the heatmap and mask terms into the detector training
// loss
type CountLoss struct {
	// Center is the heatmap regression term
	Center CenterLoss
	// Mask is the mask classification term
	Mask MaskLoss
	// HeatmapWeight multiplies the heatmap term
	HeatmapWeight float64
	// MaskWeight multiplies the mask term
	MaskWeight float64
}

// NewCountLoss returns the loss with default weighting for the heatmap scale
// cov * 2 * pi
func NewCountLoss(scale float32) *CountLoss {
	return &CountLoss{
		Center:        CenterLoss{Scale: scale},
		Mask:          MaskLoss{Ratio: 0.1},
		HeatmapWeight: 1,
		MaskWeight:    1,
	}
}

// Compute evaluates the loss of the predictions against the batch targets and
// returns the gradient with respect to the heatmap and mask logits
func (l *CountLoss) Compute(pred heatcount.Predictions, b *heatcount.Batch) (Result, heatcount.Predictions, error) {

	center, hmGrad, err := l.Center.Forward(pred.Heatmap, b.Heatmaps())

	if err != nil {
		return Result{}, heatcount.Predictions{}, fmt.Errorf("heatmap term: %w", err)
	}

	mask, maskGrad, err := l.Mask.Forward(pred.Mask, b.Masks())

	if err != nil {
		return Result{}, heatcount.Predictions{}, fmt.Errorf("mask term: %w", err)
	}

	mulGrad(hmGrad, l.HeatmapWeight)
	mulGrad(maskGrad, l.MaskWeight)

	res := Result{
		Loss:     l.HeatmapWeight*center + l.MaskWeight*mask,
		Center:   center,
		Mask:     mask,
		CountMAE: CountMAE(pred.Heatmap, b.Counts(), l.Center.Scale),
		Total:    b.Len(),
	}

	return res, heatcount.Predictions{Heatmap: hmGrad, Mask: maskGrad}, nil
}

// EstimateCounts returns the per image object count estimated from heatmap
// logits [N, C, h, w] as the integral of the activated heatmap
func EstimateCounts(logits heatcount.Tensor, scale float32) []float64 {

	if len(logits.Shape) == 0 || scale == 0 {
		return nil
	}

	n := logits.Shape[0]
	size := logits.SampleSize()
	out := make([]float64, n)
	act := make([]float32, size)

	for b := 0; b < n; b++ {
		for i, z := range logits.Data[b*size : (b+1)*size] {
			act[i] = sigmoid(z)
		}

		out[b] = Integral(act, scale)
	}

	return out
}

// Integral returns the number of objects an activated heatmap region holds,
// its sum divided by the integral of one object Gaussian scale
func Integral(hm []float32, scale float32) float64 {

	var sum float64

	for _, v := range hm {
		sum += float64(v)
	}

	return sum / float64(scale)
}

// CountMAE returns the mean absolute error between the estimated and the
// annotated object counts
func CountMAE(logits heatcount.Tensor, counts []int, scale float32) float64 {

	est := EstimateCounts(logits, scale)

	if len(est) == 0 || len(est) != len(counts) {
		return 0
	}

	want := make([]float64, len(counts))

	for i, c := range counts {
		want[i] = float64(c)
	}

	return floats.Distance(est, want, 1) / float64(len(est))
}

// mulGrad multiplies a gradient tensor in place
func mulGrad(t heatcount.Tensor, w float64) {

	if w == 1 {
		return
	}

	f := float32(w)

	for i := range t.Data {
		t.Data[i] *= f
	}
}

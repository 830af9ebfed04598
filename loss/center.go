// Package loss implements the training criteria of the heatmap counter.  Every
// loss returns its scalar value together with the gradient with respect to the
// raw model outputs, so a Model can back propagate it without an autodiff
// graph.
package loss

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/swdee/go-heatcount"
)

// CenterLoss is the heatmap regression term.  The sigmoid of the predicted
// logits is compared with the Gaussian target using a squared error weighted
// per cell by 1 + Scale*target, so cells near object centres count more than
// the background that dominates the grid.
type CenterLoss struct {
	// Scale multiplies the target to form the per cell weight, use
	// cov * 2 * pi
	Scale float32
}

// NewCenterLoss returns a CenterLoss for the Gaussian variance cov
func NewCenterLoss(cov float32) CenterLoss {
	return CenterLoss{Scale: Scale(cov)}
}

// Scale returns the integral of an unnormalised Gaussian with variance cov,
// which is both the heatmap weight scale and the heatmap sum of one object
func Scale(cov float32) float32 {
	return cov * 2 * math32.Pi
}

// Forward computes the mean weighted squared error and its gradient with
// respect to the logits
func (l CenterLoss) Forward(logits, target heatcount.Tensor) (float64, heatcount.Tensor, error) {

	if !logits.SameShape(target) {
		return 0, heatcount.Tensor{}, fmt.Errorf("heatmap %v vs target %v: %w",
			logits, target, heatcount.ErrShapeMismatch)
	}

	n := logits.Len()
	grad := heatcount.NewTensor(logits.Shape...)

	if n == 0 {
		return 0, grad, nil
	}

	var sum float64
	inv := float32(1) / float32(n)

	for i, z := range logits.Data {
		s := sigmoid(z)
		t := target.Data[i]
		w := 1 + l.Scale*t
		d := s - t

		sum += float64(w * d * d)
		grad.Data[i] = 2 * w * d * s * (1 - s) * inv
	}

	loss := sum / float64(n)

	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, heatcount.Tensor{}, fmt.Errorf("center loss is not finite")
	}

	return loss, grad, nil
}

// sigmoid is the numerically stable logistic function
func sigmoid(z float32) float32 {

	if z >= 0 {
		return 1 / (1 + math32.Exp(-z))
	}

	e := math32.Exp(z)

	return e / (1 + e)
}

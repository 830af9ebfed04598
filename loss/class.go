package loss

import (
	"fmt"

	"github.com/swdee/go-heatcount"
)

// ClassLoss is the softmax cross entropy of per image class logits
// [N, numClasses+1] against the dominant class label of each image
type ClassLoss struct{}

// Compute evaluates the mean cross entropy and accuracy over the batch and
// returns the gradient with respect to the logits
func (l ClassLoss) Compute(pred heatcount.Predictions, b *heatcount.Batch) (Result, heatcount.Predictions, error) {

	logits := pred.Logits
	labels := b.Labels()

	if len(logits.Shape) != 2 || logits.Shape[0] != len(labels) {
		return Result{}, heatcount.Predictions{}, fmt.Errorf("class logits %v for %d labels: %w",
			logits, len(labels), heatcount.ErrShapeMismatch)
	}

	n, k := logits.Shape[0], logits.Shape[1]
	grad := heatcount.NewTensor(logits.Shape...)
	probs := make([]float32, k)
	res := Result{Total: n}

	if n == 0 {
		return res, heatcount.Predictions{Logits: grad}, nil
	}

	var sum float64
	inv := float32(1) / float32(n)

	for i, cls := range labels {
		if cls < 0 || cls >= k {
			return Result{}, heatcount.Predictions{}, fmt.Errorf("label %d outside [0-%d): %w",
				cls, k, heatcount.ErrInvalidAnnotation)
		}

		off := i * k
		lse := softmax(logits.Data, off, 1, probs)
		sum += float64(lse - logits.Data[off+cls])

		best := 0

		for c := 0; c < k; c++ {
			g := probs[c]

			if c == cls {
				g -= 1
			}

			grad.Data[off+c] = g * inv

			if logits.Data[off+c] > logits.Data[off+best] {
				best = c
			}
		}

		if best == cls {
			res.Correct++
		}
	}

	res.Loss = sum / float64(n)

	return res, heatcount.Predictions{Logits: grad}, nil
}

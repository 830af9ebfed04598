package loss

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/swdee/go-heatcount"
)

// MaskLoss is the per cell softmax cross entropy over the background and
// object class channels of the mask head
type MaskLoss struct {
	// Ratio is the weight of background cells, object cells weigh 1
	Ratio float32
}

// Forward computes the weighted mean cross entropy of mask logits
// [N, K, h, w] against the target class ids (N*h*w) and the gradient with
// respect to the logits
func (l MaskLoss) Forward(logits heatcount.Tensor, target []int32) (float64, heatcount.Tensor, error) {

	if len(logits.Shape) != 4 {
		return 0, heatcount.Tensor{}, fmt.Errorf("mask logits %v not NCHW: %w",
			logits, heatcount.ErrShapeMismatch)
	}

	n, k, h, w := logits.Shape[0], logits.Shape[1], logits.Shape[2], logits.Shape[3]
	plane := h * w

	if len(target) != n*plane {
		return 0, heatcount.Tensor{}, fmt.Errorf("mask target %d cells, logits %v: %w",
			len(target), logits, heatcount.ErrShapeMismatch)
	}

	grad := heatcount.NewTensor(logits.Shape...)
	probs := make([]float32, k)

	var sum, weights float64

	for b := 0; b < n; b++ {
		base := b * k * plane

		for i := 0; i < plane; i++ {
			cls := int(target[b*plane+i])

			if cls < 0 || cls >= k {
				return 0, heatcount.Tensor{}, fmt.Errorf("mask class %d outside [0-%d): %w",
					cls, k, heatcount.ErrInvalidAnnotation)
			}

			wt := float32(1)

			if cls == 0 {
				wt = l.Ratio
			}

			lse := softmax(logits.Data, base+i, plane, probs)
			sum += float64(wt * (lse - logits.Data[base+cls*plane+i]))
			weights += float64(wt)

			for c := 0; c < k; c++ {
				g := probs[c]

				if c == cls {
					g -= 1
				}

				grad.Data[base+c*plane+i] = wt * g
			}
		}
	}

	if weights == 0 {
		return 0, grad, nil
	}

	inv := float32(1 / weights)

	for i := range grad.Data {
		grad.Data[i] *= inv
	}

	return sum / weights, grad, nil
}

// softmax writes the probabilities of the K values found at data[off],
// data[off+stride], ... into probs and returns their log-sum-exp
func softmax(data []float32, off, stride int, probs []float32) float32 {

	maxV := data[off]

	for c := 1; c < len(probs); c++ {
		maxV = math32.Max(maxV, data[off+c*stride])
	}

	var total float32

	for c := range probs {
		probs[c] = math32.Exp(data[off+c*stride] - maxV)
		total += probs[c]
	}

	for c := range probs {
		probs[c] /= total
	}

	return maxV + math32.Log(total)
}

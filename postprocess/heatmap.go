// Package postprocess turns predicted heatmaps into object locations and
// counts.
package postprocess

import (
	"fmt"
	"sort"

	"github.com/swdee/go-heatcount"
	"github.com/swdee/go-heatcount/loss"
)

// Peak is a local maximum of a class heatmap, marking an object centre
type Peak struct {
	// Class id starting from 1
	Class int
	// X is the grid column of the peak
	X int
	// Y is the grid row of the peak
	Y int
	// Score is the heatmap value at the peak
	Score float32
}

// ImagePoint returns the peak position in input image pixels
func (p Peak) ImagePoint(stride int) (float32, float32) {
	s := float32(stride)
	return (float32(p.X) + 0.5) * s, (float32(p.Y) + 0.5) * s
}

// CounterParams defines the peak extraction and counting configuration
type CounterParams struct {
	// Threshold is the minimum heatmap value of a peak
	Threshold float32
	// Radius is the neighbourhood in grid cells a peak must dominate
	Radius int
	// Cov is the Gaussian variance the model was trained with
	Cov float32
	// OutputStride of the model, used to map peaks to image pixels
	OutputStride int
}

// CounterDefaultParams returns the settings matching DefaultParams targets
func CounterDefaultParams() CounterParams {
	return CounterParams{
		Threshold:    0.3,
		Radius:       1,
		Cov:          1,
		OutputStride: 8,
	}
}

// Counter extracts object centres and counts from activated heatmaps
type Counter struct {
	// Params are the counting configuration parameters
	Params CounterParams
}

// NewCounter returns an instance of the heatmap post processor
func NewCounter(p CounterParams) *Counter {
	return &Counter{
		Params: p,
	}
}

// FindPeaks returns the local maxima of an activated heatmap [C, h, w] that
// reach the threshold, sorted by descending score.  A cell is a peak when no
// cell of the same class within Radius has a higher value, plateaus keep
// their first cell in row-major order.
func (c *Counter) FindPeaks(hm heatcount.Tensor) ([]Peak, error) {

	if len(hm.Shape) != 3 {
		return nil, fmt.Errorf("expected [C,h,w] heatmap, got %v: %w", hm, heatcount.ErrShapeMismatch)
	}

	classes, h, w := hm.Shape[0], hm.Shape[1], hm.Shape[2]
	rad := c.Params.Radius
	var peaks []Peak

	for k := 0; k < classes; k++ {
		plane := hm.Data[k*h*w : (k+1)*h*w]

		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := plane[y*w+x]

				if v < c.Params.Threshold || !isPeak(plane, w, h, x, y, rad) {
					continue
				}

				peaks = append(peaks, Peak{Class: k + 1, X: x, Y: y, Score: v})
			}
		}
	}

	sort.SliceStable(peaks, func(i, j int) bool {
		return peaks[i].Score > peaks[j].Score
	})

	return peaks, nil
}

// isPeak checks the cell dominates its neighbourhood, earlier cells with an
// equal value win
func isPeak(plane []float32, w, h, x, y, rad int) bool {

	v := plane[y*w+x]

	for yy := max(y-rad, 0); yy <= min(y+rad, h-1); yy++ {
		for xx := max(x-rad, 0); xx <= min(x+rad, w-1); xx++ {
			o := plane[yy*w+xx]
			before := yy < y || (yy == y && xx < x)

			if o > v || (o == v && before) {
				return false
			}
		}
	}

	return true
}

// EstimateCount returns the object count per class of an activated heatmap
// [C, h, w] as the heatmap integral divided by the integral of one object
// Gaussian, 2*pi*cov
func (c *Counter) EstimateCount(hm heatcount.Tensor) ([]float32, error) {

	if len(hm.Shape) != 3 {
		return nil, fmt.Errorf("expected [C,h,w] heatmap, got %v: %w", hm, heatcount.ErrShapeMismatch)
	}

	scale := loss.Scale(c.Params.Cov)
	size := hm.Shape[1] * hm.Shape[2]
	out := make([]float32, hm.Shape[0])

	for k := range out {
		out[k] = float32(loss.Integral(hm.Data[k*size:(k+1)*size], scale))
	}

	return out, nil
}

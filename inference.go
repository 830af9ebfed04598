package heatcount

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Image is a raw 8-bit RGB image with interleaved channels (NHWC layout for a
// single image)
type Image struct {
	// Width of the image in pixels
	Width int
	// Height of the image in pixels
	Height int
	// Pix holds the pixels, 3 bytes per pixel, row-major
	Pix []uint8
}

// ImagesToTensor converts a slice of equally sized RGB images into an NCHW
// tensor with values scaled to [0,1]
func ImagesToTensor(imgs []Image) (Tensor, error) {

	if len(imgs) == 0 {
		return Tensor{}, fmt.Errorf("no images given")
	}

	w := imgs[0].Width
	h := imgs[0].Height
	out := NewTensor(len(imgs), 3, h, w)
	plane := h * w

	for n, img := range imgs {
		if img.Width != w || img.Height != h {
			return Tensor{}, fmt.Errorf("image %d is %dx%d, expected %dx%d: %w",
				n, img.Width, img.Height, w, h, ErrShapeMismatch)
		}

		if len(img.Pix) != plane*3 {
			return Tensor{}, fmt.Errorf("image %d has %d bytes, expected %d: %w",
				n, len(img.Pix), plane*3, ErrShapeMismatch)
		}

		base := n * 3 * plane

		for i := 0; i < plane; i++ {
			out.Data[base+i] = float32(img.Pix[i*3]) / 255
			out.Data[base+plane+i] = float32(img.Pix[i*3+1]) / 255
			out.Data[base+2*plane+i] = float32(img.Pix[i*3+2]) / 255
		}
	}

	return out, nil
}

// Sigmoid returns a new tensor with the logistic function applied
func Sigmoid(t Tensor) Tensor {

	out := NewTensor(t.Shape...)

	for i, v := range t.Data {
		out.Data[i] = 1 / (1 + math32.Exp(-v))
	}

	return out
}

// ArgmaxMask reduces mask logits [N, K, h, w] to the class id of the highest
// scoring channel per cell, returned as N*h*w row-major
func ArgmaxMask(t Tensor) []int32 {

	if len(t.Shape) != 4 {
		return nil
	}

	n, k, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	plane := h * w
	out := make([]int32, n*plane)

	for b := 0; b < n; b++ {
		base := b * k * plane

		for i := 0; i < plane; i++ {
			best := 0
			bestV := t.Data[base+i]

			for c := 1; c < k; c++ {
				if v := t.Data[base+c*plane+i]; v > bestV {
					best = c
					bestV = v
				}
			}

			out[b*plane+i] = int32(best)
		}
	}

	return out
}

// Prediction is the result of running inference, which fields are set depends
// on the training objective of the detector
type Prediction struct {
	// Heatmap holds the sigmoid activated heatmap [N, numClasses, h, w]
	Heatmap Tensor
	// Mask holds the argmax class id per cell, N*h*w
	Mask []int32
	// Logits are the raw class scores [N, numClasses+1]
	Logits Tensor
}

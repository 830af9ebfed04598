// Package render draws heatmap and mask predictions as images for training
// visualisation.
package render

import (
	"fmt"
	"image"
	"image/color"

	"github.com/swdee/go-heatcount"
	"golang.org/x/image/draw"
)

// TensorToRGBA converts an image tensor [3, H, W] with values in [0,1] into
// an RGBA image
func TensorToRGBA(t heatcount.Tensor) (*image.RGBA, error) {

	if len(t.Shape) != 3 || t.Shape[0] != 3 {
		return nil, fmt.Errorf("expected [3,H,W] image, got %v: %w", t, heatcount.ErrShapeMismatch)
	}

	h, w := t.Shape[1], t.Shape[2]
	plane := h * w
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	for i := 0; i < plane; i++ {
		img.Pix[i*4] = toByte(t.Data[i])
		img.Pix[i*4+1] = toByte(t.Data[plane+i])
		img.Pix[i*4+2] = toByte(t.Data[2*plane+i])
		img.Pix[i*4+3] = 255
	}

	return img, nil
}

// toByte converts a [0,1] value to 8 bits with clipping
func toByte(v float32) uint8 {

	if v <= 0 {
		return 0
	}

	if v >= 1 {
		return 255
	}

	return uint8(v*255 + 0.5)
}

// HeatmapToRGB paints an activated heatmap [numClasses, h, w] scaled to size.
// Each cell takes the color of its strongest class multiplied by that class
// value, so background cells are black.
func HeatmapToRGB(hm heatcount.Tensor, size image.Point) (*image.RGBA, error) {

	if len(hm.Shape) != 3 {
		return nil, fmt.Errorf("expected [C,h,w] heatmap, got %v: %w", hm, heatcount.ErrShapeMismatch)
	}

	c, h, w := hm.Shape[0], hm.Shape[1], hm.Shape[2]
	plane := h * w
	small := image.NewRGBA(image.Rect(0, 0, w, h))

	for i := 0; i < plane; i++ {
		best := 0
		bestV := hm.Data[i]

		for k := 1; k < c; k++ {
			if v := hm.Data[k*plane+i]; v > bestV {
				best, bestV = k, v
			}
		}

		clr := ClassColor(best + 1)
		small.SetRGBA(i%w, i/w, color.RGBA{
			R: toByte(float32(clr.R) / 255 * bestV),
			G: toByte(float32(clr.G) / 255 * bestV),
			B: toByte(float32(clr.B) / 255 * bestV),
			A: 255,
		})
	}

	return scale(small, size, draw.BiLinear), nil
}

// MaskToRGB paints a class mask of w x h cells scaled to size, background
// cells are black
func MaskToRGB(mask []int32, w, h int, size image.Point) (*image.RGBA, error) {

	if len(mask) != w*h {
		return nil, fmt.Errorf("mask of %d cells for %dx%d: %w", len(mask), w, h, heatcount.ErrShapeMismatch)
	}

	small := image.NewRGBA(image.Rect(0, 0, w, h))

	for i, cls := range mask {
		small.SetRGBA(i%w, i/w, ClassColor(int(cls)))
	}

	return scale(small, size, draw.NearestNeighbor), nil
}

// scale resizes img to size with the given interpolator
func scale(img image.Image, size image.Point, interp draw.Interpolator) *image.RGBA {

	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))

	if img.Bounds().Size() == size {
		draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
		return dst
	}

	interp.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	return dst
}

// Resize scales an image to size bilinearly
func Resize(img image.Image, size image.Point) *image.RGBA {
	return scale(img, size, draw.BiLinear)
}

// Overlay blends the painted rgb image over img as clip((rgb + img) / 2),
// both images must have the same bounds
func Overlay(img, rgb *image.RGBA) (*image.RGBA, error) {

	if img.Bounds() != rgb.Bounds() {
		return nil, fmt.Errorf("overlay %v onto %v: %w", rgb.Bounds(), img.Bounds(),
			heatcount.ErrShapeMismatch)
	}

	out := image.NewRGBA(img.Bounds())

	for i := range out.Pix {
		if i%4 == 3 {
			out.Pix[i] = 255
			continue
		}

		out.Pix[i] = uint8((uint16(img.Pix[i]) + uint16(rgb.Pix[i]) + 1) / 2)
	}

	return out, nil
}

// MaskOverlay renders the mask classes as a transparent layer over the whole
// image, alpha is the opacity of the class colors
func MaskOverlay(img *image.RGBA, mask []int32, w, h int, alpha float32) error {

	b := img.Bounds()
	layer, err := MaskToRGB(mask, w, h, b.Size())

	if err != nil {
		return err
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			// background cells are left untouched
			cx := x * w / b.Dx()
			cy := y * h / b.Dy()

			if mask[cy*w+cx] == 0 {
				continue
			}

			src := img.RGBAAt(b.Min.X+x, b.Min.Y+y)
			clr := layer.RGBAAt(x, y)

			img.SetRGBA(b.Min.X+x, b.Min.Y+y, color.RGBA{
				R: uint8(float32(src.R)*(1-alpha) + float32(clr.R)*alpha),
				G: uint8(float32(src.G)*(1-alpha) + float32(clr.G)*alpha),
				B: uint8(float32(src.B)*(1-alpha) + float32(clr.B)*alpha),
				A: 255,
			})
		}
	}

	return nil
}

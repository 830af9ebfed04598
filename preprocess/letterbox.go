// Package preprocess prepares camera or file images for a heatcount model,
// converting gocv Mats into model input and mapping annotations through the
// letterbox resize.
package preprocess

import (
	"image"
	"image/color"

	"github.com/swdee/go-heatcount"
	"gocv.io/x/gocv"
)

// Letterbox fits images of one source size into the square or rectangular
// input of a model without distorting them.  The image is scaled by a single
// factor so its longer side fills the input, and the remaining border is
// padded.
type Letterbox struct {
	// src is the size of the images fed in
	src image.Point
	// dst is the model input size
	dst image.Point
	// content is the region of dst covered by the scaled image
	content image.Rectangle
	// scale maps source pixels to model input pixels
	scale float32
	// scaled holds the image between scaling and padding
	scaled gocv.Mat
	// Pad is the color of the border
	Pad color.RGBA
}

// NewLetterbox returns a Letterbox mapping src sized images onto a dst sized
// model input
func NewLetterbox(src, dst image.Point) *Letterbox {

	fx := float32(dst.X) / float32(src.X)
	fy := float32(dst.Y) / float32(src.Y)

	l := &Letterbox{
		src:    src,
		dst:    dst,
		scaled: gocv.NewMat(),
		Pad:    color.RGBA{A: 255},
	}

	size := dst

	// the side with the smaller factor fills the input exactly
	if fx < fy {
		l.scale = fx
		size.Y = int(float32(src.Y) * fx)
	} else {
		l.scale = fy
		size.X = int(float32(src.X) * fy)
	}

	offset := dst.Sub(size).Div(2)
	l.content = image.Rectangle{Min: offset, Max: offset.Add(size)}

	return l
}

// Close frees the intermediate Mat
func (l *Letterbox) Close() error {
	return l.scaled.Close()
}

// Scale returns the factor from source to model input pixels
func (l *Letterbox) Scale() float32 {
	return l.scale
}

// Content returns the region of the model input covered by the image, its
// Min is the left and top padding
func (l *Letterbox) Content() image.Rectangle {
	return l.content
}

// Resize scales src into the content region of dst and pads the border
func (l *Letterbox) Resize(src gocv.Mat, dst *gocv.Mat) {

	gocv.Resize(src, &l.scaled, l.content.Size(), 0, 0, gocv.InterpolationArea)

	gocv.CopyMakeBorder(l.scaled, dst,
		l.content.Min.Y, l.dst.Y-l.content.Max.Y,
		l.content.Min.X, l.dst.X-l.content.Max.X,
		gocv.BorderConstant, l.Pad)
}

// Prepare letterboxes a BGR Mat and returns its RGB pixels ready for
// prediction
func (l *Letterbox) Prepare(src gocv.Mat) (heatcount.Image, error) {

	dst := gocv.NewMat()
	defer dst.Close()

	l.Resize(src, &dst)

	return MatToImage(dst)
}

// Annotations maps boxes from source image coordinates onto the model input
func (l *Letterbox) Annotations(annos []heatcount.Annotation) []heatcount.Annotation {

	out := make([]heatcount.Annotation, len(annos))
	ox := float32(l.content.Min.X)
	oy := float32(l.content.Min.Y)

	for i, a := range annos {
		out[i] = heatcount.Annotation{
			Class: a.Class,
			XMin:  a.XMin*l.scale + ox,
			YMin:  a.YMin*l.scale + oy,
			XMax:  a.XMax*l.scale + ox,
			YMax:  a.YMax*l.scale + oy,
		}
	}

	return out
}

// ToSource maps a point of the model input, such as a heatmap peak scaled up
// by the output stride, back to source image coordinates
func (l *Letterbox) ToSource(x, y float32) (float32, float32) {
	return (x - float32(l.content.Min.X)) / l.scale, (y - float32(l.content.Min.Y)) / l.scale
}

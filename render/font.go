package render

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

type Alignment int

const (
	Left   Alignment = 1
	Center Alignment = 2
	Right  Alignment = 3
)

// Font defines the parameters for rendering text labels on an image
type Font struct {
	// Face is the font face to render with
	Face font.Face
	// Color of the text
	Color color.RGBA
	// Background behind the text, transparent to draw no box
	Background color.RGBA
	// Padding to place around text
	LeftPad   int
	RightPad  int
	TopPad    int
	BottomPad int
	// Alignment of the text label to the image width
	Alignment Alignment
}

// DefaultFont returns default font settings
func DefaultFont() Font {
	return Font{
		Face:       basicfont.Face7x13,
		Color:      White,
		Background: Black,
		LeftPad:    2,
		RightPad:   2,
		TopPad:     1,
		BottomPad:  2,
		Alignment:  Left,
	}
}

// Label writes text along the top edge of img
func Label(img draw.Image, text string, f Font) {

	if text == "" {
		return
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(f.Color),
		Face: f.Face,
	}

	bounds := img.Bounds()
	width := d.MeasureString(text).Ceil()
	metrics := f.Face.Metrics()
	ascent := metrics.Ascent.Ceil()
	height := metrics.Height.Ceil()

	x := bounds.Min.X + f.LeftPad

	switch f.Alignment {
	case Center:
		x = bounds.Min.X + (bounds.Dx()-width)/2
	case Right:
		x = bounds.Max.X - width - f.RightPad
	}

	if f.Background.A > 0 {
		box := image.Rect(x-f.LeftPad, bounds.Min.Y,
			x+width+f.RightPad, bounds.Min.Y+f.TopPad+height+f.BottomPad)
		draw.Draw(img, box.Intersect(bounds), image.NewUniform(f.Background), image.Point{}, draw.Src)
	}

	d.Dot = fixed.P(x, bounds.Min.Y+f.TopPad+ascent)
	d.DrawString(text)
}

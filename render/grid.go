package render

import (
	"fmt"
	"image"
	"image/png"
	"os"

	"golang.org/x/image/draw"
)

// Grid tiles equally sized images into rows of cols tiles separated and
// surrounded by pad pixels of black
func Grid(tiles []*image.RGBA, cols, pad int) *image.RGBA {

	if len(tiles) == 0 {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}

	if cols < 1 || cols > len(tiles) {
		cols = len(tiles)
	}

	rows := (len(tiles) + cols - 1) / cols
	tw := tiles[0].Bounds().Dx()
	th := tiles[0].Bounds().Dy()

	out := image.NewRGBA(image.Rect(0, 0, cols*(tw+pad)+pad, rows*(th+pad)+pad))
	draw.Draw(out, out.Bounds(), image.NewUniform(Black), image.Point{}, draw.Src)

	for i, t := range tiles {
		x := pad + (i%cols)*(tw+pad)
		y := pad + (i/cols)*(th+pad)
		draw.Draw(out, image.Rect(x, y, x+tw, y+th), t, t.Bounds().Min, draw.Src)
	}

	return out
}

// SavePNG writes the image to a PNG file
func SavePNG(file string, img image.Image) error {

	f, err := os.Create(file)

	if err != nil {
		return fmt.Errorf("error creating file: %w", err)
	}

	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("error encoding png: %w", err)
	}

	return f.Close()
}

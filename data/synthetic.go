package data

import (
	"fmt"
	"image"
	"math/rand"

	"github.com/swdee/go-heatcount"
	"github.com/swdee/go-heatcount/render"
	"golang.org/x/image/draw"
)

// SyntheticParams defines the generated images of a Synthetic source
type SyntheticParams struct {
	// N is the number of records
	N int
	// Width of the images
	Width int
	// Height of the images
	Height int
	// NumClasses is the number of object classes
	NumClasses int
	// MinObjects per image
	MinObjects int
	// MaxObjects per image
	MaxObjects int
	// MinSize is the smallest box side in pixels
	MinSize int
	// MaxSize is the largest box side in pixels
	MaxSize int
	// Seed makes the records reproducible
	Seed int64
}

// SyntheticDefaultParams returns settings for small 64x64 scenes with up to
// four objects
func SyntheticDefaultParams(n, numClasses int) SyntheticParams {
	return SyntheticParams{
		N:          n,
		Width:      64,
		Height:     64,
		NumClasses: numClasses,
		MinObjects: 1,
		MaxObjects: 4,
		MinSize:    8,
		MaxSize:    20,
		Seed:       1,
	}
}

// Synthetic is a Source of images showing filled rectangles drawn in the
// colour of their class over a dark noisy background.  Record i is always
// generated from the same random stream so the source needs no storage.
type Synthetic struct {
	// params of the generated images
	params SyntheticParams
}

// NewSynthetic returns a synthetic source
func NewSynthetic(p SyntheticParams) (*Synthetic, error) {

	if p.N < 1 || p.NumClasses < 1 || p.MinObjects < 0 || p.MaxObjects < p.MinObjects {
		return nil, fmt.Errorf("invalid synthetic params %+v", p)
	}

	if p.MinSize < 1 || p.MaxSize < p.MinSize || p.MaxSize > p.Width || p.MaxSize > p.Height {
		return nil, fmt.Errorf("invalid synthetic box size range %d-%d for %dx%d",
			p.MinSize, p.MaxSize, p.Width, p.Height)
	}

	return &Synthetic{params: p}, nil
}

// Len returns the number of records
func (s *Synthetic) Len() int {
	return s.params.N
}

// Record renders record i
func (s *Synthetic) Record(i int) (Record, error) {

	if i < 0 || i >= s.params.N {
		return Record{}, fmt.Errorf("record %d out of range [0-%d)", i, s.params.N)
	}

	p := s.params
	r := rand.New(rand.NewSource(p.Seed*1_000_003 + int64(i)))

	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))

	for j := 0; j < len(img.Pix); j += 4 {
		v := uint8(r.Intn(32))
		img.Pix[j], img.Pix[j+1], img.Pix[j+2], img.Pix[j+3] = v, v, v, 255
	}

	num := p.MinObjects

	if p.MaxObjects > p.MinObjects {
		num += r.Intn(p.MaxObjects - p.MinObjects + 1)
	}

	annos := make([]heatcount.Annotation, 0, num)

	for j := 0; j < num; j++ {
		w := p.MinSize + r.Intn(p.MaxSize-p.MinSize+1)
		h := p.MinSize + r.Intn(p.MaxSize-p.MinSize+1)
		x := r.Intn(p.Width - w + 1)
		y := r.Intn(p.Height - h + 1)
		class := 1 + r.Intn(p.NumClasses)

		c := render.ClassColor(class)
		c.A = 255

		draw.Draw(img, image.Rect(x, y, x+w, y+h), &image.Uniform{C: c}, image.Point{}, draw.Src)

		annos = append(annos, heatcount.Annotation{
			Class: class,
			XMin:  float32(x),
			YMin:  float32(y),
			XMax:  float32(x + w),
			YMax:  float32(y + h),
		})
	}

	t, err := RGBAToTensor(img)

	if err != nil {
		return Record{}, err
	}

	return Record{Image: t, Annotations: annos}, nil
}

// RGBAToTensor converts an image into a CHW tensor with values in [0,1]
func RGBAToTensor(img *image.RGBA) (heatcount.Tensor, error) {

	b := img.Bounds()
	out := heatcount.Image{
		Width:  b.Dx(),
		Height: b.Dy(),
		Pix:    make([]uint8, 0, b.Dx()*b.Dy()*3),
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			out.Pix = append(out.Pix, c.R, c.G, c.B)
		}
	}

	t, err := heatcount.ImagesToTensor([]heatcount.Image{out})

	if err != nil {
		return heatcount.Tensor{}, err
	}

	return t.Sample(0), nil
}

package data

import (
	"fmt"

	"github.com/swdee/go-heatcount"
	"github.com/swdee/go-heatcount/preprocess"
)

// Resize returns a Transform that bilinearly resizes the record image to
// width x height and scales the annotation boxes with it
func Resize(width, height int) Transform {
	return func(r Record) (Record, error) {

		if len(r.Image.Shape) != 3 {
			return Record{}, fmt.Errorf("expected CHW image, got %v: %w",
				r.Image, heatcount.ErrShapeMismatch)
		}

		srcH := r.Image.Shape[1]
		srcW := r.Image.Shape[2]

		if srcW == width && srcH == height {
			return r, nil
		}

		sx := float32(width) / float32(srcW)
		sy := float32(height) / float32(srcH)

		annos := make([]heatcount.Annotation, len(r.Annotations))

		for i, a := range r.Annotations {
			annos[i] = heatcount.Annotation{
				Class: a.Class,
				XMin:  a.XMin * sx,
				YMin:  a.YMin * sy,
				XMax:  a.XMax * sx,
				YMax:  a.YMax * sy,
			}
		}

		img, err := preprocess.ResizeTensor(r.Image, width, height)

		if err != nil {
			return Record{}, fmt.Errorf("error resizing record image: %w", err)
		}

		return Record{
			Image:       img,
			Annotations: annos,
		}, nil
	}
}

package detector

import (
	"fmt"
	"image"

	"github.com/swdee/go-heatcount"
	"github.com/swdee/go-heatcount/metrics"
	"github.com/swdee/go-heatcount/postprocess"
	"github.com/swdee/go-heatcount/render"
)

// gridCols is the number of tiles per row of a validation grid
const gridCols = 8

// drawHeatmaps renders each image overlaid with its heatmap at size and
// tiles them into a grid.  When counts is given each tile is labelled with
// the count of its sample.
func drawHeatmaps(imgs, hms heatcount.Tensor, counts []string, size image.Point) (*image.RGBA, error) {

	tiles := make([]*image.RGBA, imgs.Dim(0))

	for i := range tiles {
		img, err := render.TensorToRGBA(imgs.Sample(i))

		if err != nil {
			return nil, err
		}

		rgb, err := render.HeatmapToRGB(hms.Sample(i), size)

		if err != nil {
			return nil, err
		}

		if tiles[i], err = render.Overlay(render.Resize(img, size), rgb); err != nil {
			return nil, err
		}

		if i < len(counts) {
			render.Label(tiles[i], counts[i], render.DefaultFont())
		}
	}

	return render.Grid(tiles, gridCols, 2), nil
}

// drawMasks renders each image overlaid with its mask of w x h cells at size
// and tiles them into a grid
func drawMasks(imgs heatcount.Tensor, masks []int32, w, h int, size image.Point) (*image.RGBA, error) {

	n := imgs.Dim(0)

	if len(masks) != n*w*h {
		return nil, fmt.Errorf("%d mask cells for %d images of %dx%d: %w",
			len(masks), n, w, h, heatcount.ErrShapeMismatch)
	}

	tiles := make([]*image.RGBA, n)

	for i := range tiles {
		img, err := render.TensorToRGBA(imgs.Sample(i))

		if err != nil {
			return nil, err
		}

		rgb, err := render.MaskToRGB(masks[i*w*h:(i+1)*w*h], w, h, size)

		if err != nil {
			return nil, err
		}

		if tiles[i], err = render.Overlay(render.Resize(img, size), rgb); err != nil {
			return nil, err
		}
	}

	return render.Grid(tiles, gridCols, 2), nil
}

// logImages writes the predicted and ground truth heatmap and mask grids of
// a validation pass
func (d *Detector) logImages(w metrics.Writer, v Validation, epoch int) error {

	if v.Images.Empty() || v.PredHeatmaps.Empty() || len(v.PredMasks) == 0 ||
		len(v.GTHeatmaps.Shape) != 4 {
		return nil
	}

	size := d.cfg.LogSize
	gh, gw := v.GTHeatmaps.Shape[2], v.GTHeatmaps.Shape[3]

	counter := postprocess.NewCounter(postprocess.CounterParams{
		Cov:          d.cfg.Cov,
		OutputStride: d.cfg.OutputStride,
	})

	predCounts := make([]string, v.Images.Dim(0))
	gtCounts := make([]string, len(predCounts))

	for i := range predCounts {
		est, err := counter.EstimateCount(v.PredHeatmaps.Sample(i))

		if err != nil {
			return err
		}

		var sum float32

		for _, c := range est {
			sum += c
		}

		predCounts[i] = fmt.Sprintf("%.1f", sum)

		if i < len(v.Counts) {
			gtCounts[i] = fmt.Sprintf("%d", v.Counts[i])
		}
	}

	grids := []struct {
		tag  string
		draw func() (*image.RGBA, error)
	}{
		{"Pred HM", func() (*image.RGBA, error) {
			return drawHeatmaps(v.Images, v.PredHeatmaps, predCounts, size)
		}},
		{"GT HM", func() (*image.RGBA, error) {
			return drawHeatmaps(v.Images, v.GTHeatmaps, gtCounts, size)
		}},
		{"Pred Mask", func() (*image.RGBA, error) {
			return drawMasks(v.Images, v.PredMasks, gw, gh, size)
		}},
		{"GT Mask", func() (*image.RGBA, error) {
			return drawMasks(v.Images, v.GTMasks, gw, gh, size)
		}},
	}

	for _, g := range grids {
		img, err := g.draw()

		if err != nil {
			return fmt.Errorf("drawing %s: %w", g.tag, err)
		}

		if err := w.AddImage(g.tag, img, epoch); err != nil {
			return err
		}
	}

	return nil
}

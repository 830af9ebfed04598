package main

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/swdee/go-heatcount"
	"github.com/swdee/go-heatcount/detector"
	"github.com/swdee/go-heatcount/model"
	"github.com/swdee/go-heatcount/postprocess"
	"github.com/swdee/go-heatcount/preprocess"
	"github.com/swdee/go-heatcount/render"
	"gocv.io/x/gocv"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("predict", "Count objects in an image with a trained checkpoint")
	ckptFile := parser.String("m", "model", &argparse.Options{Help: "Checkpoint file", Required: true})
	imgFile := parser.String("i", "input", &argparse.Options{Help: "Image file to run prediction on", Required: true})
	labelFile := parser.String("l", "labels", &argparse.Options{Help: "Class names file, one per line", Default: ""})
	size := parser.Int("s", "size", &argparse.Options{Help: "Input width and height the model was trained at", Default: 64})
	threshold := parser.Float("t", "threshold", &argparse.Options{Help: "Minimum heatmap peak score", Default: 0.3})
	outFile := parser.String("o", "output", &argparse.Options{Help: "Write the heatmap overlay to this image file", Default: ""})
	maskAlpha := parser.Float("a", "mask-alpha", &argparse.Options{Help: "Opacity of the class mask drawn on the overlay, 0 disables it", Default: 0.4})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	hdr, err := detector.ReadCheckpointHeader(*ckptFile)
	check(err)

	m, err := model.New(hdr.Model, 0)
	check(err)

	cfg := detector.DefaultConfig(hdr.Model.NumClasses)
	cfg.OutputStride = hdr.Model.OutputStride

	// checkpoints record the cov their targets were rendered with
	if hdr.Target.Cov > 0 {
		cfg.Cov = hdr.Target.Cov
		cfg.MaskRadius = hdr.Target.MaskRadius
	}
	cfg.CheckpointDir = filepath.Dir(*ckptFile)

	det, err := detector.New(m, nil, nil, detector.NewHeatmapObjective(cfg.Cov), cfg, logger)
	check(err)
	defer det.Close()

	_, err = det.LoadModel(*ckptFile)
	check(err)

	var labels []string

	if *labelFile != "" {
		labels, err = heatcount.LoadLabels(*labelFile)
		check(err)
	}

	// load image and letterbox it to the training size
	src := gocv.IMRead(*imgFile, gocv.IMReadColor)

	if src.Empty() {
		logger.Errorf("Error reading image from: %v", *imgFile)
		os.Exit(1)
	}

	defer src.Close()

	lb := preprocess.NewLetterbox(image.Pt(src.Cols(), src.Rows()), image.Pt(*size, *size))
	defer lb.Close()

	img, err := lb.Prepare(src)
	check(err)

	pred, err := det.Predict([]heatcount.Image{img})
	check(err)

	hm := pred.Heatmap.Sample(0)

	counter := postprocess.NewCounter(postprocess.CounterParams{
		Threshold:    float32(*threshold),
		Radius:       1,
		Cov:          cfg.Cov,
		OutputStride: cfg.OutputStride,
	})

	peaks, err := counter.FindPeaks(hm)
	check(err)

	counts, err := counter.EstimateCount(hm)
	check(err)

	for _, p := range peaks {
		x, y := lb.ToSource(p.ImagePoint(cfg.OutputStride))
		logger.Infof("%v @ (%.0f,%.0f) score %.3f", heatcount.ClassName(labels, p.Class), x, y, p.Score)
	}

	for i, c := range counts {
		logger.Infof("%v: %d peaks, estimated count %.2f", heatcount.ClassName(labels, i+1),
			countPeaks(peaks, i+1), c)
	}

	if *outFile == "" {
		return
	}

	x, err := heatcount.ImagesToTensor([]heatcount.Image{img})
	check(err)

	base, err := render.TensorToRGBA(x.Sample(0))
	check(err)

	rgb, err := render.HeatmapToRGB(hm, image.Pt(*size, *size))
	check(err)

	out, err := render.Overlay(base, rgb)
	check(err)

	if *maskAlpha > 0 {
		h, w := pred.Heatmap.Shape[2], pred.Heatmap.Shape[3]
		err = render.MaskOverlay(out, pred.Mask[:w*h], w, h, float32(*maskAlpha))
		check(err)
	}

	render.Label(out, fmt.Sprintf("%d objects", len(peaks)), render.DefaultFont())

	err = preprocess.SaveImage(*outFile, out)
	check(err)

	logger.Infof("Saved overlay to %v", *outFile)
}

func countPeaks(peaks []postprocess.Peak, class int) int {
	n := 0
	for _, p := range peaks {
		if p.Class == class {
			n++
		}
	}
	return n
}

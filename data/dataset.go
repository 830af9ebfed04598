// Package data turns annotated images into batches of training samples.  A
// Source yields raw records, a TransformDataset resizes them and generates the
// heatmap and mask targets, and a Loader assembles samples into batches with
// a worker pool.
package data

import (
	"fmt"

	"github.com/swdee/go-heatcount"
	"github.com/swdee/go-heatcount/target"
)

// Record is an image with its bounding box annotations
type Record struct {
	// Image is the image tensor [3, H, W] with values in [0,1]
	Image heatcount.Tensor
	// Annotations are the objects in image coordinates
	Annotations []heatcount.Annotation
}

// Source provides raw records by index
type Source interface {
	// Len returns the number of records
	Len() int
	// Record returns record i
	Record(i int) (Record, error)
}

// Dataset provides training samples by index, it must be safe for concurrent
// use by the Loader workers
type Dataset interface {
	// Len returns the number of samples
	Len() int
	// Get returns sample i
	Get(i int) (heatcount.Sample, error)
}

// Transform modifies a record, eg: resizing the image and its annotations
type Transform func(Record) (Record, error)

// TargetFunc turns a record into a sample with targets
type TargetFunc func(Record) (heatcount.Sample, error)

// GenerateTargets returns the TargetFunc building heatmap, mask, count and
// label targets with the generator
func GenerateTargets(g *target.Generator) TargetFunc {
	return func(r Record) (heatcount.Sample, error) {
		return g.Generate(r.Image, r.Annotations)
	}
}

// TransformDataset applies a chain of transforms to each source record
// followed by target generation
type TransformDataset struct {
	// src provides the records
	src Source
	// transforms applied in order
	transforms []Transform
	// targets builds the final sample
	targets TargetFunc
}

// NewTransformDataset returns a Dataset over src
func NewTransformDataset(src Source, targets TargetFunc, transforms ...Transform) *TransformDataset {
	return &TransformDataset{
		src:        src,
		transforms: transforms,
		targets:    targets,
	}
}

// Len returns the number of source records
func (d *TransformDataset) Len() int {
	return d.src.Len()
}

// Get loads record i, transforms it and generates its targets
func (d *TransformDataset) Get(i int) (heatcount.Sample, error) {

	rec, err := d.src.Record(i)

	if err != nil {
		return heatcount.Sample{}, fmt.Errorf("record %d: %w", i, err)
	}

	for _, t := range d.transforms {
		if rec, err = t(rec); err != nil {
			return heatcount.Sample{}, fmt.Errorf("record %d transform: %w", i, err)
		}
	}

	s, err := d.targets(rec)

	if err != nil {
		return heatcount.Sample{}, fmt.Errorf("record %d targets: %w", i, err)
	}

	return s, nil
}

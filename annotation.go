package heatcount

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
)

// ErrInvalidAnnotation is returned when a bounding box annotation can not be
// turned into training targets
var ErrInvalidAnnotation = errors.New("invalid annotation")

// Annotation is a single labelled bounding box in image coordinates
type Annotation struct {
	// Class is the object class id starting from 1, 0 is reserved for the
	// mask background
	Class int `json:"class"`
	// XMin is the left edge of the box
	XMin float32 `json:"xmin"`
	// YMin is the top edge of the box
	YMin float32 `json:"ymin"`
	// XMax is the right edge of the box
	XMax float32 `json:"xmax"`
	// YMax is the bottom edge of the box
	YMax float32 `json:"ymax"`
}

// Center returns the box centroid
func (a Annotation) Center() (float32, float32) {
	return (a.XMin + a.XMax) / 2, (a.YMin + a.YMax) / 2
}

// Width of the box
func (a Annotation) Width() float32 {
	return a.XMax - a.XMin
}

// Height of the box
func (a Annotation) Height() float32 {
	return a.YMax - a.YMin
}

// Validate checks the class id is in the range [1, numClasses] and that the
// coordinates are finite and ordered
func (a Annotation) Validate(numClasses int) error {

	if a.Class < 1 || a.Class > numClasses {
		return fmt.Errorf("class id %d out of range [1-%d]: %w",
			a.Class, numClasses, ErrInvalidAnnotation)
	}

	for _, v := range []float32{a.XMin, a.YMin, a.XMax, a.YMax} {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return fmt.Errorf("non-finite coordinate in box %v: %w", a, ErrInvalidAnnotation)
		}
	}

	if a.XMax < a.XMin || a.YMax < a.YMin {
		return fmt.Errorf("inverted box %v: %w", a, ErrInvalidAnnotation)
	}

	return nil
}

// String returns the annotation in readable form
func (a Annotation) String() string {
	return fmt.Sprintf("class=%d (%.1f,%.1f)-(%.1f,%.1f)",
		a.Class, a.XMin, a.YMin, a.XMax, a.YMax)
}

// Sample is a single training example with its generated targets
type Sample struct {
	// Image is the input image tensor [3, H, W] with values in [0,1]
	Image Tensor
	// Heatmap is the Gaussian target [numClasses, h, w]
	Heatmap Tensor
	// Mask holds the class id of each output cell, row-major h*w
	Mask []int32
	// Count is the number of annotated objects
	Count int
	// Label is the dominant class of the image, used by classifier training
	Label int
}

package heatcount

import (
	"errors"
	"fmt"
)

// ErrBatchFull is returned when adding to a batch that has reached its size
var ErrBatchFull = errors.New("batch full")

// BatchShape defines the dimensions of every sample held in a Batch
type BatchShape struct {
	// Channels of the input image
	Channels int
	// Height of the input image
	Height int
	// Width of the input image
	Width int
	// NumClasses is the number of heatmap channels
	NumClasses int
	// OutHeight is the height of the heatmap and mask grid
	OutHeight int
	// OutWidth is the width of the heatmap and mask grid
	OutWidth int
}

// Batch defines a struct used for stacking a batch of Samples together into
// aligned contiguous tensors for use with a Model
type Batch struct {
	// images is the stacked input tensor [N, C, H, W]
	images Tensor
	// heatmaps is the stacked heatmap target [N, numClasses, h, w]
	heatmaps Tensor
	// masks is the stacked mask target N*h*w
	masks []int32
	// counts holds the number of objects per sample
	counts []int
	// labels holds the dominant class per sample
	labels []int
	// size of the batch
	size int
	// shape of each sample
	shape BatchShape
	// cnt is a counter for how many samples have been added with Add()
	cnt int
	// imgSize stores an images size made up from its elements
	imgSize int
	// hmSize stores a heatmaps size made up from its elements
	hmSize int
	// maskSize stores a masks size made up from its elements
	maskSize int
}

// NewBatch creates a batch of stacked samples for the given sample shape and
// batch size
func NewBatch(batchSize int, shape BatchShape) *Batch {

	return &Batch{
		size:     batchSize,
		shape:    shape,
		images:   NewTensor(batchSize, shape.Channels, shape.Height, shape.Width),
		heatmaps: NewTensor(batchSize, shape.NumClasses, shape.OutHeight, shape.OutWidth),
		masks:    make([]int32, batchSize*shape.OutHeight*shape.OutWidth),
		counts:   make([]int, batchSize),
		labels:   make([]int, batchSize),
		cnt:      0,
		imgSize:  shape.Channels * shape.Height * shape.Width,
		hmSize:   shape.NumClasses * shape.OutHeight * shape.OutWidth,
		maskSize: shape.OutHeight * shape.OutWidth,
	}
}

// Add a Sample to the batch
func (b *Batch) Add(s Sample) error {

	// check if batch is full
	if b.cnt >= b.size {
		return ErrBatchFull
	}

	err := b.addAt(b.cnt, s)

	if err != nil {
		return err
	}

	// increment sample counter
	b.cnt++
	return nil
}

// AddAt adds a Sample to the batch at the specific index location
func (b *Batch) AddAt(idx int, s Sample) error {

	if idx < 0 || idx >= b.size {
		return fmt.Errorf("index %d out of range [0-%d)", idx, b.size)
	}

	err := b.addAt(idx, s)

	if err != nil {
		return err
	}

	if idx >= b.cnt {
		b.cnt = idx + 1
	}

	return nil
}

// addAt copies the sample into the specified index location
func (b *Batch) addAt(idx int, s Sample) error {

	// validate sample dimensions
	if s.Image.Len() != b.imgSize || s.Heatmap.Len() != b.hmSize ||
		len(s.Mask) != b.maskSize {
		return fmt.Errorf("sample image %v heatmap %v mask %d does not match batch: %w",
			s.Image, s.Heatmap, len(s.Mask), ErrShapeMismatch)
	}

	copy(b.images.Data[idx*b.imgSize:], s.Image.Data)
	copy(b.heatmaps.Data[idx*b.hmSize:], s.Heatmap.Data)
	copy(b.masks[idx*b.maskSize:], s.Mask)
	b.counts[idx] = s.Count
	b.labels[idx] = s.Label

	return nil
}

// Len returns the number of samples added to the batch
func (b *Batch) Len() int {
	return b.cnt
}

// Size returns the capacity of the batch
func (b *Batch) Size() int {
	return b.size
}

// Shape returns the per sample dimensions
func (b *Batch) Shape() BatchShape {
	return b.shape
}

// Images returns the stacked image tensor of the added samples
func (b *Batch) Images() Tensor {
	return b.images.Slice(0, b.cnt)
}

// Heatmaps returns the stacked heatmap targets of the added samples
func (b *Batch) Heatmaps() Tensor {
	return b.heatmaps.Slice(0, b.cnt)
}

// Masks returns the stacked mask targets of the added samples
func (b *Batch) Masks() []int32 {
	return b.masks[:b.cnt*b.maskSize]
}

// Counts returns the object counts of the added samples
func (b *Batch) Counts() []int {
	return b.counts[:b.cnt]
}

// Labels returns the dominant class of the added samples
func (b *Batch) Labels() []int {
	return b.labels[:b.cnt]
}

// Clear the batch so it can be reused again
func (b *Batch) Clear() {
	// just reset the counter, we don't need to clear the underlying buffers
	// as they will be overwritten when Add() is called with new samples
	b.cnt = 0
}

package heatcount

import (
	"fmt"
)

// Param is a single trainable parameter of a Model.  Value and Grad share the
// same flattened layout described by Shape.
type Param struct {
	// Name uniquely identifies the parameter within its model
	Name string
	// Shape of the parameter
	Shape []int
	// Value holds the current weights
	Value []float64
	// Grad accumulates the gradient of the loss with respect to Value
	Grad []float64
}

// NewParam allocates a zeroed parameter and gradient buffer
func NewParam(name string, shape ...int) *Param {

	size := 1

	for _, d := range shape {
		size *= d
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Param{
		Name:  name,
		Shape: s,
		Value: make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// ZeroGrad clears the accumulated gradient
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Predictions are the raw outputs of a forward pass.  A model may leave any
// head empty if it does not produce it.
type Predictions struct {
	// Heatmap logits [N, numClasses, h, w]
	Heatmap Tensor
	// Mask logits [N, numClasses+1, h, w], channel 0 is background
	Mask Tensor
	// Logits are per image class scores [N, numClasses+1]
	Logits Tensor
}

// Slice returns the predictions of samples [from, to)
func (p Predictions) Slice(from, to int) Predictions {

	var out Predictions

	if !p.Heatmap.Empty() {
		out.Heatmap = p.Heatmap.Slice(from, to)
	}

	if !p.Mask.Empty() {
		out.Mask = p.Mask.Slice(from, to)
	}

	if !p.Logits.Empty() {
		out.Logits = p.Logits.Slice(from, to)
	}

	return out
}

// ConcatPredictions joins predictions along the batch axis
func ConcatPredictions(ps ...Predictions) (Predictions, error) {

	var hms, masks, logits []Tensor

	for _, p := range ps {
		if !p.Heatmap.Empty() {
			hms = append(hms, p.Heatmap)
		}

		if !p.Mask.Empty() {
			masks = append(masks, p.Mask)
		}

		if !p.Logits.Empty() {
			logits = append(logits, p.Logits)
		}
	}

	var out Predictions
	var err error

	if out.Heatmap, err = Concat(hms...); err != nil {
		return Predictions{}, fmt.Errorf("heatmap: %w", err)
	}

	if out.Mask, err = Concat(masks...); err != nil {
		return Predictions{}, fmt.Errorf("mask: %w", err)
	}

	if out.Logits, err = Concat(logits...); err != nil {
		return Predictions{}, fmt.Errorf("logits: %w", err)
	}

	return out, nil
}

// ModelConfig describes the architecture of a model so a checkpoint can be
// matched to the model it is loaded into
type ModelConfig struct {
	// Architecture name, eg "headnet"
	Architecture string `json:"architecture"`
	// NumClasses is the number of object classes, excluding background
	NumClasses int `json:"numClasses"`
	// OutputStride is the ratio between input and output resolution
	OutputStride int `json:"outputStride"`
	// Hidden is the width of the hidden layer
	Hidden int `json:"hidden"`
}

// Model maps an image tensor to predictions and supports back propagation of
// a gradient on those predictions into its parameters.  A Model keeps the
// activations of its last Forward call, so Backward must follow the Forward
// it belongs to.
type Model interface {
	// Forward runs the model on a batch of images [N, 3, H, W]
	Forward(x Tensor) (Predictions, error)
	// Backward accumulates parameter gradients given the gradient of the
	// loss with respect to the last predictions.  Empty heads are skipped.
	Backward(grad Predictions) error
	// Params returns the trainable parameters in a stable order
	Params() []*Param
	// Clone returns an independent copy of the model with the same weights
	Clone() Model
	// Config returns the architecture description
	Config() ModelConfig
}

// CopyParams copies parameter values from src into dst, the parameter lists
// must match in order and shape
func CopyParams(dst, src []*Param) error {

	if len(dst) != len(src) {
		return fmt.Errorf("%d params into %d: %w", len(src), len(dst), ErrShapeMismatch)
	}

	for i := range dst {
		if len(dst[i].Value) != len(src[i].Value) {
			return fmt.Errorf("param %s size %d into %d: %w", src[i].Name,
				len(src[i].Value), len(dst[i].Value), ErrShapeMismatch)
		}

		copy(dst[i].Value, src[i].Value)
	}

	return nil
}

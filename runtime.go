package heatcount

import (
	"fmt"
)

// Backend is the compute abstraction the trainer drives.  Single device
// execution and multi device replication are both Backends so the training
// loop never branches on the device list.
type Backend interface {
	// Forward runs the model on a batch of images
	Forward(x Tensor) (Predictions, error)
	// Backward propagates the prediction gradient of the last Forward into
	// the master parameter gradients
	Backward(grad Predictions) error
	// Params returns the master parameters the optimizer updates
	Params() []*Param
	// Model returns the master model
	Model() Model
	// Close releases replicas
	Close() error
}

// NewBackend returns a Runtime for zero or one devices and a Replicated
// backend spreading each batch over the devices otherwise
func NewBackend(model Model, devices []Device) (Backend, error) {

	if model == nil {
		return nil, fmt.Errorf("no model given")
	}

	switch len(devices) {
	case 0:
		return NewRuntime(model, Device{}), nil
	case 1:
		return NewRuntime(model, devices[0]), nil
	default:
		return NewReplicated(model, devices)
	}
}

// Runtime runs a model on a single device
type Runtime struct {
	// model is the model being run
	model Model
	// device the runtime is bound to
	device Device
}

// NewRuntime returns a runtime instance for the given model and device
func NewRuntime(model Model, device Device) *Runtime {
	return &Runtime{
		model:  model,
		device: device,
	}
}

// Forward runs the model inference on the given inputs
func (r *Runtime) Forward(x Tensor) (Predictions, error) {

	if len(x.Shape) != 4 {
		return Predictions{}, fmt.Errorf("expected NCHW input, got %v: %w", x, ErrShapeMismatch)
	}

	pred, err := r.model.Forward(x)

	if err != nil {
		return Predictions{}, fmt.Errorf("device %d forward failed: %w", r.device.ID, err)
	}

	return pred, nil
}

// Backward propagates the gradient through the model
func (r *Runtime) Backward(grad Predictions) error {

	err := r.model.Backward(grad)

	if err != nil {
		return fmt.Errorf("device %d backward failed: %w", r.device.ID, err)
	}

	return nil
}

// Params returns the model parameters
func (r *Runtime) Params() []*Param {
	return r.model.Params()
}

// Model returns the model run by this runtime
func (r *Runtime) Model() Model {
	return r.model
}

// Device returns the device the runtime is bound to
func (r *Runtime) Device() Device {
	return r.device
}

// Close is a no-op for a single device runtime
func (r *Runtime) Close() error {
	return nil
}

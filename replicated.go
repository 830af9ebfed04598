package heatcount

import (
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// shard is the part of a batch handed to one replica
type shard struct {
	// rt is the replica runtime holding the shard activations
	rt *Runtime
	// from is the first sample of the shard
	from int
	// to is one past the last sample of the shard
	to int
}

// Replicated is a data parallel backend.  Each Forward splits the batch into
// contiguous shards, one per replica, after copying the master weights into
// the replicas.  Backward runs each shard on the replica that produced it and
// sums the replica gradients into the master parameters.
type Replicated struct {
	// master is the model owning the weights the optimizer updates
	master Model
	// pool holds one replica runtime per device
	pool *Pool
	// active are the shards of the last Forward waiting for Backward
	active []shard
}

// NewReplicated returns a backend replicating model over the devices
func NewReplicated(model Model, devices []Device) (*Replicated, error) {

	if len(devices) < 2 {
		return nil, fmt.Errorf("replication needs at least 2 devices, got %d", len(devices))
	}

	return &Replicated{
		master: model,
		pool:   NewPool(model, devices),
	}, nil
}

// release hands the runtimes of the last Forward back to the pool
func (r *Replicated) release() {

	for _, s := range r.active {
		r.pool.Return(s.rt)
	}

	r.active = nil
}

// Forward runs the batch spread over the replicas and joins the outputs in
// batch order
func (r *Replicated) Forward(x Tensor) (Predictions, error) {

	if len(x.Shape) != 4 {
		return Predictions{}, fmt.Errorf("expected NCHW input, got %v: %w", x, ErrShapeMismatch)
	}

	// a Forward without a following Backward, eg: validation, leaves
	// runtimes checked out
	r.release()

	n := x.Shape[0]
	k := r.pool.Size()

	if n < k {
		k = n
	}

	if k == 0 {
		return Predictions{}, fmt.Errorf("empty batch")
	}

	// split n samples into k shards differing in size by at most one
	from := 0

	for i := 0; i < k; i++ {
		size := n / k

		if i < n%k {
			size++
		}

		rt := r.pool.Get()
		r.active = append(r.active, shard{rt: rt, from: from, to: from + size})

		if err := CopyParams(rt.Params(), r.master.Params()); err != nil {
			r.release()
			return Predictions{}, fmt.Errorf("replicating weights: %w", err)
		}

		from += size
	}

	outs := make([]Predictions, len(r.active))

	var g errgroup.Group

	for i, s := range r.active {
		i, s := i, s

		g.Go(func() error {

			if err := pinThread(s.rt.Device()); err != nil {
				return err
			}

			pred, err := s.rt.Forward(x.Slice(s.from, s.to))

			if err != nil {
				return err
			}

			outs[i] = pred
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		r.release()
		return Predictions{}, err
	}

	return ConcatPredictions(outs...)
}

// Backward runs the gradient of each shard through its replica then reduces
// the replica gradients into the master gradients
func (r *Replicated) Backward(grad Predictions) error {

	if len(r.active) == 0 {
		return fmt.Errorf("backward called without forward")
	}

	defer r.release()

	var g errgroup.Group

	for _, s := range r.active {
		s := s

		g.Go(func() error {

			if err := pinThread(s.rt.Device()); err != nil {
				return err
			}

			for _, p := range s.rt.Params() {
				p.ZeroGrad()
			}

			return s.rt.Backward(grad.Slice(s.from, s.to))
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	master := r.master.Params()

	for _, s := range r.active {
		for i, p := range s.rt.Params() {
			floats.Add(master[i].Grad, p.Grad)
		}
	}

	return nil
}

// Params returns the master parameters
func (r *Replicated) Params() []*Param {
	return r.master.Params()
}

// Model returns the master model
func (r *Replicated) Model() Model {
	return r.master
}

// Replicas returns the number of replicas
func (r *Replicated) Replicas() int {
	return r.pool.Size()
}

// Close releases all replicas
func (r *Replicated) Close() error {

	r.release()
	r.pool.Close()

	return nil
}

package heatcount

import (
	"sync"
)

// Pool is a simple runtime pool holding a replica of the same Model for each
// device
type Pool struct {
	// pool of runtimes
	runtimes chan *Runtime
	// size of pool
	size int
	// mu guards closed so Return never sends on a closed channel
	mu     sync.Mutex
	closed bool
}

// NewPool creates a new runtime pool with one clone of model per device
func NewPool(model Model, devices []Device) *Pool {

	p := &Pool{
		runtimes: make(chan *Runtime, len(devices)),
		size:     len(devices),
	}

	for _, dev := range devices {
		// attach to pool
		p.Return(NewRuntime(model.Clone(), dev))
	}

	return p
}

// Gets a runtime from the pool
func (p *Pool) Get() *Runtime {
	return <-p.runtimes
}

// Return a runtime to the pool
func (p *Pool) Return(runtime *Runtime) {

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	select {
	case p.runtimes <- runtime:
	default:
		// pool is full
	}
}

// Size returns the number of runtimes in the pool
func (p *Pool) Size() int {
	return p.size
}

// Close the pool and all runtimes in it
func (p *Pool) Close() {

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.runtimes)

	for next := range p.runtimes {
		_ = next.Close()
	}
}

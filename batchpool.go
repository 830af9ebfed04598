package heatcount

import (
	"sync"
)

// BatchPool is a pool of batches
type BatchPool struct {
	// pool of batches
	batches chan *Batch
	// size of pool
	size int
	// mu guards closed so Return never sends on a closed channel
	mu     sync.Mutex
	closed bool
}

// NewBatchPool returns a pool of Batches all sharing the same batch size and
// sample shape
func NewBatchPool(size, batchSize int, shape BatchShape) *BatchPool {

	p := &BatchPool{
		batches: make(chan *Batch, size),
		size:    size,
	}

	for i := 0; i < size; i++ {
		// attach to pool
		p.Return(NewBatch(batchSize, shape))
	}

	return p
}

// Gets a batch from the pool, blocking until one is returned.  Returns nil
// once the pool has been closed
func (p *BatchPool) Get() *Batch {
	return <-p.batches
}

// Return a batch to the pool
func (p *BatchPool) Return(batch *Batch) {

	batch.Clear()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	select {
	case p.batches <- batch:
	default:
		// pool is full or closed
	}
}

// Size returns the number of batches the pool was created with
func (p *BatchPool) Size() int {
	return p.size
}

// Close the pool, batches still checked out are left to the garbage collector
func (p *BatchPool) Close() {

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.batches)
}

package data

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/cyclopcam/logs"
	"github.com/swdee/go-heatcount"
	"golang.org/x/sync/errgroup"
)

// ErrLoaderClosed is returned by Epoch after Close
var ErrLoaderClosed = errors.New("loader closed")

// LoaderParams defines the batching configuration of a Loader
type LoaderParams struct {
	// BatchSize is the number of samples per batch
	BatchSize int
	// DropLast skips the final batch when it is not full
	DropLast bool
	// Workers is the number of goroutines preparing samples, defaults to the
	// number of CPUs
	Workers int
	// Prefetch is the number of batches prepared ahead of the consumer
	Prefetch int
}

// LoaderDefaultParams returns the loader settings used for training
func LoaderDefaultParams(batchSize int) LoaderParams {
	return LoaderParams{
		BatchSize: batchSize,
		DropLast:  true,
		Workers:   runtime.NumCPU(),
		Prefetch:  2,
	}
}

// Loader iterates a Dataset in batches.  Samples of a batch are prepared
// concurrently by a worker pool while the consumer processes the previous
// batch, batches are recycled through a BatchPool.
type Loader struct {
	// ds is the dataset being loaded
	ds Dataset
	// sampler decides the sample order per epoch
	sampler Sampler
	// params are the batching settings
	params LoaderParams
	// shape of every sample
	shape heatcount.BatchShape
	// pool recycles batches
	pool *heatcount.BatchPool
	// log for progress output
	log logs.Log
}

// NewLoader returns a Loader over ds.  The first sample is read to learn the
// batch shape.
func NewLoader(ds Dataset, sampler Sampler, params LoaderParams, log logs.Log) (*Loader, error) {

	if params.BatchSize < 1 {
		return nil, fmt.Errorf("batch size %d must be positive", params.BatchSize)
	}

	if ds.Len() == 0 {
		return nil, fmt.Errorf("empty dataset")
	}

	if params.Workers < 1 {
		params.Workers = runtime.NumCPU()
	}

	if params.Prefetch < 1 {
		params.Prefetch = 1
	}

	first, err := ds.Get(0)

	if err != nil {
		return nil, fmt.Errorf("reading first sample: %w", err)
	}

	shape, err := ShapeOf(first)

	if err != nil {
		return nil, err
	}

	// one batch held by the consumer plus the prefetched ones
	pool := heatcount.NewBatchPool(params.Prefetch+1, params.BatchSize, shape)

	return &Loader{
		ds:      ds,
		sampler: sampler,
		params:  params,
		shape:   shape,
		pool:    pool,
		log:     log,
	}, nil
}

// ShapeOf returns the batch shape of a sample
func ShapeOf(s heatcount.Sample) (heatcount.BatchShape, error) {

	if len(s.Image.Shape) != 3 || len(s.Heatmap.Shape) != 3 {
		return heatcount.BatchShape{}, fmt.Errorf("sample image %v heatmap %v: %w",
			s.Image, s.Heatmap, heatcount.ErrShapeMismatch)
	}

	return heatcount.BatchShape{
		Channels:   s.Image.Shape[0],
		Height:     s.Image.Shape[1],
		Width:      s.Image.Shape[2],
		NumClasses: s.Heatmap.Shape[0],
		OutHeight:  s.Heatmap.Shape[1],
		OutWidth:   s.Heatmap.Shape[2],
	}, nil
}

// Shape returns the per sample shape of the batches
func (l *Loader) Shape() heatcount.BatchShape {
	return l.shape
}

// BatchSize returns the number of samples per full batch
func (l *Loader) BatchSize() int {
	return l.params.BatchSize
}

// plan splits the sample order of an epoch into batches
func (l *Loader) plan(epoch int) [][]int {

	idx := l.sampler.Indices(epoch)
	bs := l.params.BatchSize
	var out [][]int

	for from := 0; from < len(idx); from += bs {
		to := from + bs

		if to > len(idx) {
			if l.params.DropLast {
				break
			}

			to = len(idx)
		}

		out = append(out, idx[from:to])
	}

	return out
}

// NumBatches returns the number of batches an epoch yields
func (l *Loader) NumBatches(epoch int) int {
	return len(l.plan(epoch))
}

// Epoch loads the batches of one epoch in sampler order and calls fn with
// each on the calling goroutine.  The batch is only valid until fn returns.
// Loading stops at the first error from the dataset, from fn or when ctx is
// cancelled.
func (l *Loader) Epoch(ctx context.Context, epoch int, fn func(*heatcount.Batch) error) error {

	plan := l.plan(epoch)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	ready := make(chan *heatcount.Batch, l.params.Prefetch)

	g.Go(func() error {

		defer close(ready)

		for _, idx := range plan {
			b := l.pool.Get()

			if b == nil {
				return ErrLoaderClosed
			}

			if err := l.fill(gctx, b, idx); err != nil {
				l.pool.Return(b)
				return err
			}

			select {
			case ready <- b:
			case <-gctx.Done():
				l.pool.Return(b)
				return gctx.Err()
			}
		}

		return nil
	})

	var runErr error

	for b := range ready {
		if runErr == nil {
			if runErr = fn(b); runErr != nil {
				cancel()
			}
		}

		l.pool.Return(b)
	}

	err := g.Wait()

	if runErr != nil {
		return runErr
	}

	return err
}

// fill loads the samples of a batch concurrently and stacks them in order
func (l *Loader) fill(ctx context.Context, b *heatcount.Batch, idx []int) error {

	samples := make([]heatcount.Sample, len(idx))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.params.Workers)

	for i, n := range idx {
		i, n := i, n

		g.Go(func() error {

			if err := ctx.Err(); err != nil {
				return err
			}

			s, err := l.ds.Get(n)

			if err != nil {
				return err
			}

			samples[i] = s
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, s := range samples {
		if err := b.Add(s); err != nil {
			return fmt.Errorf("batching sample: %w", err)
		}
	}

	return nil
}

// Close releases the batch pool, Epoch must not be running
func (l *Loader) Close() {
	l.pool.Close()

	if l.log != nil {
		l.log.Debugf("loader closed")
	}
}

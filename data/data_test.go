package data

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"github.com/swdee/go-heatcount"
	"github.com/swdee/go-heatcount/target"
)

func testDataset(t *testing.T, n int) *TransformDataset {

	src, err := NewSynthetic(SyntheticDefaultParams(n, 2))
	require.NoError(t, err)

	gen, err := target.NewGenerator(target.DefaultParams(2))
	require.NoError(t, err)

	return NewTransformDataset(src, GenerateTargets(gen), Resize(32, 32))
}

func TestSyntheticDeterministic(t *testing.T) {

	src, err := NewSynthetic(SyntheticDefaultParams(4, 3))
	require.NoError(t, err)
	require.Equal(t, 4, src.Len())

	a, err := src.Record(2)
	require.NoError(t, err)

	b, err := src.Record(2)
	require.NoError(t, err)
	require.Equal(t, a, b)

	require.Equal(t, []int{3, 64, 64}, a.Image.Shape)
	require.NotEmpty(t, a.Annotations)
	require.LessOrEqual(t, len(a.Annotations), 4)

	for _, anno := range a.Annotations {
		require.NoError(t, anno.Validate(3))
		require.GreaterOrEqual(t, anno.XMin, float32(0))
		require.LessOrEqual(t, anno.XMax, float32(64))
	}

	_, err = src.Record(4)
	require.Error(t, err)

	p := SyntheticDefaultParams(1, 1)
	p.MaxSize = 100
	_, err = NewSynthetic(p)
	require.Error(t, err)
}

func TestResize(t *testing.T) {

	img := heatcount.NewTensor(1, 2, 2)
	copy(img.Data, []float32{0, 1, 0, 1})

	rec, err := Resize(4, 4)(Record{
		Image:       img,
		Annotations: []heatcount.Annotation{{Class: 1, XMin: 0.5, YMin: 0, XMax: 1, YMax: 2}},
	})
	require.NoError(t, err)

	require.Equal(t, []int{1, 4, 4}, rec.Image.Shape)
	require.Equal(t, heatcount.Annotation{Class: 1, XMin: 1, YMin: 0, XMax: 2, YMax: 4}, rec.Annotations[0])

	// edges keep the source values, the middle is interpolated
	require.InDelta(t, 0, rec.Image.At(0, 0, 0), 1e-6)
	require.InDelta(t, 0.25, rec.Image.At(0, 0, 1), 1e-6)
	require.InDelta(t, 0.75, rec.Image.At(0, 0, 2), 1e-6)
	require.InDelta(t, 1, rec.Image.At(0, 3, 3), 1e-6)

	_, err = Resize(4, 4)(Record{Image: heatcount.NewTensor(4, 4)})
	require.True(t, errors.Is(err, heatcount.ErrShapeMismatch))
}

func TestTransformDataset(t *testing.T) {

	ds := testDataset(t, 3)
	require.Equal(t, 3, ds.Len())

	s, err := ds.Get(1)
	require.NoError(t, err)

	require.Equal(t, []int{3, 32, 32}, s.Image.Shape)
	require.Equal(t, []int{2, 4, 4}, s.Heatmap.Shape)
	require.Len(t, s.Mask, 16)
	require.Greater(t, s.Count, 0)

	_, err = ds.Get(5)
	require.Error(t, err)
}

func TestRandomSampler(t *testing.T) {

	s := RandomSampler{N: 5, NumSamples: 12, Replacement: true, Seed: 3}

	a := s.Indices(0)
	require.Len(t, a, 12)
	require.Equal(t, a, s.Indices(0))
	require.NotEqual(t, a, s.Indices(1))

	for _, i := range a {
		require.True(t, i >= 0 && i < 5)
	}

	// without replacement every index appears once per permutation
	s = RandomSampler{N: 5, Seed: 3}
	b := s.Indices(0)
	sort.Ints(b)
	require.Equal(t, []int{0, 1, 2, 3, 4}, b)

	s.NumSamples = 7
	require.Len(t, s.Indices(2), 7)

	require.Equal(t, []int{0, 1, 2}, SequentialSampler{N: 3}.Indices(9))
}

func TestLoaderEpoch(t *testing.T) {

	ds := testDataset(t, 5)

	params := LoaderDefaultParams(2)
	params.DropLast = false
	params.Workers = 3

	l, err := NewLoader(ds, SequentialSampler{N: 5}, params, logs.NewTestingLog(t))
	require.NoError(t, err)
	defer l.Close()

	require.Equal(t, 3, l.NumBatches(0))
	require.Equal(t, 2, l.BatchSize())

	var sizes []int
	var counts []int

	err = l.Epoch(context.Background(), 0, func(b *heatcount.Batch) error {
		sizes = append(sizes, b.Len())
		counts = append(counts, b.Counts()...)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 1}, sizes)

	// batches hold the samples in sampler order
	for i, c := range counts {
		s, err := ds.Get(i)
		require.NoError(t, err)
		require.Equal(t, s.Count, c)
	}

	params.DropLast = true
	l2, err := NewLoader(ds, SequentialSampler{N: 5}, params, logs.NewTestingLog(t))
	require.NoError(t, err)
	defer l2.Close()
	require.Equal(t, 2, l2.NumBatches(0))
}

func TestLoaderStopsOnError(t *testing.T) {

	ds := testDataset(t, 8)
	l, err := NewLoader(ds, SequentialSampler{N: 8}, LoaderDefaultParams(2), logs.NewTestingLog(t))
	require.NoError(t, err)
	defer l.Close()

	stop := errors.New("stop")
	var calls int32

	err = l.Epoch(context.Background(), 0, func(b *heatcount.Batch) error {
		if atomic.AddInt32(&calls, 1) == 2 {
			return stop
		}
		return nil
	})
	require.True(t, errors.Is(err, stop))
	require.Equal(t, int32(2), calls)

	// the loader is reusable after an aborted epoch
	n := 0
	err = l.Epoch(context.Background(), 1, func(b *heatcount.Batch) error {
		n++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestLoaderCancelled(t *testing.T) {

	ds := testDataset(t, 8)
	l, err := NewLoader(ds, SequentialSampler{N: 8}, LoaderDefaultParams(2), logs.NewTestingLog(t))
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = l.Epoch(ctx, 0, func(b *heatcount.Batch) error {
		return nil
	})
	require.True(t, errors.Is(err, context.Canceled))
}

// failingSource returns an error for one record
type failingSource struct {
	*Synthetic
	bad int
}

func (f failingSource) Record(i int) (Record, error) {

	if i == f.bad {
		return Record{}, errors.New("corrupt record")
	}

	return f.Synthetic.Record(i)
}

func TestLoaderDatasetError(t *testing.T) {

	syn, err := NewSynthetic(SyntheticDefaultParams(6, 2))
	require.NoError(t, err)

	gen, err := target.NewGenerator(target.DefaultParams(2))
	require.NoError(t, err)

	ds := NewTransformDataset(failingSource{Synthetic: syn, bad: 3}, GenerateTargets(gen))

	l, err := NewLoader(ds, SequentialSampler{N: 6}, LoaderDefaultParams(2), logs.NewTestingLog(t))
	require.NoError(t, err)
	defer l.Close()

	err = l.Epoch(context.Background(), 0, func(b *heatcount.Batch) error {
		return nil
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "corrupt record")
}

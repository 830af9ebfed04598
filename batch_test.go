package heatcount

import (
	"errors"
	"testing"
)

var testShape = BatchShape{
	Channels:   3,
	Height:     2,
	Width:      3,
	NumClasses: 1,
	OutHeight:  1,
	OutWidth:   2,
}

// testSample returns a sample of testShape with every image value set to v
func testSample(v float32) Sample {

	img := NewTensor(3, 2, 3)

	for i := range img.Data {
		img.Data[i] = v
	}

	hm := NewTensor(1, 1, 2)
	hm.Data[0] = v / 10

	return Sample{
		Image:   img,
		Heatmap: hm,
		Mask:    []int32{int32(v), 0},
		Count:   int(v),
		Label:   1,
	}
}

func TestBatchAddAndOverflow(t *testing.T) {

	batch := NewBatch(2, testShape)

	// Add two samples
	if err := batch.Add(testSample(1)); err != nil {
		t.Fatalf("Add(s1) failed: %v", err)
	}

	if err := batch.Add(testSample(2)); err != nil {
		t.Fatalf("Add(s2) failed: %v", err)
	}

	if batch.Len() != 2 {
		t.Fatalf("Len() = %d; want 2", batch.Len())
	}

	imgs := batch.Images()

	if imgs.Shape[0] != 2 || imgs.Len() != 36 {
		t.Fatalf("Images() = %v; want 2x3x2x3", imgs)
	}

	// first 18 from sample 1, next 18 from sample 2
	for i := 0; i < 18; i++ {
		if imgs.Data[i] != 1 {
			t.Errorf("element %d = %f; want 1 from s1", i, imgs.Data[i])
		}

		if imgs.Data[18+i] != 2 {
			t.Errorf("element %d = %f; want 2 from s2", 18+i, imgs.Data[18+i])
		}
	}

	masks := batch.Masks()

	if len(masks) != 4 || masks[0] != 1 || masks[2] != 2 {
		t.Errorf("Masks() = %v; want [1 0 2 0]", masks)
	}

	counts := batch.Counts()

	if counts[0] != 1 || counts[1] != 2 {
		t.Errorf("Counts() = %v; want [1 2]", counts)
	}

	// third Add should overflow
	err := batch.Add(testSample(3))

	if !errors.Is(err, ErrBatchFull) {
		t.Fatalf("expected ErrBatchFull on third Add, got %v", err)
	}
}

func TestBatchAddAtAndClear(t *testing.T) {

	batch := NewBatch(3, testShape)

	// AddAt index 1 extends the batch to cover index 0 and 1
	if err := batch.AddAt(1, testSample(5)); err != nil {
		t.Fatalf("AddAt failed: %v", err)
	}

	if batch.Len() != 2 {
		t.Errorf("Len() = %d; want 2 after AddAt(1)", batch.Len())
	}

	if v := batch.Heatmaps().At(1, 0, 0, 0); v != 0.5 {
		t.Errorf("heatmap at sample 1 = %f; want 0.5", v)
	}

	// Clear resets the counter
	batch.Clear()

	if batch.Len() != 0 {
		t.Errorf("Len() = %d; want 0 after Clear", batch.Len())
	}

	// Add at invalid index
	if err := batch.AddAt(5, testSample(1)); err == nil {
		t.Error("expected error for AddAt out of range, got nil")
	}

	// mismatched sample shape
	bad := testSample(1)
	bad.Mask = []int32{1}

	if err := batch.Add(bad); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestBatchPool(t *testing.T) {

	pool := NewBatchPool(2, 4, testShape)

	if pool.Size() != 2 {
		t.Fatalf("Size() = %d; want 2", pool.Size())
	}

	b1 := pool.Get()
	b2 := pool.Get()

	if err := b1.Add(testSample(1)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// returned batches come back cleared
	pool.Return(b1)
	b3 := pool.Get()

	if b3.Len() != 0 {
		t.Errorf("Len() = %d; want 0 on returned batch", b3.Len())
	}

	pool.Return(b2)
	pool.Return(b3)
	pool.Close()

	// returning after close must not panic
	pool.Return(NewBatch(4, testShape))

	// a closed pool drains to nil
	for pool.Get() != nil {
	}
}

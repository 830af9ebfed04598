package heatcount

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTensorIndexing(t *testing.T) {

	x := NewTensor(2, 3, 4)
	require.Equal(t, 24, x.Len())
	require.Equal(t, 12, x.SampleSize())
	require.Equal(t, 0, x.Dim(5))

	x.Set(7, 1, 2, 3)
	require.Equal(t, 23, x.Index(1, 2, 3))
	require.Equal(t, float32(7), x.Data[23])
	require.Equal(t, float32(7), x.At(1, 2, 3))

	c := x.Clone()
	c.Set(1, 1, 2, 3)
	require.Equal(t, float32(7), x.At(1, 2, 3))
	require.True(t, c.SameShape(x))
	require.False(t, c.SameShape(NewTensor(2, 12)))

	require.Equal(t, "Tensor[2x3x4]", x.String())
}

func TestTensorSliceAndConcat(t *testing.T) {

	x := NewTensor(3, 2)

	for i := range x.Data {
		x.Data[i] = float32(i)
	}

	s := x.Slice(1, 3)
	require.Equal(t, []int{2, 2}, s.Shape)
	require.Equal(t, []float32{2, 3, 4, 5}, s.Data)

	// views share memory
	s.Data[0] = 100
	require.Equal(t, float32(100), x.Data[2])

	one := x.Sample(2)
	require.Equal(t, []int{2}, one.Shape)
	require.Equal(t, []float32{4, 5}, one.Data)

	joined, err := Concat(x.Slice(0, 1), s)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, joined.Shape)
	require.Equal(t, x.Data, joined.Data)

	_, err = Concat(x, NewTensor(1, 3))
	require.True(t, errors.Is(err, ErrShapeMismatch))

	empty, err := Concat()
	require.NoError(t, err)
	require.True(t, empty.Empty())

	_, err = NewTensorFrom(make([]float32, 5), 2, 3)
	require.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestImagesToTensor(t *testing.T) {

	img := Image{Width: 2, Height: 1, Pix: []uint8{255, 0, 51, 0, 255, 102}}

	x, err := ImagesToTensor([]Image{img, img})
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 1, 2}, x.Shape)

	// R plane, G plane, B plane
	require.InDeltaSlice(t, []float32{1, 0, 0, 1, 0.2, 0.4}, x.Sample(0).Data, 1e-6)

	_, err = ImagesToTensor([]Image{img, {Width: 1, Height: 1, Pix: []uint8{1, 2, 3}}})
	require.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = ImagesToTensor(nil)
	require.Error(t, err)
}

func TestSigmoidAndArgmax(t *testing.T) {

	x, err := NewTensorFrom([]float32{0, 100, -100}, 3)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float32{0.5, 1, 0}, Sigmoid(x).Data, 1e-6)

	// one image, 3 classes, 1x2 grid
	logits, err := NewTensorFrom([]float32{
		1, 0,
		3, 0,
		2, 5,
	}, 1, 3, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []int32{1, 2}, ArgmaxMask(logits))
}

func TestLoadLabels(t *testing.T) {

	file := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, os.WriteFile(file, []byte("cat\n\n dog \n"), 0644))

	labels, err := LoadLabels(file)
	require.NoError(t, err)
	require.Equal(t, []string{"cat", "dog"}, labels)

	require.Equal(t, "background", ClassName(labels, 0))
	require.Equal(t, "dog", ClassName(labels, 2))
	require.Equal(t, "class3", ClassName(labels, 3))

	_, err = LoadLabels(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestFloat16RoundTrip(t *testing.T) {

	src := []float64{0, 1, -2.5, 0.099975586, 65504}
	bits := make([]uint16, len(src))
	dst := make([]float64, len(src))

	Float64ToFloat16(src, bits)
	Float16ToFloat64(bits, dst)

	require.InDeltaSlice(t, src, dst, 1e-6)
}

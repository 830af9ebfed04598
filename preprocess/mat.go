package preprocess

import (
	"fmt"
	"image"

	"github.com/swdee/go-heatcount"
	"gocv.io/x/gocv"
)

// LoadImage reads an image file into RGB pixels
func LoadImage(file string) (heatcount.Image, error) {

	img := gocv.IMRead(file, gocv.IMReadColor)
	defer img.Close()

	if img.Empty() {
		return heatcount.Image{}, fmt.Errorf("error reading image from: %s", file)
	}

	return MatToImage(img)
}

// MatToImage converts a BGR Mat, as returned by gocv.IMRead or a video
// capture, into RGB pixels
func MatToImage(m gocv.Mat) (heatcount.Image, error) {

	if m.Type() != gocv.MatTypeCV8UC3 {
		return heatcount.Image{}, fmt.Errorf("expected 8 bit 3 channel Mat, got %v", m.Type())
	}

	rgb := gocv.NewMat()
	defer rgb.Close()

	gocv.CvtColor(m, &rgb, gocv.ColorBGRToRGB)

	return heatcount.Image{
		Width:  rgb.Cols(),
		Height: rgb.Rows(),
		Pix:    rgb.ToBytes(),
	}, nil
}

// ImageToMat converts RGB pixels into a BGR Mat, the caller must Close it
func ImageToMat(img heatcount.Image) (gocv.Mat, error) {

	rgb, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8UC3, img.Pix)

	if err != nil {
		return gocv.Mat{}, fmt.Errorf("error creating mat: %w", err)
	}

	defer rgb.Close()

	bgr := gocv.NewMat()
	gocv.CvtColor(rgb, &bgr, gocv.ColorRGBToBGR)

	return bgr, nil
}

// MatToTensor converts a BGR Mat into an image tensor [3, H, W] with values
// in [0,1]
func MatToTensor(m gocv.Mat) (heatcount.Tensor, error) {

	img, err := MatToImage(m)

	if err != nil {
		return heatcount.Tensor{}, err
	}

	t, err := heatcount.ImagesToTensor([]heatcount.Image{img})

	if err != nil {
		return heatcount.Tensor{}, err
	}

	return t.Sample(0), nil
}

// ResizeTensor bilinearly resizes a CHW float tensor to width x height.
// Each channel plane is resized as a 32 bit float Mat so values keep their
// full precision.
func ResizeTensor(t heatcount.Tensor, width, height int) (heatcount.Tensor, error) {

	if len(t.Shape) != 3 {
		return heatcount.Tensor{}, fmt.Errorf("expected CHW tensor, got %v: %w",
			t, heatcount.ErrShapeMismatch)
	}

	ch, srcH, srcW := t.Shape[0], t.Shape[1], t.Shape[2]
	out := heatcount.NewTensor(ch, height, width)

	src := gocv.NewMatWithSize(srcH, srcW, gocv.MatTypeCV32FC1)
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()

	srcData, err := src.DataPtrFloat32()

	if err != nil {
		return heatcount.Tensor{}, fmt.Errorf("error accessing mat data: %w", err)
	}

	for c := 0; c < ch; c++ {
		copy(srcData, t.Data[c*srcH*srcW:(c+1)*srcH*srcW])

		gocv.Resize(src, &dst, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)

		dstData, err := dst.DataPtrFloat32()

		if err != nil {
			return heatcount.Tensor{}, fmt.Errorf("error accessing resized data: %w", err)
		}

		copy(out.Data[c*height*width:(c+1)*height*width], dstData)
	}

	return out, nil
}

// SaveImage writes a rendered image to file in any format gocv supports
func SaveImage(file string, img image.Image) error {

	m, err := gocv.ImageToMatRGB(img)

	if err != nil {
		return fmt.Errorf("error converting image: %w", err)
	}

	defer m.Close()

	if !gocv.IMWrite(file, m) {
		return fmt.Errorf("error writing image to: %s", file)
	}

	return nil
}

package analysis

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"github.com/Brownie44l1/dermasense-api/internal/model"
	"github.com/nfnt/resize"
)

var ErrUnsupportedImage = errors.New("invalid image format, supported: JPEG, PNG")

var (
	imageNetMean = [3]float32{0.485, 0.456, 0.406}
	imageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// DecodeImage decodes JPEG or PNG bytes.
func DecodeImage(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return img, format, nil
}

// Preprocess resizes img to width x height with Lanczos3 and converts it to
// a 1 x height x width x 3 RGB tensor scaled according to mode.
func Preprocess(img image.Image, width, height int, mode model.Preprocessing) (*model.Tensor, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown preprocessing %q", mode)
	}

	resized := resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
	bounds := resized.Bounds()

	t := model.NewTensor(height, width, 3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			offset := (y*width + x) * 3
			for ch, v := range [3]uint8{c.R, c.G, c.B} {
				t.Data[offset+ch] = scalePixel(v, ch, mode)
			}
		}
	}
	return t, nil
}

func scalePixel(v uint8, channel int, mode model.Preprocessing) float32 {
	switch mode {
	case model.PreprocessUnit:
		return float32(v) / 255
	case model.PreprocessSymmetric:
		return float32(v)/127.5 - 1
	case model.PreprocessImageNet:
		return (float32(v)/255 - imageNetMean[channel]) / imageNetStd[channel]
	default:
		return float32(v)
	}
}

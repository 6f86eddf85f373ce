package analysis

import (
	"image"
	"image/color"
	"testing"

	"github.com/Brownie44l1/dermasense-api/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestPreprocessModes(t *testing.T) {
	img := solid(5, 7, color.NRGBA{R: 255, G: 0, B: 255, A: 255})

	tests := []struct {
		mode  model.Preprocessing
		want  [3]float32
		delta float64
	}{
		// Tolerate one 8-bit step from the resampler.
		{model.PreprocessRaw, [3]float32{255, 0, 255}, 1.01},
		{model.PreprocessUnit, [3]float32{1, 0, 1}, 1.01 / 255},
		{model.PreprocessSymmetric, [3]float32{1, -1, 1}, 2.01 / 255},
		{model.PreprocessImageNet, [3]float32{(1 - 0.485) / 0.229, -0.456 / 0.224, (1 - 0.406) / 0.225}, 0.02},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			tensor, err := Preprocess(img, 4, 3, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 3, 4, 3}, tensor.Shape)
			require.Len(t, tensor.Data, 3*4*3)

			for i, v := range tensor.Data {
				assert.InDelta(t, tt.want[i%3], v, tt.delta, "index %d", i)
			}
		})
	}
}

func TestPreprocessRejectsUnknownMode(t *testing.T) {
	_, err := Preprocess(solid(2, 2, color.NRGBA{A: 255}), 2, 2, "caffe")
	assert.Error(t, err)
}

func TestDecodeImage(t *testing.T) {
	img, format, err := DecodeImage(encodePNG(t, checkerboard(3, 2)))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())

	_, _, err = DecodeImage([]byte("GIF89a"))
	assert.ErrorIs(t, err, ErrUnsupportedImage)
}

func TestCheckQuality(t *testing.T) {
	q := CheckQuality(flat(12, 12), DefaultBlurThreshold)
	assert.Zero(t, q.Sharpness)
	assert.False(t, q.Clear)
	assert.ErrorIs(t, q.Err(), ErrBlurryImage)

	// Every Laplacian response of a one pixel checkerboard is +-4*255.
	q = CheckQuality(checkerboard(12, 12), DefaultBlurThreshold)
	assert.InDelta(t, 1020.0*1020.0, q.Sharpness, 1e-6)
	assert.True(t, q.Clear)
	assert.NoError(t, q.Err())

	q = CheckQuality(checkerboard(12, 12), 2e6)
	assert.False(t, q.Clear)
}

func TestReflect101(t *testing.T) {
	assert.Equal(t, 1, reflect101(-1, 5))
	assert.Equal(t, 3, reflect101(5, 5))
	assert.Equal(t, 2, reflect101(2, 5))
	assert.Equal(t, 0, reflect101(-1, 1))
}

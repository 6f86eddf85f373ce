package analysis

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultBlurThreshold is the Laplacian variance below which a photo is
// considered out of focus.
const DefaultBlurThreshold = 50.0

var ErrBlurryImage = errors.New("image may be too blurry, please retake with better focus")

// Quality is the focus measurement of a photo.
type Quality struct {
	Sharpness float64 `json:"sharpness"`
	Clear     bool    `json:"clear"`
}

// CheckQuality measures focus as the variance of the 3x3 Laplacian of the
// luma channel. Borders are reflected without repeating the edge pixel.
func CheckQuality(img image.Image, threshold float64) Quality {
	gray := luma(img)
	rows, cols := gray.Dims()

	at := func(y, x int) float64 {
		return gray.At(reflect101(y, rows), reflect101(x, cols))
	}

	laplacian := make([]float64, 0, rows*cols)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			laplacian = append(laplacian, at(y-1, x)+at(y+1, x)+at(y, x-1)+at(y, x+1)-4*at(y, x))
		}
	}

	sharpness := stat.PopVariance(laplacian, nil)
	return Quality{Sharpness: sharpness, Clear: sharpness >= threshold}
}

// Err returns ErrBlurryImage with the measured score when q is not clear.
func (q Quality) Err() error {
	if q.Clear {
		return nil
	}
	return fmt.Errorf("%w (score: %.2f)", ErrBlurryImage, q.Sharpness)
}

func luma(img image.Image) *mat.Dense {
	b := img.Bounds()
	gray := mat.NewDense(b.Dy(), b.Dx(), nil)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			gray.Set(y, x, 0.299*float64(c.R)+0.587*float64(c.G)+0.114*float64(c.B))
		}
	}
	return gray
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	switch {
	case i < 0:
		return -i
	case i >= n:
		return 2*n - i - 2
	}
	return i
}

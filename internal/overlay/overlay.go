package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot/palette"
)

// DefaultAlpha keeps the lesion visible under the heatmap.
const DefaultAlpha = 0.4

var ErrAlpha = errors.New("alpha must be within [0, 1]")

// jet is a blue -> cyan -> green -> yellow -> red ramp indexed by
// uint8(255 * value).
var jet = palette.Rainbow(256, palette.Blue, palette.Red, 1, 1, 1).Colors()

// Apply scales heatmap to the size of original, colours it and blends it
// over the image: original*(1-alpha) + colour*alpha.
func Apply(original image.Image, heatmap *mat.Dense, alpha float64) (*image.RGBA, error) {
	if alpha < 0 || alpha > 1 || math.IsNaN(alpha) {
		return nil, fmt.Errorf("%w, got %v", ErrAlpha, alpha)
	}
	if heatmap == nil || heatmap.IsEmpty() {
		return nil, errors.New("empty heatmap")
	}

	bounds := original.Bounds()
	if bounds.Empty() {
		return nil, errors.New("empty image")
	}

	colored := Colorize(Resize(heatmap, bounds.Dx(), bounds.Dy()))

	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			src := color.NRGBAModel.Convert(original.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			hm := colored.RGBAAt(x, y)
			out.SetRGBA(x, y, color.RGBA{
				R: blend(src.R, hm.R, alpha),
				G: blend(src.G, hm.G, alpha),
				B: blend(src.B, hm.B, alpha),
				A: 0xff,
			})
		}
	}
	return out, nil
}

// Resize interpolates heatmap bilinearly to width x height. Values are
// clamped to [0,1] and quantised to 16 bits on the way.
func Resize(heatmap *mat.Dense, width, height int) *mat.Dense {
	rows, cols := heatmap.Dims()
	gray := image.NewGray16(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			gray.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(clamp(heatmap.At(y, x), 0, 1) * 0xffff))})
		}
	}

	var scaled image.Image = gray
	if rows != height || cols != width {
		scaled = resize.Resize(uint(width), uint(height), gray, resize.Bilinear)
	}

	out := mat.NewDense(height, width, nil)
	b := scaled.Bounds()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := color.Gray16Model.Convert(scaled.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			out.Set(y, x, float64(v.Y)/0xffff)
		}
	}
	return out
}

// Colorize maps every value of heatmap, expected in [0,1], onto the jet ramp.
func Colorize(heatmap *mat.Dense) *image.RGBA {
	rows, cols := heatmap.Dims()
	out := image.NewRGBA(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			idx := int(clamp(heatmap.At(y, x), 0, 1) * 255)
			c := color.NRGBAModel.Convert(jet[idx]).(color.NRGBA)
			out.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return out
}

func blend(src, hm uint8, alpha float64) uint8 {
	v := float64(src)*(1-alpha) + float64(hm)*alpha
	return uint8(clamp(math.Round(v), 0, 255))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

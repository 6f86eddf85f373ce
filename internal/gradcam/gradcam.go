// Package gradcam computes gradient-weighted class activation maps.
//
// The heatmap has the spatial dimensions of the explained layer, not of the
// input image; scaling it back onto the image is left to package overlay.
package gradcam

import (
	"fmt"
	"math"

	"github.com/Brownie44l1/dermasense-api/internal/model"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Epsilon guards the normalising division when the map has no positive value.
const Epsilon = 1e-7

// Result is a heatmap together with the class it explains.
type Result struct {
	Heatmap    *mat.Dense
	ClassIndex int
	Scores     []float64
}

type options struct {
	class    int
	hasClass bool
}

// Option customises Generate.
type Option func(*options)

// WithClass explains class instead of the top prediction.
func WithClass(class int) Option {
	return func(o *options) {
		o.class = class
		o.hasClass = true
	}
}

// GenerateForLayer resolves layerName on net and calls Generate. Unknown
// names fail with a *model.ConfigurationError.
func GenerateForLayer(net model.Network, input *model.Tensor, layerName string, opts ...Option) (*Result, error) {
	layer, err := model.LookupLayer(net, layerName)
	if err != nil {
		return nil, err
	}
	return Generate(net, input, layer, opts...)
}

// Generate explains the score of one class in terms of the activation of
// layer. Without WithClass the highest-scoring class is explained.
func Generate(net model.Network, input *model.Tensor, layer model.Layer, opts ...Option) (*Result, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if !layer.Spatial {
		return nil, &model.ConfigurationError{Model: net.Name(), Layer: layer.Name, Reason: "layer output is not a spatial feature map"}
	}

	pass, err := net.Forward(input, layer)
	if err != nil {
		return nil, err
	}

	scores := pass.Scores()
	if len(scores) == 0 {
		return nil, &model.ConfigurationError{Model: net.Name(), Reason: "model produced an empty score vector"}
	}

	class := o.class
	if !o.hasClass {
		class = floats.MaxIdx(scores)
	}
	if err := model.CheckClass(class, len(scores)); err != nil {
		return nil, err
	}

	grad, err := pass.Gradient(class)
	if err != nil {
		return nil, fmt.Errorf("computing gradient for class %d: %w", class, err)
	}

	heatmap, err := Compute(pass.Activation(), grad)
	if err != nil {
		return nil, err
	}
	return &Result{Heatmap: heatmap, ClassIndex: class, Scores: scores}, nil
}

// Compute weighs each activation channel by its spatially averaged
// gradient, sums the channels, keeps the positive part and scales the
// result into [0,1]. A map with no positive value comes back all zero.
func Compute(activation, gradient *model.FeatureMap) (*mat.Dense, error) {
	if !activation.SameShape(gradient) {
		return nil, fmt.Errorf("activation %dx%dx%d and gradient %dx%dx%d differ in shape",
			activation.Height, activation.Width, activation.Channels,
			gradient.Height, gradient.Width, gradient.Channels)
	}

	pixels := activation.Height * activation.Width
	weights := make([]float64, activation.Channels)
	col := make([]float64, pixels)
	for c := range weights {
		weights[c] = floats.Sum(mat.Col(col, c, gradient.Data)) / float64(pixels)
	}

	var cam mat.VecDense
	cam.MulVec(activation.Data, mat.NewVecDense(len(weights), weights))

	values := make([]float64, pixels)
	peak := 0.0
	for i := range values {
		v := math.Max(cam.AtVec(i), 0)
		values[i] = v
		peak = math.Max(peak, v)
	}
	floats.Scale(1/(peak+Epsilon), values)

	return mat.NewDense(activation.Height, activation.Width, values), nil
}

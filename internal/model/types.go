package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Metadata describes an exported classifier. ONNX models ship it as a JSON
// file next to the weights; native networks embed it in their weight file.
type Metadata struct {
	Name        string          `json:"name"`
	InputShape  []int64         `json:"input_shape"`
	OutputShape []int64         `json:"output_shape"`
	Classes     []string        `json:"classes"`
	ImageSize   int             `json:"image_size"`
	InputName   string          `json:"input_name"`
	OutputName  string          `json:"output_name"`
	Layers      []LayerMetadata `json:"layers"`
}

// LayerMetadata names the graph outputs that expose an intermediate layer.
// GradientOutput has shape [classes, height, width, channels]: the gradient
// of every class score with respect to the layer activation.
type LayerMetadata struct {
	Name             string    `json:"name"`
	Kind             LayerKind `json:"kind"`
	Shape            []int64   `json:"shape"`
	ActivationOutput string    `json:"activation_output"`
	GradientOutput   string    `json:"gradient_output"`
}

// Preprocessing selects how 8-bit pixels are scaled before inference.
type Preprocessing string

const (
	// PreprocessRaw keeps pixels in [0,255]; EfficientNet models rescale internally.
	PreprocessRaw Preprocessing = "raw"
	// PreprocessUnit scales pixels to [0,1].
	PreprocessUnit Preprocessing = "unit"
	// PreprocessSymmetric scales pixels to [-1,1].
	PreprocessSymmetric Preprocessing = "symmetric"
	// PreprocessImageNet subtracts the ImageNet mean and divides by its std.
	PreprocessImageNet Preprocessing = "imagenet"
)

func (p Preprocessing) Valid() bool {
	switch p {
	case PreprocessRaw, PreprocessUnit, PreprocessSymmetric, PreprocessImageNet:
		return true
	}
	return false
}

// Tensor is a dense NHWC float32 tensor.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func NewTensor(height, width, channels int) *Tensor {
	return &Tensor{
		Shape: []int64{1, int64(height), int64(width), int64(channels)},
		Data:  make([]float32, height*width*channels),
	}
}

// Dims validates that t is a single-image NHWC tensor and returns its
// spatial dimensions.
func (t *Tensor) Dims() (height, width, channels int, err error) {
	if t == nil {
		return 0, 0, 0, fmt.Errorf("%w: nil tensor", ErrInvalidInput)
	}
	if len(t.Shape) != 4 {
		return 0, 0, 0, fmt.Errorf("%w: expected rank 4 tensor, got shape %v", ErrInvalidInput, t.Shape)
	}
	if t.Shape[0] != 1 {
		return 0, 0, 0, fmt.Errorf("%w: batch size must be 1, got %d", ErrInvalidInput, t.Shape[0])
	}
	height, width, channels = int(t.Shape[1]), int(t.Shape[2]), int(t.Shape[3])
	if height <= 0 || width <= 0 || channels <= 0 {
		return 0, 0, 0, fmt.Errorf("%w: non-positive dimension in shape %v", ErrInvalidInput, t.Shape)
	}
	if len(t.Data) != height*width*channels {
		return 0, 0, 0, fmt.Errorf("%w: expected %d values for shape %v, got %d",
			ErrInvalidInput, height*width*channels, t.Shape, len(t.Data))
	}
	return height, width, channels, nil
}

// FeatureMap holds a height x width x channels activation (or a gradient
// of one) as a (height*width) x channels matrix. Row y*width+x is the
// channel vector at pixel (y, x).
type FeatureMap struct {
	Height, Width, Channels int
	Data                    *mat.Dense
}

// NewFeatureMap wraps data, which is laid out in HWC order. A nil data
// slice allocates a zeroed map.
func NewFeatureMap(height, width, channels int, data []float64) *FeatureMap {
	return &FeatureMap{
		Height:   height,
		Width:    width,
		Channels: channels,
		Data:     mat.NewDense(height*width, channels, data),
	}
}

func (f *FeatureMap) At(y, x, c int) float64 {
	return f.Data.At(y*f.Width+x, c)
}

func (f *FeatureMap) Set(y, x, c int, v float64) {
	f.Data.Set(y*f.Width+x, c, v)
}

// Len is the number of scalar values in the map.
func (f *FeatureMap) Len() int {
	return f.Height * f.Width * f.Channels
}

// Values returns a copy of the map flattened in HWC order.
func (f *FeatureMap) Values() []float64 {
	values := make([]float64, 0, f.Len())
	rows, _ := f.Data.Dims()
	for r := 0; r < rows; r++ {
		values = append(values, f.Data.RawRowView(r)...)
	}
	return values
}

// SameShape reports whether f and other have identical dimensions.
func (f *FeatureMap) SameShape(other *FeatureMap) bool {
	return f.Height == other.Height && f.Width == other.Width && f.Channels == other.Channels
}

// Prediction is a single labelled class score.
type Prediction struct {
	Index      int     `json:"index"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

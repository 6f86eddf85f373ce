package model

import "fmt"

// LayerKind is the type of a network layer.
type LayerKind string

const (
	LayerConv2D          LayerKind = "conv2d"
	LayerSeparableConv2D LayerKind = "separable_conv2d"
	LayerDepthwiseConv2D LayerKind = "depthwise_conv2d"
	LayerReLU            LayerKind = "relu"
	LayerGlobalAvgPool   LayerKind = "global_average_pooling2d"
	LayerDense           LayerKind = "dense"
	LayerSoftmax         LayerKind = "softmax"
)

// Convolutional reports whether the layer is a 2-D convolution.
func (k LayerKind) Convolutional() bool {
	switch k {
	case LayerConv2D, LayerSeparableConv2D, LayerDepthwiseConv2D:
		return true
	}
	return false
}

// Layer is a resolved reference to an intermediate layer. Spatial layers
// produce a Height x Width x Channels feature map; only those can be
// explained.
type Layer struct {
	Name     string
	Kind     LayerKind
	Index    int
	Height   int
	Width    int
	Channels int
	Spatial  bool
}

// Network is a trained classifier whose intermediate activations and
// score gradients are reachable. Implementations must be safe for
// concurrent use.
type Network interface {
	Name() string
	Classes() []string
	// InputShape is the expected height, width and channel count.
	InputShape() (height, width, channels int)
	Layers() []Layer
	// Forward runs one forward pass, capturing the activation of layer.
	Forward(input *Tensor, layer Layer) (Pass, error)
}

// Pass is the result of a single forward pass bound to one layer.
type Pass interface {
	Activation() *FeatureMap
	Scores() []float64
	// Gradient returns the gradient of Scores()[class] with respect to
	// Activation().
	Gradient(class int) (*FeatureMap, error)
}

// LookupLayer resolves name against the layers of net.
func LookupLayer(net Network, name string) (Layer, error) {
	for _, layer := range net.Layers() {
		if layer.Name != name {
			continue
		}
		if !layer.Spatial {
			return Layer{}, &ConfigurationError{Model: net.Name(), Layer: name, Reason: "layer output is not a spatial feature map"}
		}
		return layer, nil
	}
	return Layer{}, &ConfigurationError{Model: net.Name(), Layer: name, Reason: "layer not found"}
}

// LastConvLayer returns the last convolutional layer with a spatial output.
func LastConvLayer(net Network) (Layer, error) {
	layers := net.Layers()
	for i := len(layers) - 1; i >= 0; i-- {
		if layers[i].Kind.Convolutional() && layers[i].Spatial {
			return layers[i], nil
		}
	}
	return Layer{}, &ConfigurationError{Model: net.Name(), Reason: "no convolutional layer found"}
}

// CheckClass validates class against a score vector of length n.
func CheckClass(class, n int) error {
	if class < 0 || class >= n {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrClassOutOfRange, class, n)
	}
	return nil
}

// Package network implements sequential convolutional classifiers in pure
// Go. A forward pass keeps every intermediate value so that the gradient of
// any class score can be propagated back to any layer, which is all a
// Grad-CAM explanation needs.
package network

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Brownie44l1/dermasense-api/internal/model"
)

// Spec is the on-disk description of a network: its metadata plus the
// weights of every layer.
type Spec struct {
	Name       string      `json:"name"`
	InputShape []int       `json:"input_shape"`
	Classes    []string    `json:"classes"`
	Layers     []LayerSpec `json:"layers"`
}

// LayerSpec describes one layer. Kernel values follow Keras layout: HWIO for
// convolutions, (inputs, units) for dense layers, both flattened row-major.
type LayerSpec struct {
	Name       string          `json:"name"`
	Type       model.LayerKind `json:"type"`
	Filters    int             `json:"filters,omitempty"`
	KernelSize []int           `json:"kernel_size,omitempty"`
	Padding    string          `json:"padding,omitempty"`
	Units      int             `json:"units,omitempty"`
	Activation string          `json:"activation,omitempty"`
	Kernel     []float64       `json:"kernel,omitempty"`
	Bias       []float64       `json:"bias,omitempty"`
}

// Network is an immutable sequential classifier. It is safe for concurrent
// use: all per-call state lives in the returned Pass.
type Network struct {
	name    string
	classes []string
	input   shape
	layers  []layer
	infos   []model.Layer
}

var _ model.Network = (*Network)(nil)

// Load reads a JSON network description from path.
func Load(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read network: %w", err)
	}

	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse network %q: %w", path, err)
	}
	return New(spec)
}

// New validates spec and builds the network.
func New(spec Spec) (*Network, error) {
	fail := func(layer, format string, args ...any) error {
		return &model.ConfigurationError{Model: spec.Name, Layer: layer, Reason: fmt.Sprintf(format, args...)}
	}

	if len(spec.InputShape) != 3 {
		return nil, fail("", "input shape %v is not [height, width, channels]", spec.InputShape)
	}
	in := shape{spec.InputShape[0], spec.InputShape[1], spec.InputShape[2]}
	if in.height <= 0 || in.width <= 0 || in.channels <= 0 {
		return nil, fail("", "input shape %v has a non-positive dimension", spec.InputShape)
	}
	if len(spec.Layers) == 0 {
		return nil, fail("", "network has no layers")
	}

	n := &Network{
		name:    spec.Name,
		classes: append([]string(nil), spec.Classes...),
		input:   in,
	}

	current, spatial := in, true
	seen := make(map[string]bool)
	for i, ls := range spec.Layers {
		if ls.Name == "" {
			ls.Name = fmt.Sprintf("%s_%d", ls.Type, i)
		}
		if seen[ls.Name] {
			return nil, fail(ls.Name, "duplicate layer name")
		}
		seen[ls.Name] = true

		var (
			l   layer
			out shape
			err error
		)
		switch ls.Type {
		case model.LayerConv2D:
			if !spatial {
				return nil, fail(ls.Name, "convolution after the spatial dimensions were collapsed")
			}
			l, out, err = newConv2D(ls, current)
		case model.LayerDense:
			l, out, err = newDense(ls, current)
			spatial = false
		case model.LayerGlobalAvgPool:
			l, out = &globalAvgPool{layerName: ls.Name, in: current}, shape{1, 1, current.channels}
			spatial = false
		case model.LayerReLU:
			l, out = &activationLayer{layerName: ls.Name, layerKind: ls.Type, act: activationReLU}, current
		case model.LayerSoftmax:
			l, out = &activationLayer{layerName: ls.Name, layerKind: ls.Type, act: activationSoftmax}, current
		default:
			err = fmt.Errorf("unsupported layer type %q", ls.Type)
		}
		if err != nil {
			return nil, fail(ls.Name, "%v", err)
		}

		n.layers = append(n.layers, l)
		n.infos = append(n.infos, model.Layer{
			Name:     ls.Name,
			Kind:     ls.Type,
			Index:    i,
			Height:   out.height,
			Width:    out.width,
			Channels: out.channels,
			Spatial:  spatial,
		})
		current = out
	}

	if spatial || current.height != 1 || current.width != 1 {
		return nil, fail("", "final layer is not a classification head")
	}
	if len(n.classes) == 0 {
		for i := 0; i < current.channels; i++ {
			n.classes = append(n.classes, fmt.Sprintf("class_%d", i))
		}
	}
	if len(n.classes) != current.channels {
		return nil, fail("", "output has %d scores but %d classes are listed", current.channels, len(n.classes))
	}
	return n, nil
}

func (n *Network) Name() string {
	return n.name
}

func (n *Network) Classes() []string {
	return n.classes
}

func (n *Network) InputShape() (height, width, channels int) {
	return n.input.height, n.input.width, n.input.channels
}

func (n *Network) Layers() []model.Layer {
	return append([]model.Layer(nil), n.infos...)
}

// Forward runs input through every layer, binding the result to layer.
func (n *Network) Forward(input *model.Tensor, layer model.Layer) (model.Pass, error) {
	height, width, channels, err := input.Dims()
	if err != nil {
		return nil, err
	}
	if height != n.input.height || width != n.input.width || channels != n.input.channels {
		return nil, fmt.Errorf("%w: network %q expects %dx%dx%d, got %dx%dx%d",
			model.ErrInvalidInput, n.name, n.input.height, n.input.width, n.input.channels, height, width, channels)
	}
	if layer.Index < 0 || layer.Index >= len(n.infos) || n.infos[layer.Index].Name != layer.Name {
		return nil, &model.ConfigurationError{Model: n.name, Layer: layer.Name, Reason: "layer does not belong to this network"}
	}

	values := make([]float64, len(input.Data))
	for i, v := range input.Data {
		values[i] = float64(v)
	}

	p := &pass{
		network: n,
		index:   layer.Index,
		input:   model.NewFeatureMap(height, width, channels, values),
	}
	current := p.input
	for _, l := range n.layers {
		current = l.forward(current)
		p.outputs = append(p.outputs, current)
	}
	return p, nil
}

type pass struct {
	network *Network
	index   int
	input   *model.FeatureMap
	outputs []*model.FeatureMap
}

func (p *pass) Activation() *model.FeatureMap {
	return p.outputs[p.index]
}

func (p *pass) Scores() []float64 {
	return p.outputs[len(p.outputs)-1].Values()
}

func (p *pass) Gradient(class int) (*model.FeatureMap, error) {
	last := len(p.outputs) - 1
	if err := model.CheckClass(class, p.outputs[last].Channels); err != nil {
		return nil, err
	}

	grad := model.NewFeatureMap(1, 1, p.outputs[last].Channels, nil)
	grad.Data.Set(0, class, 1)
	for i := last; i > p.index; i-- {
		grad = p.network.layers[i].backward(p.outputs[i-1], p.outputs[i], grad)
	}
	return grad, nil
}

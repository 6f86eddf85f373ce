package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	runtimeMu   sync.Mutex
	runtimeRefs int
)

// acquireRuntime initializes the shared ONNX Runtime environment on first
// use. Every successful call must be paired with releaseRuntime.
func acquireRuntime(libraryPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if runtimeRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	runtimeRefs++
	return nil
}

func releaseRuntime() {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	runtimeRefs--
	if runtimeRefs == 0 {
		ort.DestroyEnvironment()
	}
}

// ONNXNetwork runs a classifier exported together with its Grad-CAM
// outputs: alongside the class scores the graph emits, for every
// explainable layer, the layer activation and the Jacobian of the scores
// with respect to it. Session tensors are pre-allocated, so Forward calls
// are serialized.
type ONNXNetwork struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	activations  []*ort.Tensor[float32]
	gradients    []*ort.Tensor[float32]
	layers       []Layer
}

var _ Network = (*ONNXNetwork)(nil)

// LoadMetadata reads and validates a metadata JSON file.
func LoadMetadata(path string) (Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata.InputName == "" {
		metadata.InputName = "input"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "output"
	}
	if err := metadata.Validate(); err != nil {
		return Metadata{}, err
	}
	return metadata, nil
}

// Validate checks that the metadata describes a single-image NHWC
// classifier with at least one explainable layer.
func (m Metadata) Validate() error {
	fail := func(format string, args ...any) error {
		return &ConfigurationError{Model: m.Name, Reason: fmt.Sprintf(format, args...)}
	}
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 {
		return fail("input shape %v is not [1, height, width, channels]", m.InputShape)
	}
	if len(m.OutputShape) != 2 || m.OutputShape[0] != 1 {
		return fail("output shape %v is not a classification head [1, classes]", m.OutputShape)
	}
	if int(m.OutputShape[1]) != len(m.Classes) {
		return fail("output has %d scores but %d classes are listed", m.OutputShape[1], len(m.Classes))
	}
	if len(m.Layers) == 0 {
		return fail("no explainable layers listed")
	}
	for _, layer := range m.Layers {
		if len(layer.Shape) != 3 {
			return &ConfigurationError{Model: m.Name, Layer: layer.Name, Reason: fmt.Sprintf("shape %v is not [height, width, channels]", layer.Shape)}
		}
		if layer.ActivationOutput == "" || layer.GradientOutput == "" {
			return &ConfigurationError{Model: m.Name, Layer: layer.Name, Reason: "activation and gradient outputs must be named"}
		}
	}
	return nil
}

// NewONNXNetwork opens modelPath with the outputs described in metadataPath.
// libraryPath may be empty to use the platform default onnxruntime library.
func NewONNXNetwork(modelPath, metadataPath, libraryPath string) (*ONNXNetwork, error) {
	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	if err := acquireRuntime(libraryPath); err != nil {
		return nil, err
	}

	n := &ONNXNetwork{Metadata: metadata}
	if err := n.open(modelPath); err != nil {
		n.destroyTensors()
		releaseRuntime()
		return nil, err
	}
	return n, nil
}

func (n *ONNXNetwork) open(modelPath string) error {
	var err error
	n.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(n.Metadata.InputShape...))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	n.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(n.Metadata.OutputShape...))
	if err != nil {
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	classes := int64(len(n.Metadata.Classes))
	outputNames := []string{n.Metadata.OutputName}
	outputs := []ort.ArbitraryTensor{n.outputTensor}

	for i, spec := range n.Metadata.Layers {
		activation, err := ort.NewEmptyTensor[float32](ort.NewShape(append([]int64{1}, spec.Shape...)...))
		if err != nil {
			return fmt.Errorf("failed to create activation tensor for %q: %w", spec.Name, err)
		}
		n.activations = append(n.activations, activation)

		gradient, err := ort.NewEmptyTensor[float32](ort.NewShape(append([]int64{classes}, spec.Shape...)...))
		if err != nil {
			return fmt.Errorf("failed to create gradient tensor for %q: %w", spec.Name, err)
		}
		n.gradients = append(n.gradients, gradient)

		outputNames = append(outputNames, spec.ActivationOutput, spec.GradientOutput)
		outputs = append(outputs, activation, gradient)

		kind := spec.Kind
		if kind == "" {
			kind = LayerConv2D
		}
		n.layers = append(n.layers, Layer{
			Name:     spec.Name,
			Kind:     kind,
			Index:    i,
			Height:   int(spec.Shape[0]),
			Width:    int(spec.Shape[1]),
			Channels: int(spec.Shape[2]),
			Spatial:  true,
		})
	}

	n.session, err = ort.NewAdvancedSession(modelPath,
		[]string{n.Metadata.InputName}, outputNames,
		[]ort.ArbitraryTensor{n.inputTensor}, outputs,
		nil)
	if err != nil {
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return nil
}

func (n *ONNXNetwork) Name() string {
	return n.Metadata.Name
}

func (n *ONNXNetwork) Classes() []string {
	return n.Metadata.Classes
}

func (n *ONNXNetwork) InputShape() (height, width, channels int) {
	s := n.Metadata.InputShape
	return int(s[1]), int(s[2]), int(s[3])
}

func (n *ONNXNetwork) Layers() []Layer {
	return append([]Layer(nil), n.layers...)
}

func (n *ONNXNetwork) Forward(input *Tensor, layer Layer) (Pass, error) {
	height, width, channels, err := input.Dims()
	if err != nil {
		return nil, err
	}
	wantH, wantW, wantC := n.InputShape()
	if height != wantH || width != wantW || channels != wantC {
		return nil, fmt.Errorf("%w: model %q expects %dx%dx%d, got %dx%dx%d",
			ErrInvalidInput, n.Name(), wantH, wantW, wantC, height, width, channels)
	}
	if layer.Index < 0 || layer.Index >= len(n.layers) || n.layers[layer.Index].Name != layer.Name {
		return nil, &ConfigurationError{Model: n.Name(), Layer: layer.Name, Reason: "layer is not exported by this graph"}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	copy(n.inputTensor.GetData(), input.Data)

	if err := n.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	spec := n.layers[layer.Index]
	return &onnxPass{
		activation: NewFeatureMap(spec.Height, spec.Width, spec.Channels, toFloat64(n.activations[layer.Index].GetData())),
		scores:     toFloat64(n.outputTensor.GetData()),
		jacobian:   toFloat64(n.gradients[layer.Index].GetData()),
	}, nil
}

func (n *ONNXNetwork) destroyTensors() {
	if n.inputTensor != nil {
		n.inputTensor.Destroy()
	}
	if n.outputTensor != nil {
		n.outputTensor.Destroy()
	}
	for _, t := range n.activations {
		t.Destroy()
	}
	for _, t := range n.gradients {
		t.Destroy()
	}
}

func (n *ONNXNetwork) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.destroyTensors()
	if n.session != nil {
		n.session.Destroy()
	}
	releaseRuntime()
	return nil
}

type onnxPass struct {
	activation *FeatureMap
	scores     []float64
	jacobian   []float64
}

func (p *onnxPass) Activation() *FeatureMap { return p.activation }
func (p *onnxPass) Scores() []float64       { return p.scores }

func (p *onnxPass) Gradient(class int) (*FeatureMap, error) {
	if err := CheckClass(class, len(p.scores)); err != nil {
		return nil, err
	}
	size := p.activation.Len()
	grad := append([]float64(nil), p.jacobian[class*size:(class+1)*size]...)
	return NewFeatureMap(p.activation.Height, p.activation.Width, p.activation.Channels, grad), nil
}

func toFloat64(values []float32) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}

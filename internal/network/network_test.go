package network

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Brownie44l1/dermasense-api/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomValues(rng *rand.Rand, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = rng.NormFloat64() * 0.5
	}
	return v
}

func tinySpec(rng *rand.Rand, size, classes int) Spec {
	return Spec{
		Name:       "tiny",
		InputShape: []int{size, size, 3},
		Layers: []LayerSpec{
			{Name: "conv1", Type: model.LayerConv2D, Filters: 4, KernelSize: []int{3, 3}, Padding: "same", Activation: "relu",
				Kernel: randomValues(rng, 3*3*3*4), Bias: randomValues(rng, 4)},
			{Name: "conv2", Type: model.LayerConv2D, Filters: 5, KernelSize: []int{3, 3}, Padding: "valid", Activation: "relu",
				Kernel: randomValues(rng, 3*3*4*5), Bias: randomValues(rng, 5)},
			{Name: "pool", Type: model.LayerGlobalAvgPool},
			{Name: "logits", Type: model.LayerDense, Units: classes,
				Kernel: randomValues(rng, 5*classes), Bias: randomValues(rng, classes)},
			{Name: "probs", Type: model.LayerSoftmax},
		},
	}
}

func randomInput(rng *rand.Rand, size int) *model.Tensor {
	t := model.NewTensor(size, size, 3)
	for i := range t.Data {
		t.Data[i] = float32(rng.Float64())
	}
	return t
}

func TestNewReportsLayerShapes(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	net, err := New(tinySpec(rng, 6, 3))
	require.NoError(t, err)

	layers := net.Layers()
	require.Len(t, layers, 5)

	assert.Equal(t, model.Layer{Name: "conv1", Kind: model.LayerConv2D, Index: 0, Height: 6, Width: 6, Channels: 4, Spatial: true}, layers[0])
	assert.Equal(t, model.Layer{Name: "conv2", Kind: model.LayerConv2D, Index: 1, Height: 4, Width: 4, Channels: 5, Spatial: true}, layers[1])
	assert.False(t, layers[2].Spatial)
	assert.Equal(t, []string{"class_0", "class_1", "class_2"}, net.Classes())

	last, err := model.LastConvLayer(net)
	require.NoError(t, err)
	assert.Equal(t, "conv2", last.Name)
}

func TestNewRejectsInvalidSpecs(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))

	tests := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"no classification head", func(s *Spec) { s.Layers = s.Layers[:2] }},
		{"class count mismatch", func(s *Spec) { s.Classes = []string{"a", "b"} }},
		{"kernel size mismatch", func(s *Spec) { s.Layers[0].Kernel = s.Layers[0].Kernel[:10] }},
		{"unknown layer type", func(s *Spec) { s.Layers[2].Type = "max_pooling2d" }},
		{"unknown activation", func(s *Spec) { s.Layers[0].Activation = "gelu" }},
		{"bad input shape", func(s *Spec) { s.InputShape = []int{6, 6} }},
		{"duplicate names", func(s *Spec) { s.Layers[1].Name = "conv1" }},
		{"kernel larger than input", func(s *Spec) { s.InputShape = []int{2, 2, 3}; s.Layers[0].Padding = "valid" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tinySpec(rng, 6, 3)
			tt.mutate(&spec)
			_, err := New(spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrConfiguration)
		})
	}
}

func TestConvForwardKnownValues(t *testing.T) {
	ones := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1}
	net, err := New(Spec{
		Name:       "sum",
		InputShape: []int{3, 3, 1},
		Layers: []LayerSpec{
			{Name: "conv", Type: model.LayerConv2D, Filters: 1, KernelSize: []int{3, 3}, Padding: "same", Kernel: ones},
			{Name: "pool", Type: model.LayerGlobalAvgPool},
			{Name: "out", Type: model.LayerDense, Units: 1, Kernel: []float64{1}},
		},
	})
	require.NoError(t, err)

	input := &model.Tensor{Shape: []int64{1, 3, 3, 1}, Data: []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}}
	layer, err := model.LookupLayer(net, "conv")
	require.NoError(t, err)

	pass, err := net.Forward(input, layer)
	require.NoError(t, err)

	// Zero padded 3x3 box sums.
	want := []float64{12, 21, 16, 27, 45, 33, 24, 39, 28}
	assert.Equal(t, want, pass.Activation().Values())
	assert.InDelta(t, 245.0/9, pass.Scores()[0], 1e-12)

	// d(mean of box sums)/d(box sum) is 1/9 everywhere.
	grad, err := pass.Gradient(0)
	require.NoError(t, err)
	for _, g := range grad.Values() {
		assert.InDelta(t, 1.0/9, g, 1e-12)
	}
}

// forwardFrom runs the layers after index starting from activation.
func forwardFrom(n *Network, index int, activation *model.FeatureMap) []float64 {
	current := activation
	for _, l := range n.layers[index+1:] {
		current = l.forward(current)
	}
	return current.Values()
}

func TestGradientMatchesFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	net, err := New(tinySpec(rng, 6, 3))
	require.NoError(t, err)
	input := randomInput(rng, 6)

	const h = 1e-6
	for _, layerName := range []string{"conv1", "conv2"} {
		t.Run(layerName, func(t *testing.T) {
			layer, err := model.LookupLayer(net, layerName)
			require.NoError(t, err)
			pass, err := net.Forward(input, layer)
			require.NoError(t, err)

			for class := 0; class < 3; class++ {
				grad, err := pass.Gradient(class)
				require.NoError(t, err)

				activation := pass.Activation()
				for y := 0; y < activation.Height; y++ {
					for x := 0; x < activation.Width; x++ {
						for c := 0; c < activation.Channels; c++ {
							perturbed := model.NewFeatureMap(activation.Height, activation.Width, activation.Channels, activation.Values())
							perturbed.Set(y, x, c, activation.At(y, x, c)+h)
							plus := forwardFrom(net, layer.Index, perturbed)[class]
							perturbed.Set(y, x, c, activation.At(y, x, c)-h)
							minus := forwardFrom(net, layer.Index, perturbed)[class]

							assert.InDelta(t, (plus-minus)/(2*h), grad.At(y, x, c), 1e-5,
								"class %d at (%d,%d,%d)", class, y, x, c)
						}
					}
				}
			}
		})
	}
}

func TestForwardValidatesInput(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	net, err := New(tinySpec(rng, 6, 3))
	require.NoError(t, err)
	layer, err := model.LastConvLayer(net)
	require.NoError(t, err)

	batch := &model.Tensor{Shape: []int64{2, 6, 6, 3}, Data: make([]float32, 2*6*6*3)}
	_, err = net.Forward(batch, layer)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = net.Forward(randomInput(rng, 5), layer)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = net.Forward(randomInput(rng, 6), model.Layer{Name: "elsewhere", Index: 1, Spatial: true})
	assert.ErrorIs(t, err, model.ErrConfiguration)

	pass, err := net.Forward(randomInput(rng, 6), layer)
	require.NoError(t, err)
	_, err = pass.Gradient(3)
	assert.ErrorIs(t, err, model.ErrClassOutOfRange)
}

func TestSoftmaxScoresSumToOne(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	net, err := New(tinySpec(rng, 6, 4))
	require.NoError(t, err)
	layer, err := model.LastConvLayer(net)
	require.NoError(t, err)

	pass, err := net.Forward(randomInput(rng, 6), layer)
	require.NoError(t, err)

	sum := 0.0
	for _, s := range pass.Scores() {
		assert.Greater(t, s, 0.0)
		sum += s
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestConcurrentForwardIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	net, err := New(tinySpec(rng, 8, 3))
	require.NoError(t, err)
	layer, err := model.LastConvLayer(net)
	require.NoError(t, err)
	input := randomInput(rng, 8)

	reference, err := net.Forward(input, layer)
	require.NoError(t, err)
	want, err := reference.Gradient(1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pass, err := net.Forward(input, layer)
			if err != nil {
				errs <- err
				return
			}
			got, err := pass.Gradient(1)
			if err != nil {
				errs <- err
				return
			}
			if !assert.ObjectsAreEqual(want.Values(), got.Values()) {
				errs <- errors.New("gradient differs between concurrent passes")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestLoad(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 14))
	spec := tinySpec(rng, 6, 2)
	spec.Classes = []string{"Benign Mole", "Melanoma"}

	data, err := json.Marshal(spec)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tiny.json")
	require.NoError(t, os.WriteFile(path, data, 0644))

	net, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tiny", net.Name())
	assert.Equal(t, spec.Classes, net.Classes())

	h, w, c := net.InputShape()
	assert.Equal(t, [3]int{6, 6, 3}, [3]int{h, w, c})

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

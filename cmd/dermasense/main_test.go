package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/dermasense-api/internal/model"
	"github.com/Brownie44l1/dermasense-api/internal/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weights(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = float64(i%5-2) / 8
	}
	return v
}

// setup writes a config with a single native consumer model and a sharp
// test photo, returning their paths.
func setup(t *testing.T) (configPath, imagePath string) {
	t.Helper()
	dir := t.TempDir()

	spec := network.Spec{
		Name:       "cli_net",
		InputShape: []int{8, 8, 3},
		Classes:    []string{"Benign Mole", "Melanoma"},
		Layers: []network.LayerSpec{
			{Name: "conv1", Type: model.LayerConv2D, Filters: 3, KernelSize: []int{3, 3}, Padding: "same", Activation: "relu", Kernel: weights(3 * 3 * 3 * 3)},
			{Name: "conv2", Type: model.LayerConv2D, Filters: 4, KernelSize: []int{3, 3}, Padding: "same", Activation: "relu", Kernel: weights(3 * 3 * 3 * 4)},
			{Name: "pool", Type: model.LayerGlobalAvgPool},
			{Name: "predictions", Type: model.LayerDense, Units: 2, Activation: "softmax", Kernel: weights(4 * 2)},
		},
	}
	data, err := json.Marshal(spec)
	require.NoError(t, err)
	weightsPath := filepath.Join(dir, "cli_net.json")
	require.NoError(t, os.WriteFile(weightsPath, data, 0644))

	configPath = filepath.Join(dir, "dermasense.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(`
models:
  - name: consumer
    backend: native
    weights: %s
    preprocessing: unit
cache_dir: %s
`, weightsPath, filepath.Join(dir, "cache"))), 0644))

	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			if (x/2+y/2)%2 == 0 {
				img.SetRGBA(x, y, color.RGBA{R: 200, G: 120, B: 90, A: 255})
			} else {
				img.SetRGBA(x, y, color.RGBA{R: 40, G: 20, B: 10, A: 255})
			}
		}
	}
	imagePath = filepath.Join(dir, "lesion.png")
	f, err := os.Create(imagePath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return configPath, imagePath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLayersCommand(t *testing.T) {
	configPath, _ := setup(t)

	out, err := execute(t, "--config", configPath, "layers")
	require.NoError(t, err)
	assert.Contains(t, out, "Model: consumer (consumer), input 8x8")
	assert.Regexp(t, `conv2\s+conv2d\s+8x8x4\s+\*`, out)
}

func TestAnalyzeCommand(t *testing.T) {
	configPath, imagePath := setup(t)
	overlayPath := filepath.Join(filepath.Dir(imagePath), "overlay.jpg")

	out, err := execute(t, "--config", configPath, "analyze", imagePath, "--overlay", overlayPath)
	require.NoError(t, err)

	var report struct {
		Model          string `json:"model"`
		ExplainedLayer string `json:"explainedLayer"`
		HeatmapSize    [2]int `json:"heatmapSize"`
		Predictions    []model.Prediction
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "consumer", report.Model)
	assert.Equal(t, "conv2", report.ExplainedLayer)
	assert.Equal(t, [2]int{8, 8}, report.HeatmapSize)
	assert.Len(t, report.Predictions, 2)

	info, err := os.Stat(overlayPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())
}

func TestHeatmapCommand(t *testing.T) {
	configPath, imagePath := setup(t)
	out := filepath.Join(t.TempDir(), "heatmap.png")

	stdout, err := execute(t, "--config", configPath, "heatmap", imagePath, "-o", out, "--layer", "conv1", "--class", "1", "--alpha", "0.7")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Melanoma")

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 20), img.Bounds())

	_, err = execute(t, "--config", configPath, "heatmap", imagePath, "-o", out, "--class", "2")
	assert.ErrorIs(t, err, model.ErrClassOutOfRange)

	_, err = execute(t, "--config", configPath, "heatmap", imagePath, "-o", out, "--alpha", "2")
	assert.Error(t, err)

	_, err = execute(t, "--config", configPath, "-m", "clinical", "heatmap", imagePath)
	assert.Error(t, err)
}

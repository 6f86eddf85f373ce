package analysis

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/Brownie44l1/dermasense-api/internal/config"
	"github.com/Brownie44l1/dermasense-api/internal/model"
	"github.com/Brownie44l1/dermasense-api/internal/network"
	"github.com/Brownie44l1/dermasense-api/internal/registry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomValues(rng *rand.Rand, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = rng.NormFloat64() * 0.3
	}
	return v
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	rng := rand.New(rand.NewPCG(21, 22))
	net, err := network.New(network.Spec{
		Name:       "lesions",
		InputShape: []int{8, 8, 3},
		Classes:    []string{"Benign Mole", "Melanoma", "Basal Cell Carcinoma"},
		Layers: []network.LayerSpec{
			{Name: "conv1", Type: model.LayerConv2D, Filters: 4, KernelSize: []int{3, 3}, Padding: "same", Activation: "relu",
				Kernel: randomValues(rng, 3*3*3*4), Bias: randomValues(rng, 4)},
			{Name: "conv2", Type: model.LayerConv2D, Filters: 4, KernelSize: []int{3, 3}, Padding: "valid", Activation: "relu",
				Kernel: randomValues(rng, 3*3*4*4), Bias: randomValues(rng, 4)},
			{Name: "pool", Type: model.LayerGlobalAvgPool},
			{Name: "predictions", Type: model.LayerDense, Units: 3, Activation: "softmax",
				Kernel: randomValues(rng, 4*3), Bias: randomValues(rng, 3)},
		},
	})
	require.NoError(t, err)

	entry, err := registry.NewEntry("consumer", config.ModeConsumer, net, "", model.PreprocessUnit)
	require.NoError(t, err)
	reg, err := registry.New(entry)
	require.NoError(t, err)
	return reg
}

func checkerboard(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img
}

func flat(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestAnalyze(t *testing.T) {
	reg := testRegistry(t)
	analyzer := NewAnalyzer(reg, Options{})

	report, err := analyzer.Analyze(context.Background(), "consumer", encodePNG(t, checkerboard(16, 12)))
	require.NoError(t, err)

	_, err = uuid.Parse(report.ID)
	assert.NoError(t, err)
	assert.Equal(t, "consumer", report.Model)
	assert.Equal(t, config.ModeConsumer, report.Mode)
	assert.True(t, report.Quality.Clear)

	require.Len(t, report.Predictions, 3)
	total := 0.0
	for i, p := range report.Predictions {
		total += p.Confidence
		if i > 0 {
			assert.GreaterOrEqual(t, report.Predictions[i-1].Confidence, p.Confidence)
		}
	}
	assert.InDelta(t, 100, total, 0.05)
	assert.Equal(t, ClassifyRisk(report.Predictions[0].Label), report.RiskLevel)

	assert.Equal(t, "conv2", report.ExplainedLayer)
	assert.Equal(t, [2]int{6, 6}, report.HeatmapSize)
	assert.True(t, strings.HasPrefix(report.HeatmapImage, "data:image/jpeg;base64,"))
	assert.NotEmpty(t, report.OriginalImageBase64)
	assert.NotEmpty(t, report.OriginalJPEG)
	assert.Equal(t, image.Rect(0, 0, 16, 12), report.Overlay.Bounds())
}

func TestAnalyzeErrors(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	_, err := NewAnalyzer(reg, Options{}).Analyze(ctx, "clinical", encodePNG(t, checkerboard(8, 8)))
	assert.ErrorIs(t, err, registry.ErrUnknownModel)

	_, err = NewAnalyzer(reg, Options{}).Analyze(ctx, "consumer", []byte("not an image"))
	assert.ErrorIs(t, err, ErrUnsupportedImage)

	blurry := encodePNG(t, flat(10, 10))
	_, err = NewAnalyzer(reg, Options{}).Analyze(ctx, "consumer", blurry)
	assert.ErrorIs(t, err, ErrBlurryImage)

	report, err := NewAnalyzer(reg, Options{SkipQualityCheck: true, TopK: 1}).Analyze(ctx, "consumer", blurry)
	require.NoError(t, err)
	assert.False(t, report.Quality.Clear)
	assert.Len(t, report.Predictions, 1)
}

func TestTopK(t *testing.T) {
	scores := []float64{0.1, 0.5, 0.2, 0.2}
	classes := []string{"a", "b", "c"}

	got := TopK(scores, classes, 3)
	assert.Equal(t, []model.Prediction{
		{Index: 1, Label: "b", Confidence: 50},
		{Index: 2, Label: "c", Confidence: 20},
		{Index: 3, Label: "class_3", Confidence: 20},
	}, got)

	assert.Len(t, TopK(scores, classes, 10), 4)
	assert.Equal(t, 12.35, TopK([]float64{0.123456}, nil, 1)[0].Confidence)
}

func TestClassifyRisk(t *testing.T) {
	tests := map[string]RiskLevel{
		"Melanoma":             RiskHigh,
		"melanoma in situ":     RiskHigh,
		"Basal Cell Carcinoma": RiskMedium,
		"Actinic Keratosis":    RiskMedium,
		"Benign Mole":          RiskLow,
		"":                     RiskLow,
	}
	for label, want := range tests {
		assert.Equal(t, want, ClassifyRisk(label), label)
	}
}

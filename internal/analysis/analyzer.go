package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"sort"
	"time"

	"github.com/Brownie44l1/dermasense-api/internal/gradcam"
	"github.com/Brownie44l1/dermasense-api/internal/model"
	"github.com/Brownie44l1/dermasense-api/internal/overlay"
	"github.com/Brownie44l1/dermasense-api/internal/registry"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Options tunes an Analyzer. Zero values fall back to the defaults.
type Options struct {
	OverlayAlpha  float64
	BlurThreshold float64
	TopK          int
	JPEGQuality   int
	// SkipQualityCheck accepts photos regardless of focus.
	SkipQualityCheck bool
}

// Analyzer runs the full explanation pipeline for one photo: quality gate,
// preprocessing, classification, Grad-CAM and overlay.
type Analyzer struct {
	registry *registry.Registry
	opts     Options
}

func NewAnalyzer(reg *registry.Registry, opts Options) *Analyzer {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 90
	}
	if opts.BlurThreshold == 0 {
		opts.BlurThreshold = DefaultBlurThreshold
	}
	return &Analyzer{registry: reg, opts: opts}
}

// Report is the outcome of analysing one photo.
type Report struct {
	ID          string             `json:"id"`
	Model       string             `json:"model"`
	Mode        string             `json:"mode"`
	CreatedAt   time.Time          `json:"createdAt"`
	Predictions []model.Prediction `json:"predictions"`
	RiskLevel   RiskLevel          `json:"riskLevel"`
	Quality     Quality            `json:"quality"`
	// ExplainedLayer and HeatmapSize describe the Grad-CAM source layer.
	ExplainedLayer      string `json:"explainedLayer"`
	HeatmapSize         [2]int `json:"heatmapSize"`
	HeatmapImage        string `json:"heatmapImage"`
	OriginalImageBase64 string `json:"originalImageBase64"`

	Overlay image.Image `json:"-"`
	// OriginalJPEG is the uploaded photo re-encoded as JPEG for vision prompts.
	OriginalJPEG []byte `json:"-"`
}

// Analyze classifies the photo in data with the named model and explains
// the top prediction.
func (a *Analyzer) Analyze(ctx context.Context, modelName string, data []byte) (*Report, error) {
	log := klog.FromContext(ctx)

	entry, err := a.registry.Get(modelName)
	if err != nil {
		return nil, err
	}

	img, format, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	log.V(2).Info("decoded image", "format", format, "width", img.Bounds().Dx(), "height", img.Bounds().Dy())

	quality := CheckQuality(img, a.opts.BlurThreshold)
	if !a.opts.SkipQualityCheck {
		if err := quality.Err(); err != nil {
			return nil, err
		}
	}

	input, err := Preprocess(img, entry.ImageWidth, entry.ImageHeight, entry.Preprocessing)
	if err != nil {
		return nil, fmt.Errorf("preprocessing image: %w", err)
	}

	startedAt := time.Now()
	result, err := gradcam.Generate(entry.Network, input, entry.Layer)
	if err != nil {
		return nil, fmt.Errorf("explaining prediction: %w", err)
	}
	log.V(2).Info("generated heatmap", "model", entry.Name, "class", result.ClassIndex, "duration", time.Since(startedAt))

	blended, err := overlay.Apply(img, result.Heatmap, a.alpha())
	if err != nil {
		return nil, fmt.Errorf("applying overlay: %w", err)
	}

	overlayJPEG, err := encodeJPEG(blended, a.opts.JPEGQuality)
	if err != nil {
		return nil, err
	}
	originalJPEG, err := encodeJPEG(img, a.opts.JPEGQuality)
	if err != nil {
		return nil, err
	}

	predictions := TopK(result.Scores, entry.Network.Classes(), a.opts.TopK)
	rows, cols := result.Heatmap.Dims()

	return &Report{
		ID:                  uuid.NewString(),
		Model:               entry.Name,
		Mode:                entry.Mode,
		CreatedAt:           time.Now().UTC(),
		Predictions:         predictions,
		RiskLevel:           ClassifyRisk(predictions[0].Label),
		Quality:             quality,
		ExplainedLayer:      entry.Layer.Name,
		HeatmapSize:         [2]int{rows, cols},
		HeatmapImage:        "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(overlayJPEG),
		OriginalImageBase64: base64.StdEncoding.EncodeToString(data),
		Overlay:             blended,
		OriginalJPEG:        originalJPEG,
	}, nil
}

func (a *Analyzer) alpha() float64 {
	if a.opts.OverlayAlpha == 0 {
		return overlay.DefaultAlpha
	}
	return a.opts.OverlayAlpha
}

// TopK returns the k highest scores as percentages rounded to two decimals,
// best first. Ties keep class order.
func TopK(scores []float64, classes []string, k int) []model.Prediction {
	indices := make([]int, len(scores))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return scores[indices[i]] > scores[indices[j]]
	})
	if k > len(indices) {
		k = len(indices)
	}

	predictions := make([]model.Prediction, 0, k)
	for _, idx := range indices[:k] {
		label := fmt.Sprintf("class_%d", idx)
		if idx < len(classes) {
			label = classes[idx]
		}
		predictions = append(predictions, model.Prediction{
			Index:      idx,
			Label:      label,
			Confidence: math.Round(scores[idx]*100*100) / 100,
		})
	}
	return predictions
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

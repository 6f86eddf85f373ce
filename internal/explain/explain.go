// Package explain asks a hosted generative model to phrase analysis results
// in plain language.
package explain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Brownie44l1/dermasense-api/internal/model"
)

// Part is one element of a multimodal prompt: either text or an image.
type Part struct {
	Text     string
	Data     []byte
	MIMEType string
}

func TextPart(text string) Part { return Part{Text: text} }

func JPEGPart(data []byte) Part { return Part{Data: data, MIMEType: "image/jpeg"} }

// Generator sends a prompt to a language model and returns its text reply.
type Generator interface {
	Generate(ctx context.Context, parts []Part) (string, error)
}

// Explanation is the model's reply. Clinical prompts fill TechnicalSummary
// and ClinicalRecommendation, consumer prompts ExplanationText and
// Recommendation.
type Explanation struct {
	TechnicalSummary       string `json:"technical_summary,omitempty"`
	ClinicalRecommendation string `json:"clinical_recommendation,omitempty"`
	ExplanationText        string `json:"explanation_text,omitempty"`
	Recommendation         string `json:"recommendation,omitempty"`
}

// Comparison is the reply to a temporal comparison of two scans.
type Comparison struct {
	ChangeSummary        string `json:"change_summary"`
	ChangeRecommendation string `json:"change_recommendation"`
}

type Explainer struct {
	gen Generator
}

func NewExplainer(gen Generator) *Explainer {
	return &Explainer{gen: gen}
}

// Explain describes predictions for the photo in image. mode is
// "clinical" or "consumer".
func (e *Explainer) Explain(ctx context.Context, mode string, image []byte, predictions []model.Prediction) (*Explanation, error) {
	parts, err := VisionPrompt(mode, image, predictions)
	if err != nil {
		return nil, err
	}

	reply, err := e.gen.Generate(ctx, parts)
	if err != nil {
		return nil, fmt.Errorf("generating explanation: %w", err)
	}

	var out Explanation
	if err := json.Unmarshal([]byte(CleanJSON(reply)), &out); err != nil {
		return nil, fmt.Errorf("parsing explanation: %w", err)
	}
	return &out, nil
}

// Scan is one side of a temporal comparison.
type Scan struct {
	Image       []byte
	Predictions []model.Prediction
}

// Compare describes how a lesion evolved between an older and a newer scan
// taken elapsed apart (for example "3 weeks").
func (e *Explainer) Compare(ctx context.Context, older, newer Scan, elapsed string) (*Comparison, error) {
	reply, err := e.gen.Generate(ctx, ComparisonPrompt(older, newer, elapsed))
	if err != nil {
		return nil, fmt.Errorf("generating comparison: %w", err)
	}

	var out Comparison
	if err := json.Unmarshal([]byte(CleanJSON(reply)), &out); err != nil {
		return nil, fmt.Errorf("parsing comparison: %w", err)
	}
	return &out, nil
}

// CleanJSON strips markdown code fences models like to wrap JSON in.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

package explain

import (
	"fmt"
	"strings"

	"github.com/Brownie44l1/dermasense-api/internal/config"
	"github.com/Brownie44l1/dermasense-api/internal/model"
)

// VisionPrompt builds the prompt that pairs the photo with the model's
// differential diagnosis.
func VisionPrompt(mode string, image []byte, predictions []model.Prediction) ([]Part, error) {
	listing := formatPredictions(predictions)

	switch mode {
	case config.ModeClinical:
		return []Part{
			TextPart(fmt.Sprintf("You are a dermatology AI assistant. The primary model provided the following differential diagnosis for the attached image:\n\n%s\n\n", listing)),
			JPEGPart(image),
			TextPart("\n\nBased on this differential AND the visual evidence in the image, provide a technical summary and recommendation for a dermatologist. " +
				"Acknowledge the model's confidence levels in your reasoning. " +
				"Respond with a single JSON object with keys: 'technical_summary' and 'clinical_recommendation'. Do not output markdown."),
		}, nil
	case config.ModeConsumer:
		return []Part{
			TextPart(fmt.Sprintf("You are a helpful AI assistant explaining a skin scan. The analysis provided these potential matches for the lesion in the attached image:\n\n%s\n\n", listing)),
			JPEGPart(image),
			TextPart("\n\nLook at the image. In simple, reassuring language (2-3 sentences), explain what the top possibility is, " +
				"but also mention the other likely options, especially if the confidence scores are close. " +
				"Give a clear, single-sentence recommendation for next steps. " +
				"Respond with a single JSON object with keys 'explanation_text' and 'recommendation'. " +
				"Do not use alarming language. Do not output markdown."),
		}, nil
	}
	return nil, fmt.Errorf("unknown explanation mode %q", mode)
}

// ComparisonPrompt builds the temporal prompt for two scans of one lesion.
func ComparisonPrompt(older, newer Scan, elapsed string) []Part {
	prev, latest := topPrediction(older.Predictions), topPrediction(newer.Predictions)

	text := fmt.Sprintf(`You are an expert dermatology AI assistant performing a temporal analysis on a single skin lesion.
Analyze the two provided images, 'Scan 1 (Older)' and 'Scan 2 (Newer)', which were taken approximately %s apart.

PREVIOUS SCAN (Scan 1):
- AI's Top Prediction: %s
- AI's Confidence: %.1f%%

CURRENT SCAN (Scan 2):
- AI's Top Prediction: %s
- AI's Confidence: %.1f%%

INSTRUCTIONS:
1. Visually compare Scan 1 and Scan 2.
2. Provide a clinical summary focusing on any evolution or changes in the lesion's characteristics (the "E" in the ABCDEs of melanoma).
3. Specifically comment on any observable changes in: Asymmetry, Border irregularity, Color variegation, and Diameter.
4. Conclude with a clear recommendation based on the observed changes. If there are significant changes suggesting progression towards malignancy (e.g., new colors, rapid growth, border changes), state the urgency for an in-person dermatological consultation.

Respond with a single JSON object with two keys: "change_summary" and "change_recommendation". Do not output markdown.
`, elapsed, prev.Label, prev.Confidence, latest.Label, latest.Confidence)

	return []Part{
		TextPart(text),
		TextPart("Scan 1 (Older):"),
		JPEGPart(older.Image),
		TextPart("Scan 2 (Newer):"),
		JPEGPart(newer.Image),
	}
}

func formatPredictions(predictions []model.Prediction) string {
	lines := make([]string, 0, len(predictions))
	for _, p := range predictions {
		lines = append(lines, fmt.Sprintf("- %s: %.1f%% confidence", p.Label, p.Confidence))
	}
	return strings.Join(lines, "\n")
}

func topPrediction(predictions []model.Prediction) model.Prediction {
	if len(predictions) == 0 {
		return model.Prediction{Label: "N/A"}
	}
	return predictions[0]
}

package analysis

import "strings"

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ClassifyRisk maps a predicted label onto a triage level.
func ClassifyRisk(label string) RiskLevel {
	label = strings.ToLower(label)
	switch {
	case strings.Contains(label, "melanoma"):
		return RiskHigh
	case strings.Contains(label, "basal cell carcinoma"), strings.Contains(label, "actinic keratosis"):
		return RiskMedium
	}
	return RiskLow
}

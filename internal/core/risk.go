package core

import "encoding/json"

// RiskLevel is a coarse classification of accumulated threat evidence.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "MEDIUM":
		*r = RiskMedium
	case "HIGH":
		*r = RiskHigh
	case "CRITICAL":
		*r = RiskCritical
	default:
		*r = RiskLow
	}
	return nil
}

// Severity maps a risk level onto the event severity scale.
func (r RiskLevel) Severity() Severity {
	switch r {
	case RiskMedium:
		return SeverityMedium
	case RiskHigh:
		return SeverityHigh
	case RiskCritical:
		return SeverityCritical
	default:
		return SeverityLow
	}
}

// ScoreRisk maps a cumulative threat count to a risk level:
// 0 → LOW, 1–2 → MEDIUM, 3–4 → HIGH, 5+ → CRITICAL.
func ScoreRisk(threatCount int) RiskLevel {
	switch {
	case threatCount <= 0:
		return RiskLow
	case threatCount <= 2:
		return RiskMedium
	case threatCount <= 4:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// UserWarning returns the message shown to end users for a risk level.
// It never mentions which check fired.
func UserWarning(r RiskLevel) string {
	switch r {
	case RiskLow:
		return ""
	case RiskCritical:
		return "This app cannot continue on this device."
	default:
		return "Some features are unavailable for security reasons."
	}
}

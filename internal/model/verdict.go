package model

import (
	"strings"
	"time"
)

// RiskTier is the classifier's intellectual-property risk grade.
type RiskTier string

const (
	RiskLow    RiskTier = "Low"
	RiskMedium RiskTier = "Medium"
	RiskHigh   RiskTier = "High"
	RiskError  RiskTier = "Error"
)

// ParseRiskTier maps a classifier label onto a tier. Only the three graded
// tiers are accepted; Error is never produced by a classifier.
func ParseRiskTier(s string) (RiskTier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return RiskHigh, true
	case "medium":
		return RiskMedium, true
	case "low":
		return RiskLow, true
	default:
		return "", false
	}
}

// Verdict is the outcome of classifying one item.
type Verdict struct {
	RiskTier RiskTier `json:"risk_tier"`
	Critical bool     `json:"critical"`
	Reason   string   `json:"reason"`
}

// IsCritical reports whether the verdict calls for immediate action. The
// critical flag only counts on High verdicts.
func (v Verdict) IsCritical() bool {
	return v.RiskTier == RiskHigh && v.Critical
}

// Flagged reports whether the verdict needs human review.
func (v Verdict) Flagged() bool {
	return v.RiskTier == RiskHigh || v.RiskTier == RiskMedium
}

// ErrorVerdict builds a verdict for an item that could not be classified.
func ErrorVerdict(reason string) Verdict {
	return Verdict{RiskTier: RiskError, Reason: reason}
}

// Detail pairs a completed item with its verdict.
type Detail struct {
	Item
	Verdict
	ClassifiedAt time.Time `json:"classified_at"`
}

// FlaggedItem is a High or Medium detail surfaced in the cross-session
// history view.
type FlaggedItem struct {
	SessionID string `json:"session_id"`
	Target    string `json:"target"`
	Detail
}

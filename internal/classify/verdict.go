package classify

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ip-patrol/internal/model"
)

type rawVerdict struct {
	RiskLevel  string `json:"risk_level"`
	RiskTier   string `json:"riskTier"`
	Critical   *bool  `json:"critical"`
	IsCritical *bool  `json:"is_critical"`
	Reason     string `json:"reason"`
}

// ParseVerdict maps a classifier reply onto a verdict. Markdown code fences
// around the JSON are tolerated.
func ParseVerdict(text string) (model.Verdict, error) {
	body := stripFences(text)
	if body == "" {
		return model.Verdict{}, eris.New("empty classifier response")
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return model.Verdict{}, eris.Wrap(err, "malformed classifier response")
	}

	label := raw.RiskLevel
	if label == "" {
		label = raw.RiskTier
	}
	tier, ok := model.ParseRiskTier(label)
	if !ok {
		return model.Verdict{}, eris.Errorf("unknown risk level %q", label)
	}

	v := model.Verdict{RiskTier: tier, Reason: strings.TrimSpace(raw.Reason)}
	switch {
	case raw.Critical != nil:
		v.Critical = *raw.Critical
	case raw.IsCritical != nil:
		v.Critical = *raw.IsCritical
	}
	return v, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

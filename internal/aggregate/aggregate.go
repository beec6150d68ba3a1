// Package aggregate turns a session's details into counts, filtered views
// and exports.
package aggregate

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/ip-patrol/internal/model"
)

// View names a filtered slice of a session's details.
type View string

const (
	ViewAll     View = "all"
	ViewFlagged View = "critical_or_high"
	ViewMedium  View = "medium"
	ViewLow     View = "low"
	ViewError   View = "error"
)

// Views lists every view in display order.
var Views = []View{ViewAll, ViewFlagged, ViewMedium, ViewLow, ViewError}

// Predicate selects details.
type Predicate func(model.Detail) bool

// ParseView validates a view name. An empty name means ViewAll.
func ParseView(s string) (View, error) {
	if s == "" {
		return ViewAll, nil
	}
	for _, v := range Views {
		if string(v) == s {
			return v, nil
		}
	}
	return "", eris.Errorf("aggregate: unknown view %q", s)
}

// Predicate returns the filter for the view.
func (v View) Predicate() Predicate {
	switch v {
	case ViewFlagged:
		return func(d model.Detail) bool { return d.RiskTier == model.RiskHigh }
	case ViewMedium:
		return tierIs(model.RiskMedium)
	case ViewLow:
		return tierIs(model.RiskLow)
	case ViewError:
		return tierIs(model.RiskError)
	default:
		return func(model.Detail) bool { return true }
	}
}

func tierIs(t model.RiskTier) Predicate {
	return func(d model.Detail) bool { return d.RiskTier == t }
}

// Summarize counts details by tier. Critical counts only High details with
// the critical flag set.
func Summarize(details []model.Detail) model.Summary {
	var s model.Summary
	for _, d := range details {
		s.Add(d.RiskTier, d.IsCritical(), 1)
	}
	return s
}

// Filter returns the details matching pred, preserving order. A nil
// predicate keeps everything.
func Filter(details []model.Detail, pred Predicate) []model.Detail {
	if pred == nil {
		return details
	}
	out := make([]model.Detail, 0, len(details))
	for _, d := range details {
		if pred(d) {
			out = append(out, d)
		}
	}
	return out
}

// Merge upserts incoming details into existing by item key. A detail whose
// key is already present replaces it in place; new keys are appended in
// arrival order. existing is not modified.
func Merge(existing, incoming []model.Detail) []model.Detail {
	out := make([]model.Detail, len(existing), len(existing)+len(incoming))
	copy(out, existing)

	index := make(map[string]int, len(out)+len(incoming))
	for i, d := range out {
		index[d.Key()] = i
	}
	for _, d := range incoming {
		if i, ok := index[d.Key()]; ok {
			out[i] = d
			continue
		}
		index[d.Key()] = len(out)
		out = append(out, d)
	}
	return out
}

package aggregate

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ip-patrol/internal/model"
)

func detail(name string, tier model.RiskTier, critical bool) model.Detail {
	return model.Detail{
		Item:    model.Item{Name: name, SourceRef: "https://item.example/" + name, OriginTag: "shop"},
		Verdict: model.Verdict{RiskTier: tier, Critical: critical, Reason: "r-" + name},
	}
}

func sample() []model.Detail {
	return []model.Detail{
		detail("a", model.RiskHigh, true),
		detail("b", model.RiskHigh, false),
		detail("c", model.RiskMedium, true),
		detail("d", model.RiskLow, false),
		detail("e", model.RiskError, false),
		detail("f", model.RiskLow, false),
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(sample())
	assert.Equal(t, model.Summary{Total: 6, High: 2, Critical: 1, Medium: 1, Low: 2, Errors: 1}, s)
	assert.Equal(t, model.Summary{}, Summarize(nil))
}

func TestSummarize_CountsAddUp(t *testing.T) {
	s := Summarize(sample())
	assert.Equal(t, s.Total, s.High+s.Medium+s.Low+s.Errors)
	assert.LessOrEqual(t, s.Critical, s.High)
}

func TestFilter_Views(t *testing.T) {
	details := sample()
	names := func(ds []model.Detail) []string {
		var out []string
		for _, d := range ds {
			out = append(out, d.Name)
		}
		return out
	}

	tests := []struct {
		view View
		want []string
	}{
		{ViewAll, []string{"a", "b", "c", "d", "e", "f"}},
		{ViewFlagged, []string{"a", "b"}},
		{ViewMedium, []string{"c"}},
		{ViewLow, []string{"d", "f"}},
		{ViewError, []string{"e"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.view), func(t *testing.T) {
			assert.Equal(t, tt.want, names(Filter(details, tt.view.Predicate())))
		})
	}

	assert.Len(t, Filter(details, nil), 6)
}

func TestParseView(t *testing.T) {
	v, err := ParseView("")
	require.NoError(t, err)
	assert.Equal(t, ViewAll, v)

	v, err = ParseView("medium")
	require.NoError(t, err)
	assert.Equal(t, ViewMedium, v)

	_, err = ParseView("urgent")
	assert.Error(t, err)
}

func TestMerge_UpsertsByKey(t *testing.T) {
	existing := []model.Detail{detail("a", model.RiskError, false), detail("b", model.RiskLow, false)}
	retry := detail("a", model.RiskHigh, true)
	incoming := []model.Detail{retry, detail("c", model.RiskMedium, false)}

	merged := Merge(existing, incoming)
	require.Len(t, merged, 3)
	assert.Equal(t, model.RiskHigh, merged[0].RiskTier)
	assert.Equal(t, "b", merged[1].Name)
	assert.Equal(t, "c", merged[2].Name)

	// existing untouched
	assert.Equal(t, model.RiskError, existing[0].RiskTier)
}

func TestMerge_DuplicatesWithinIncoming(t *testing.T) {
	merged := Merge(nil, []model.Detail{detail("x", model.RiskLow, false), detail("x", model.RiskMedium, false)})
	require.Len(t, merged, 1)
	assert.Equal(t, model.RiskMedium, merged[0].RiskTier)
}

func TestExportCSV(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	d := detail("ブランド風バッグ", model.RiskHigh, true)
	d.ImageRef = "https://img.example/1.jpg"
	d.ClassifiedAt = at

	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, []model.Detail{d}))

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "\ufeff"))

	records, err := csv.NewReader(strings.NewReader(strings.TrimPrefix(out, "\ufeff"))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"name", "risk", "critical", "reason", "source", "item_url", "image_url", "date"}, records[0])
	assert.Equal(t, []string{
		"ブランド風バッグ", "High", "true", "r-ブランド風バッグ", "shop",
		"https://item.example/ブランド風バッグ", "https://img.example/1.jpg",
		at.Local().Format("2006-01-02 15:04:05"),
	}, records[1])
}

func TestExportCSV_HeaderOnly(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, nil))
	assert.Equal(t, "\ufeffname,risk,critical,reason,source,item_url,image_url,date\n", buf.String())
}

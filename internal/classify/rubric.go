package classify

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ip-patrol/internal/model"
)

const defaultSystem = `You are an intellectual-property attorney patrolling an online marketplace.
Compare the listing's item name and, when provided, its image, and grade the risk that the listing infringes
someone else's rights.

Check:
1. Trademark and unfair competition: famous brand names, logos or signature patterns (monograms and the like);
   names that hide a brand behind words such as "style", "type" or "no brand"; branded names on an obviously
   poor copy.
2. Design rights: product shapes that look like dead copies of well-known designer furniture, appliances or goods.
3. Copyright: anime or game characters, celebrity photos, or official promotional images used without permission.

Risk levels:
- High: infringement is very likely and the listing should be stopped (counterfeit logo goods, pirated media,
  obvious dead copies). Set "critical" to true when immediate takedown is warranted.
- Medium: grey zone that needs a human check ("compatible with", "type", parody goods).
- Low: an ordinary product with no sign of infringement, including plain generic nouns.

Reply with JSON only, no greeting:
{"risk_level": "High" | "Medium" | "Low", "critical": true | false, "reason": "short expert note"}`

// Rubric is the grading prompt sent with every item.
type Rubric struct {
	System         string `yaml:"system"`
	ItemLabel      string `yaml:"item_label"`
	ReasonLanguage string `yaml:"reason_language"`
}

// DefaultRubric returns the built-in marketplace patrol rubric.
func DefaultRubric() Rubric {
	return Rubric{
		System:         defaultSystem,
		ItemLabel:      "Item name",
		ReasonLanguage: "Japanese",
	}
}

// LoadRubric reads a YAML rubric, filling unset fields from the default.
func LoadRubric(path string) (Rubric, error) {
	r := DefaultRubric()
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Rubric{}, eris.Wrapf(err, "classify: read rubric %s", path)
	}

	var fromFile Rubric
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return Rubric{}, eris.Wrapf(err, "classify: parse rubric %s", path)
	}

	if s := strings.TrimSpace(fromFile.System); s != "" {
		r.System = s
	}
	if fromFile.ItemLabel != "" {
		r.ItemLabel = fromFile.ItemLabel
	}
	if fromFile.ReasonLanguage != "" {
		r.ReasonLanguage = fromFile.ReasonLanguage
	}
	return r, nil
}

// SystemPrompt returns the system instruction.
func (r Rubric) SystemPrompt() string {
	if r.ReasonLanguage == "" {
		return r.System
	}
	return r.System + "\nWrite the reason in " + r.ReasonLanguage + "."
}

// Prompt renders the per-item user prompt.
func (r Rubric) Prompt(item model.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", r.ItemLabel, strings.TrimSpace(item.Name))
	if item.Price > 0 {
		fmt.Fprintf(&b, "\nPrice: %d", item.Price)
	}
	return b.String()
}

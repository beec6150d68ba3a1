package model

import "strings"

// Item is one candidate listing pulled from a source.
type Item struct {
	Name      string `json:"name"`
	Price     int    `json:"price,omitempty"`
	ImageRef  string `json:"image_ref,omitempty"`
	SourceRef string `json:"source_ref,omitempty"` // Link back to the listing.
	OriginTag string `json:"origin_tag,omitempty"` // Shop code or file the item came from.
	Position  string `json:"position,omitempty"`   // Row within the origin file, as file:row.
}

// Key identifies the item within a session. File rows are keyed by their
// position so repeated or blank names stay distinct; listings are keyed by
// their link, and anything else by origin plus name.
func (i Item) Key() string {
	if i.Position != "" {
		return i.Position
	}
	if ref := strings.TrimSpace(i.SourceRef); ref != "" {
		return ref
	}
	return i.OriginTag + "|" + strings.TrimSpace(i.Name)
}

// Classifiable reports whether the item carries a name to classify.
func (i Item) Classifiable() bool {
	return strings.TrimSpace(i.Name) != ""
}

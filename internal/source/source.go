// Package source enumerates candidate listings page by page.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ip-patrol/internal/model"
)

// ErrSourceFetch marks a page that could not be fetched. The scheduler
// treats it as fatal for the run.
var ErrSourceFetch = eris.New("source fetch failed")

// Page is one page of enumerated items.
type Page struct {
	Number     int
	Items      []model.Item
	TotalPages int  // 0 when unknown
	Exhausted  bool // no items at or beyond this cursor
}

// Last reports whether no page follows this one.
func (p *Page) Last() bool {
	return p.Exhausted || (p.TotalPages > 0 && p.Number >= p.TotalPages)
}

// Enumerator yields pages of items. Cursors start at 1.
type Enumerator interface {
	NextPage(ctx context.Context, cursor int) (*Page, error)
}

// FetchError wraps the failure to fetch a page.
type FetchError struct {
	Page int
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch page %d: %v", e.Page, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match FetchError against ErrSourceFetch.
func (e *FetchError) Is(target error) bool {
	return target == ErrSourceFetch
}

// IsFetchError reports whether err came from a page fetch.
func IsFetchError(err error) bool {
	return errors.Is(err, ErrSourceFetch)
}

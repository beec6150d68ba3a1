package source

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/ip-patrol/internal/model"
	"github.com/sells-group/ip-patrol/pkg/rakuten"
)

// rakutenMaxPage is the deepest page the search API will serve.
const rakutenMaxPage = 100

// Rakuten enumerates one shop's listings through the Ichiba search API.
type Rakuten struct {
	client   rakuten.Client
	shopCode string
	hits     int
	total    int
}

// NewRakuten builds an enumerator for the shop behind shopURL.
func NewRakuten(client rakuten.Client, shopURL string, hits int) (*Rakuten, error) {
	code, err := rakuten.ParseShopCode(shopURL)
	if err != nil {
		return nil, err
	}
	return &Rakuten{client: client, shopCode: code, hits: hits}, nil
}

// ShopCode returns the shop being enumerated.
func (r *Rakuten) ShopCode() string { return r.shopCode }

// NextPage fetches page cursor of the shop listing.
func (r *Rakuten) NextPage(ctx context.Context, cursor int) (*Page, error) {
	if cursor > rakutenMaxPage || (r.total > 0 && cursor > r.total) {
		return &Page{Number: cursor, TotalPages: r.total, Exhausted: true}, nil
	}

	resp, err := r.client.SearchShop(ctx, rakuten.SearchRequest{
		ShopCode: r.shopCode,
		Page:     cursor,
		Hits:     r.hits,
	})
	if err != nil {
		return nil, &FetchError{Page: cursor, Err: err}
	}

	if resp.NotFound || len(resp.Items) == 0 {
		zap.L().Debug("rakuten: shop listing exhausted",
			zap.String("shop_code", r.shopCode),
			zap.Int("page", cursor),
			zap.Bool("not_found", resp.NotFound),
		)
		return &Page{Number: cursor, TotalPages: r.total, Exhausted: true}, nil
	}

	r.total = min(resp.PageCount, rakutenMaxPage)
	items := make([]model.Item, 0, len(resp.Items))
	for _, w := range resp.Items {
		items = append(items, model.Item{
			Name:      strings.TrimSpace(w.Item.ItemName),
			Price:     w.Item.ItemPrice,
			ImageRef:  w.Item.PrimaryImage(),
			SourceRef: w.Item.ItemURL,
			OriginTag: r.shopCode,
		})
	}

	return &Page{Number: cursor, Items: items, TotalPages: r.total}, nil
}

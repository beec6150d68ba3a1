// Package rakuten provides a client for the Rakuten Ichiba item search API.
package rakuten

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://app.rakuten.co.jp/services/api/IchibaItem/Search/20170706"

// MaxHits is the largest page size the search API accepts.
const MaxHits = 30

// Client defines the Ichiba search operations.
type Client interface {
	// SearchShop returns one page of a shop's listings.
	SearchShop(ctx context.Context, req SearchRequest) (*SearchResponse, error)
}

// SearchRequest selects one page of a shop listing.
type SearchRequest struct {
	ShopCode string
	Page     int
	Hits     int
}

// SearchResponse is the parsed search API response.
type SearchResponse struct {
	Count     int           `json:"count"`
	Page      int           `json:"page"`
	PageCount int           `json:"pageCount"`
	Items     []ItemWrapper `json:"Items"`

	// NotFound is set when the API rejected the shop code as a wrong
	// parameter. The shop is then treated as having no listings.
	NotFound bool `json:"-"`
}

// ItemWrapper matches the API's {"Item": {...}} envelope.
type ItemWrapper struct {
	Item Item `json:"Item"`
}

// Item is one listing in a search response.
type Item struct {
	ItemName        string     `json:"itemName"`
	ItemPrice       int        `json:"itemPrice"`
	ItemURL         string     `json:"itemUrl"`
	ItemCode        string     `json:"itemCode"`
	ShopCode        string     `json:"shopCode"`
	MediumImageURLs []ImageURL `json:"mediumImageUrls"`
}

// ImageURL is an entry of mediumImageUrls.
type ImageURL struct {
	ImageURL string `json:"imageUrl"`
}

// PrimaryImage returns the first medium image without its resize query.
func (i Item) PrimaryImage() string {
	if len(i.MediumImageURLs) == 0 {
		return ""
	}
	u := i.MediumImageURLs[0].ImageURL
	if idx := strings.IndexByte(u, '?'); idx >= 0 {
		u = u[:idx]
	}
	return u
}

// StatusError is returned for a non-200 response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "rakuten: unexpected status " + strconv.Itoa(e.StatusCode) + ": " + e.Body
}

type apiError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Option configures the Rakuten client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	appID   string
	baseURL string
	http    *http.Client
}

// NewClient creates a new Ichiba search client.
func NewClient(appID string, opts ...Option) Client {
	c := &httpClient{
		appID:   appID,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SearchShop(ctx context.Context, sr SearchRequest) (*SearchResponse, error) {
	if sr.ShopCode == "" {
		return nil, eris.New("rakuten: shop code is required")
	}
	if sr.Page < 1 {
		sr.Page = 1
	}
	if sr.Hits <= 0 || sr.Hits > MaxHits {
		sr.Hits = MaxHits
	}

	q := url.Values{}
	q.Set("format", "json")
	q.Set("shopCode", sr.ShopCode)
	q.Set("applicationId", c.appID)
	q.Set("hits", strconv.Itoa(sr.Hits))
	q.Set("page", strconv.Itoa(sr.Page))
	q.Set("imageFlag", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "rakuten: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "rakuten: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "rakuten: read response body")
	}

	// The API reports an unknown shop as 400 wrong_parameter.
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Error != "" {
		if ae.Error == "wrong_parameter" {
			return &SearchResponse{Page: sr.Page, NotFound: true}, nil
		}
		if resp.StatusCode == http.StatusOK {
			return nil, eris.Errorf("rakuten: api error %s: %s", ae.Error, ae.ErrorDescription)
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "rakuten: unmarshal response")
	}
	return &result, nil
}

// ParseShopCode extracts the shop code from a storefront, item or gold URL.
func ParseShopCode(shopURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(shopURL))
	if err != nil || u.Host == "" {
		return "", eris.Errorf("rakuten: invalid shop url %q", shopURL)
	}

	var parts []string
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}

	var code string
	switch u.Hostname() {
	case "www.rakuten.ne.jp":
		if len(parts) >= 2 && parts[0] == "gold" {
			code = parts[1]
		}
	case "www.rakuten.co.jp", "item.rakuten.co.jp":
		if len(parts) >= 1 {
			code = parts[0]
		}
	}
	if code == "" {
		return "", eris.Errorf("rakuten: no shop code in url %q", shopURL)
	}
	return code, nil
}

package rakuten

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchBody = `{
  "count": 2,
  "page": 1,
  "pageCount": 3,
  "Items": [
    {"Item": {"itemName": "Canvas Tote", "itemPrice": 2980, "itemUrl": "https://item.rakuten.co.jp/edion/1/",
      "mediumImageUrls": [{"imageUrl": "https://thumbnail.image.rakuten.co.jp/a.jpg?_ex=128x128"}]}},
    {"Item": {"itemName": "Plain Mug", "itemPrice": 800, "itemUrl": "https://item.rakuten.co.jp/edion/2/",
      "mediumImageUrls": []}}
  ]
}`

func TestSearchShop_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "json", q.Get("format"))
		assert.Equal(t, "edion", q.Get("shopCode"))
		assert.Equal(t, "app-1", q.Get("applicationId"))
		assert.Equal(t, "30", q.Get("hits"))
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "1", q.Get("imageFlag"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(searchBody))
	}))
	defer srv.Close()

	client := NewClient("app-1", WithBaseURL(srv.URL))
	got, err := client.SearchShop(context.Background(), SearchRequest{ShopCode: "edion", Page: 2})

	require.NoError(t, err)
	assert.False(t, got.NotFound)
	assert.Equal(t, 3, got.PageCount)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "Canvas Tote", got.Items[0].Item.ItemName)
	assert.Equal(t, 2980, got.Items[0].Item.ItemPrice)
	assert.Equal(t, "https://thumbnail.image.rakuten.co.jp/a.jpg", got.Items[0].Item.PrimaryImage())
	assert.Empty(t, got.Items[1].Item.PrimaryImage())
}

func TestSearchShop_WrongParameterIsNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"wrong_parameter","error_description":"shopCode is not valid"}`))
	}))
	defer srv.Close()

	client := NewClient("app-1", WithBaseURL(srv.URL))
	got, err := client.SearchShop(context.Background(), SearchRequest{ShopCode: "nope", Page: 1})

	require.NoError(t, err)
	assert.True(t, got.NotFound)
	assert.Empty(t, got.Items)
}

func TestSearchShop_RateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"too_many_requests","error_description":"number of allowed requests has been exceeded"}`))
	}))
	defer srv.Close()

	client := NewClient("app-1", WithBaseURL(srv.URL))
	_, err := client.SearchShop(context.Background(), SearchRequest{ShopCode: "edion"})

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Contains(t, err.Error(), "429")
}

func TestSearchShop_MalformedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	client := NewClient("app-1", WithBaseURL(srv.URL))
	_, err := client.SearchShop(context.Background(), SearchRequest{ShopCode: "edion"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func TestSearchShop_RequiresShopCode(t *testing.T) {
	t.Parallel()

	client := NewClient("app-1", WithHTTPClient(http.DefaultClient))
	_, err := client.SearchShop(context.Background(), SearchRequest{})
	assert.Error(t, err)
}

func TestParseShopCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{"storefront", "https://www.rakuten.co.jp/edion/", "edion", false},
		{"item page", "https://item.rakuten.co.jp/edion/4549980000000/", "edion", false},
		{"gold page", "https://www.rakuten.ne.jp/gold/edion/", "edion", false},
		{"gold without code", "https://www.rakuten.ne.jp/gold/", "", true},
		{"other host", "https://example.com/edion/", "", true},
		{"bare root", "https://www.rakuten.co.jp/", "", true},
		{"not a url", "edion", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseShopCode(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

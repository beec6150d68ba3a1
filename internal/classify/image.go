package classify

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// maxImageBytes bounds a fetched listing image.
const maxImageBytes = 5 << 20

// ImageFetcher loads the image behind an item's image reference.
type ImageFetcher interface {
	Fetch(ctx context.Context, ref string) (*Image, error)
}

// HTTPImageFetcher fetches images over HTTP.
type HTTPImageFetcher struct {
	http *http.Client
}

// NewHTTPImageFetcher creates an image fetcher. A nil client gets a 10s
// timeout default.
func NewHTTPImageFetcher(hc *http.Client) *HTTPImageFetcher {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPImageFetcher{http: hc}
}

// Fetch downloads ref and sniffs its content type when the server omits it.
func (f *HTTPImageFetcher) Fetch(ctx context.Context, ref string) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, eris.Wrap(err, "image: create request")
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "image: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("image: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, eris.Wrap(err, "image: read body")
	}
	if len(data) > maxImageBytes {
		return nil, eris.Errorf("image: larger than %d bytes", maxImageBytes)
	}
	if len(data) == 0 {
		return nil, eris.New("image: empty body")
	}

	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mt, "image/") {
		mt = http.DetectContentType(data)
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = mt[:i]
		}
	}
	if !strings.HasPrefix(mt, "image/") {
		return nil, eris.Errorf("image: unsupported content type %q", mt)
	}

	return &Image{MimeType: mt, Data: data}, nil
}

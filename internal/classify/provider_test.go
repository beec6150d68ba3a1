package classify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ip-patrol/internal/model"
	"github.com/sells-group/ip-patrol/pkg/anthropic"
	"github.com/sells-group/ip-patrol/pkg/gemini"
)

func TestGeminiProvider_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"risk_level\":\"Low\",\"reason\":\"ok\"}"}]}}]}`))
	}))
	defer srv.Close()

	p := NewGeminiProvider(gemini.NewClient("k", "m", gemini.WithBaseURL(srv.URL)))
	text, err := p.Assess(context.Background(), Request{System: "s", Prompt: "Item name: x"})
	require.NoError(t, err)
	assert.Equal(t, `{"risk_level":"Low","reason":"ok"}`, text)
	assert.Equal(t, "gemini", p.Name())
}

func TestGeminiProvider_StatusMapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"Resource has been exhausted"}}`))
	}))
	defer srv.Close()

	p := NewGeminiProvider(gemini.NewClient("k", "m", gemini.WithBaseURL(srv.URL)))
	_, err := p.Assess(context.Background(), Request{Prompt: "x"})

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 429, se.StatusCode)
	assert.True(t, Retryable(err))
}

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if v := args.Get(0); v != nil {
		return v.(*anthropic.MessageResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestAnthropicProvider_SendsImageAndCachedRubric(t *testing.T) {
	m := &mockAnthropic{}
	m.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r anthropic.MessageRequest) bool {
		return r.Model == "claude-haiku-4-5-20251001" &&
			r.MaxTokens == 512 &&
			len(r.System) == 1 && r.System[0].CacheControl != nil &&
			len(r.Messages) == 1 && r.Messages[0].Image != nil
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: `{"risk_level":"High","reason":"x"}`}},
	}, nil)

	p := NewAnthropicProvider(m, "claude-haiku-4-5-20251001", 0)
	text, err := p.Assess(context.Background(), Request{
		System: "rubric",
		Prompt: "Item name: x",
		Image:  &Image{MimeType: "image/png", Data: []byte{1}},
	})
	require.NoError(t, err)
	assert.Contains(t, text, "High")
	m.AssertExpectations(t)
}

func TestAnthropicProvider_DropsUnsupportedImage(t *testing.T) {
	m := &mockAnthropic{}
	m.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r anthropic.MessageRequest) bool {
		return r.Messages[0].Image == nil
	})).Return(&anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: "{}"}}}, nil)

	p := NewAnthropicProvider(m, "model", 256)
	_, err := p.Assess(context.Background(), Request{Prompt: "x", Image: &Image{MimeType: "image/bmp", Data: []byte{1}}})
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestAnthropicProvider_StatusMapped(t *testing.T) {
	m := &mockAnthropic{}
	m.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, &anthropic.APIError{StatusCode: 529, Message: "overloaded"})

	p := NewAnthropicProvider(m, "model", 256)
	_, err := p.Assess(context.Background(), Request{Prompt: "x"})

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "anthropic", se.Provider)
	assert.True(t, se.Retryable())
}

func TestLoadRubric(t *testing.T) {
	def, err := LoadRubric("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRubric(), def)

	path := filepath.Join(t.TempDir(), "rubric.yaml")
	require.NoError(t, os.WriteFile(path, []byte("system: |\n  Grade strictly.\nreason_language: English\n"), 0o644))

	r, err := LoadRubric(path)
	require.NoError(t, err)
	assert.Equal(t, "Grade strictly.", r.System)
	assert.Equal(t, "Item name", r.ItemLabel)
	assert.Equal(t, "Grade strictly.\nWrite the reason in English.", r.SystemPrompt())
	assert.Equal(t, "Item name: Tote\nPrice: 1200", r.Prompt(model.Item{Name: " Tote ", Price: 1200}))

	_, err = LoadRubric(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestHTTPImageFetcher(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/typed.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write([]byte{0xff, 0xd8, 0xff, 0xe0})
		case "/sniffed":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(png)
		case "/html":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPImageFetcher(srv.Client())

	img, err := f.Fetch(context.Background(), srv.URL+"/typed.jpg")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", img.MimeType)

	img, err = f.Fetch(context.Background(), srv.URL+"/sniffed")
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MimeType)

	_, err = f.Fetch(context.Background(), srv.URL+"/html")
	assert.Error(t, err)

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}

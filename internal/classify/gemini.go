package classify

import (
	"context"
	"errors"

	"github.com/sells-group/ip-patrol/pkg/gemini"
)

// GeminiProvider classifies through the Gemini generateContent endpoint.
type GeminiProvider struct {
	client gemini.Client
}

// NewGeminiProvider wraps a Gemini client.
func NewGeminiProvider(client gemini.Client) *GeminiProvider {
	return &GeminiProvider{client: client}
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return "gemini" }

// Assess implements Provider.
func (p *GeminiProvider) Assess(ctx context.Context, req Request) (string, error) {
	greq := gemini.Request{
		SystemInstruction: req.System,
		Text:              req.Prompt,
		JSONResponse:      true,
	}
	if req.Image != nil {
		greq.Image = &gemini.InlineImage{MimeType: req.Image.MimeType, Data: req.Image.Data}
	}

	resp, err := p.client.GenerateContent(ctx, greq)
	if err != nil {
		var apiErr *gemini.APIError
		if errors.As(err, &apiErr) {
			return "", &StatusError{Provider: p.Name(), StatusCode: apiErr.StatusCode, Message: apiErr.Message}
		}
		return "", err
	}
	return resp.Text, nil
}

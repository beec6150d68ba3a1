package classify

import (
	"context"
	"errors"

	"github.com/sells-group/ip-patrol/pkg/anthropic"
)

// anthropicImageTypes are the media types the Messages API accepts inline.
var anthropicImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// AnthropicProvider classifies through the Anthropic Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicProvider wraps an Anthropic client.
func NewAnthropicProvider(client anthropic.Client, model string, maxTokens int64) *AnthropicProvider {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &AnthropicProvider{client: client, model: model, maxTokens: maxTokens}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Assess implements Provider.
func (p *AnthropicProvider) Assess(ctx context.Context, req Request) (string, error) {
	msg := anthropic.Message{Role: "user", Content: req.Prompt}
	if req.Image != nil && anthropicImageTypes[req.Image.MimeType] {
		msg.Image = &anthropic.Image{MediaType: req.Image.MimeType, Data: req.Image.Data}
	}

	mreq := anthropic.MessageRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages:  []anthropic.Message{msg},
	}
	if req.System != "" {
		mreq.System = anthropic.BuildCachedSystemBlocks(req.System)
	}

	resp, err := p.client.CreateMessage(ctx, mreq)
	if err != nil {
		var apiErr *anthropic.APIError
		if errors.As(err, &apiErr) {
			return "", &StatusError{Provider: p.Name(), StatusCode: apiErr.StatusCode, Message: apiErr.Message}
		}
		return "", err
	}
	resp.Usage.LogCost(p.model, "classify")
	return resp.Text(), nil
}

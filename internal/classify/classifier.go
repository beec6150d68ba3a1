package classify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/ip-patrol/internal/model"
	"github.com/sells-group/ip-patrol/internal/resilience"
)

// ReasonRateLimited is the verdict reason once retries are exhausted.
const ReasonRateLimited = "rate limit exceeded"

// ReasonNoName is the verdict reason for an item without a name.
const ReasonNoName = "n/a"

// Options configures a Classifier.
type Options struct {
	Rubric  Rubric
	Retry   resilience.RetryConfig
	Timeout time.Duration // per call; default 30s
	Images  ImageFetcher  // nil disables image fetching
	Breaker *resilience.CircuitBreaker
}

// Classifier wraps one provider with timeout, retry and verdict parsing.
// Classify never returns an error; every failure becomes an Error verdict.
type Classifier struct {
	provider Provider
	opts     Options
}

// New creates a Classifier.
func New(provider Provider, opts Options) *Classifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Rubric.System == "" {
		opts.Rubric = DefaultRubric()
	}
	if opts.Retry.ShouldRetry == nil {
		opts.Retry.ShouldRetry = Retryable
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger(provider.Name(), "classify")
	}
	return &Classifier{provider: provider, opts: opts}
}

// Classify grades one item.
func (c *Classifier) Classify(ctx context.Context, item model.Item) model.Verdict {
	if !item.Classifiable() {
		return model.Verdict{RiskTier: model.RiskLow, Reason: ReasonNoName}
	}

	req := Request{
		System: c.opts.Rubric.SystemPrompt(),
		Prompt: c.opts.Rubric.Prompt(item),
		Image:  c.fetchImage(ctx, item),
	}

	text, state, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context, _ resilience.RetryState) (string, error) {
		return c.call(ctx, req)
	})
	if err != nil {
		return c.failure(item, state, err)
	}

	v, err := ParseVerdict(text)
	if err != nil {
		zap.L().Warn("classify: unparseable response",
			zap.String("item", item.Name),
			zap.String("provider", c.provider.Name()),
			zap.Error(err),
		)
		return model.ErrorVerdict(err.Error())
	}
	return v
}

// call runs one attempt under the per-call timeout, through the breaker
// when one is configured.
func (c *Classifier) call(ctx context.Context, req Request) (string, error) {
	attempt := func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		return c.provider.Assess(callCtx, req)
	}
	if c.opts.Breaker == nil {
		return attempt(ctx)
	}
	return resilience.ExecuteVal(ctx, c.opts.Breaker, attempt)
}

func (c *Classifier) failure(item model.Item, state resilience.RetryState, err error) model.Verdict {
	reason := err.Error()
	var exhausted *resilience.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		reason = ReasonRateLimited
	case errors.Is(err, resilience.ErrCircuitOpen):
		reason = "classifier unavailable: circuit open"
	}

	zap.L().Warn("classify: item failed",
		zap.String("item", item.Name),
		zap.String("provider", c.provider.Name()),
		zap.Int("attempt", state.Attempt),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return model.ErrorVerdict(reason)
}

func (c *Classifier) fetchImage(ctx context.Context, item model.Item) *Image {
	if c.opts.Images == nil || item.ImageRef == "" {
		return nil
	}
	img, err := c.opts.Images.Fetch(ctx, item.ImageRef)
	if err != nil {
		zap.L().Debug("classify: image fetch failed, classifying text only",
			zap.String("item", item.Name),
			zap.String("image_ref", item.ImageRef),
			zap.Error(err),
		)
		return nil
	}
	return img
}

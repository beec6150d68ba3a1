package source

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// paced enforces a minimum delay between page requests on top of another
// Enumerator. The delay is a courtesy to the upstream, not a retry.
type paced struct {
	next    Enumerator
	limiter *rate.Limiter
}

// Paced wraps next so consecutive NextPage calls are at least minDelay
// apart. A non-positive delay returns next unchanged.
func Paced(next Enumerator, minDelay time.Duration) Enumerator {
	if minDelay <= 0 {
		return next
	}
	return &paced{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(minDelay), 1),
	}
}

func (p *paced) NextPage(ctx context.Context, cursor int) (*Page, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.next.NextPage(ctx, cursor)
}

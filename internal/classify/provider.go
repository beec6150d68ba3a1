// Package classify turns one listing into a risk verdict by calling an
// external AI classifier.
package classify

import (
	"context"
	"errors"
	"fmt"

	"github.com/sells-group/ip-patrol/internal/resilience"
)

// Provider is one classifier backend. Assess returns the raw model text,
// expected to hold a JSON verdict.
type Provider interface {
	Name() string
	Assess(ctx context.Context, req Request) (string, error)
}

// Request is the backend-neutral classification prompt.
type Request struct {
	System string
	Prompt string
	Image  *Image
}

// Image is a fetched listing image.
type Image struct {
	MimeType string
	Data     []byte
}

// StatusError is a non-success HTTP status from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return resilience.IsTransientHTTPStatus(e.StatusCode)
}

// Retryable decides whether a provider error is transient: a retryable
// status, a per-call timeout, or a network failure.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return resilience.IsTransient(err)
}

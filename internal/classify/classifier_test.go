package classify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ip-patrol/internal/model"
	"github.com/sells-group/ip-patrol/internal/resilience"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Assess(ctx context.Context, req Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type fakeImages struct {
	img *Image
	err error
}

func (f fakeImages) Fetch(context.Context, string) (*Image, error) {
	return f.img, f.err
}

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: attempts,
		Unit:        time.Millisecond,
		Base:        2,
		MaxBackoff:  5 * time.Millisecond,
	}
}

var bag = model.Item{Name: "Monogram canvas bag", ImageRef: "https://img/1.jpg", OriginTag: "shop"}

func TestClassify_EmptyNameSkipsCall(t *testing.T) {
	p := &mockProvider{}
	c := New(p, Options{Retry: fastRetry(3)})

	for _, name := range []string{"", "   "} {
		v := c.Classify(context.Background(), model.Item{Name: name})
		assert.Equal(t, model.RiskLow, v.RiskTier)
		assert.Equal(t, ReasonNoName, v.Reason)
	}
	p.AssertNumberOfCalls(t, "Assess", 0)
}

func TestClassify_Success(t *testing.T) {
	p := &mockProvider{}
	p.On("Assess", mock.Anything, mock.MatchedBy(func(r Request) bool {
		return r.Prompt == "Item name: Monogram canvas bag" && r.Image != nil && r.Image.MimeType == "image/jpeg"
	})).Return("```json\n{\"risk_level\":\"High\",\"critical\":true,\"reason\":\"logo pattern\"}\n```", nil).Once()

	c := New(p, Options{
		Retry:  fastRetry(3),
		Images: fakeImages{img: &Image{MimeType: "image/jpeg", Data: []byte{1}}},
	})
	v := c.Classify(context.Background(), bag)

	assert.Equal(t, model.Verdict{RiskTier: model.RiskHigh, Critical: true, Reason: "logo pattern"}, v)
	p.AssertExpectations(t)
}

func TestClassify_RateLimitedNeverExceedsCeiling(t *testing.T) {
	p := &mockProvider{}
	p.On("Assess", mock.Anything, mock.Anything).
		Return("", &StatusError{Provider: "mock", StatusCode: 429, Message: "quota"})

	c := New(p, Options{Retry: fastRetry(5)})
	v := c.Classify(context.Background(), bag)

	assert.Equal(t, model.RiskError, v.RiskTier)
	assert.Equal(t, ReasonRateLimited, v.Reason)
	p.AssertNumberOfCalls(t, "Assess", 5)
}

func TestClassify_TransientThenSuccess(t *testing.T) {
	p := &mockProvider{}
	p.On("Assess", mock.Anything, mock.Anything).
		Return("", &StatusError{Provider: "mock", StatusCode: 503, Message: "overloaded"}).Twice()
	p.On("Assess", mock.Anything, mock.Anything).
		Return(`{"risk_level":"Medium","reason":"compatible-with wording"}`, nil).Once()

	c := New(p, Options{Retry: fastRetry(6)})
	v := c.Classify(context.Background(), bag)

	assert.Equal(t, model.RiskMedium, v.RiskTier)
	assert.False(t, v.Critical)
	p.AssertNumberOfCalls(t, "Assess", 3)
}

func TestClassify_PermanentFailureNoRetry(t *testing.T) {
	p := &mockProvider{}
	p.On("Assess", mock.Anything, mock.Anything).
		Return("", &StatusError{Provider: "mock", StatusCode: 400, Message: "API key not valid"})

	c := New(p, Options{Retry: fastRetry(6)})
	v := c.Classify(context.Background(), bag)

	assert.Equal(t, model.RiskError, v.RiskTier)
	assert.Contains(t, v.Reason, "status 400")
	assert.Contains(t, v.Reason, "API key not valid")
	p.AssertNumberOfCalls(t, "Assess", 1)
}

func TestClassify_MalformedBody(t *testing.T) {
	p := &mockProvider{}
	p.On("Assess", mock.Anything, mock.Anything).Return("I think this is fine", nil)

	c := New(p, Options{Retry: fastRetry(3)})
	v := c.Classify(context.Background(), bag)

	assert.Equal(t, model.RiskError, v.RiskTier)
	assert.Contains(t, v.Reason, "malformed")
	p.AssertNumberOfCalls(t, "Assess", 1)
}

type slowProvider struct {
	calls atomic.Int32
}

func (s *slowProvider) Name() string { return "slow" }

func (s *slowProvider) Assess(ctx context.Context, _ Request) (string, error) {
	s.calls.Add(1)
	<-ctx.Done()
	return "", ctx.Err()
}

func TestClassify_TimeoutIsRetried(t *testing.T) {
	p := &slowProvider{}
	c := New(p, Options{Retry: fastRetry(3), Timeout: 5 * time.Millisecond})

	v := c.Classify(context.Background(), bag)

	assert.Equal(t, model.RiskError, v.RiskTier)
	assert.Equal(t, ReasonRateLimited, v.Reason)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestClassify_ImageFailureIsNonFatal(t *testing.T) {
	p := &mockProvider{}
	p.On("Assess", mock.Anything, mock.MatchedBy(func(r Request) bool { return r.Image == nil })).
		Return(`{"risk_level":"Low","reason":"generic"}`, nil)

	c := New(p, Options{Retry: fastRetry(3), Images: fakeImages{err: errors.New("404")}})
	v := c.Classify(context.Background(), bag)

	assert.Equal(t, model.RiskLow, v.RiskTier)
	p.AssertExpectations(t)
}

func TestClassify_OpenCircuitFailsFast(t *testing.T) {
	p := &mockProvider{}
	p.On("Assess", mock.Anything, mock.Anything).
		Return("", &StatusError{Provider: "mock", StatusCode: 429, Message: "quota"})

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		ShouldTrip:       Retryable,
	})
	c := New(p, Options{Retry: fastRetry(2), Breaker: breaker})

	first := c.Classify(context.Background(), bag)
	assert.Equal(t, ReasonRateLimited, first.Reason)

	second := c.Classify(context.Background(), bag)
	assert.Equal(t, model.RiskError, second.RiskTier)
	assert.Contains(t, second.Reason, "circuit open")
	p.AssertNumberOfCalls(t, "Assess", 2)
}

func TestClassify_RejectedListingsKeepCircuitClosed(t *testing.T) {
	p := &mockProvider{}
	p.On("Assess", mock.Anything, mock.Anything).
		Return("", &StatusError{Provider: "mock", StatusCode: 400, Message: "blocked content"}).Times(3)
	p.On("Assess", mock.Anything, mock.Anything).
		Return(`{"risk_level":"Low","reason":"generic"}`, nil)

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		ShouldTrip:       Retryable,
	})
	c := New(p, Options{Retry: fastRetry(2), Breaker: breaker})

	for range 3 {
		v := c.Classify(context.Background(), bag)
		assert.Equal(t, model.RiskError, v.RiskTier)
		assert.NotContains(t, v.Reason, "circuit open")
	}
	assert.Equal(t, resilience.CircuitClosed, breaker.State())

	v := c.Classify(context.Background(), bag)
	assert.Equal(t, model.RiskLow, v.RiskTier)
	p.AssertNumberOfCalls(t, "Assess", 4)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&StatusError{StatusCode: 429}))
	assert.True(t, Retryable(&StatusError{StatusCode: 502}))
	assert.False(t, Retryable(&StatusError{StatusCode: 401}))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(errors.New("bad input")))
	assert.False(t, Retryable(resilience.ErrCircuitOpen))
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    model.Verdict
		wantErr bool
	}{
		{"risk_level", `{"risk_level":"Low","reason":"desk"}`, model.Verdict{RiskTier: model.RiskLow, Reason: "desk"}, false},
		{"riskTier alias", `{"riskTier":"high","is_critical":true,"reason":"fake"}`, model.Verdict{RiskTier: model.RiskHigh, Critical: true, Reason: "fake"}, false},
		{"critical wins over alias", `{"risk_level":"High","critical":false,"is_critical":true,"reason":"x"}`, model.Verdict{RiskTier: model.RiskHigh, Reason: "x"}, false},
		{"fenced", "```\n{\"risk_level\":\"Medium\",\"reason\":\"type\"}\n```", model.Verdict{RiskTier: model.RiskMedium, Reason: "type"}, false},
		{"unknown tier", `{"risk_level":"Severe","reason":"?"}`, model.Verdict{}, true},
		{"error tier rejected", `{"risk_level":"Error","reason":"?"}`, model.Verdict{}, true},
		{"empty", "  ", model.Verdict{}, true},
		{"not json", "High risk", model.Verdict{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerdict(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

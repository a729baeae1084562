package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/myconso/internal/rate"
)

func TestChain_OutermostFirst(t *testing.T) {
	var order []string
	tag := func(name string) Interceptor {
		return func(req *http.Request, next Handler) (*http.Response, error) {
			order = append(order, name)
			return next(req)
		}
	}
	final := func(*http.Request) (*http.Response, error) {
		order = append(order, "send")
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	}

	h := Chain(final, tag("backoff"), tag("auth"), tag("rate"))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := h(req)
	require.NoError(t, err)
	assert.Equal(t, []string{"backoff", "auth", "rate", "send"}, order)
}

func TestRetryContext_DetachedWhenMissing(t *testing.T) {
	rc := RetryContextFrom(context.Background())
	require.NotNil(t, rc)
	rc.Sends++
	assert.Zero(t, RetryContextFrom(context.Background()).Sends)

	ctx, attached := WithRetryContext(context.Background())
	attached.AuthAttempts = 1
	assert.Same(t, attached, RetryContextFrom(ctx))
}

func TestRateLimit_CancelledContext(t *testing.T) {
	mgr := rate.NewManager(rate.Config{RequestsPerSecond: 0.001, Burst: 1})
	ic := RateLimit(mgr, "myconso")
	calls := 0
	next := func(*http.Request) (*http.Response, error) {
		calls++
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	}

	// first send consumes the burst
	_, err := ic(httptest.NewRequest(http.MethodGet, "/", nil), next)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	_, err = ic(req, next)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRateLimit_NilManagerPassesThrough(t *testing.T) {
	ic := RateLimit(nil, "x")
	resp, err := ic(httptest.NewRequest(http.MethodGet, "/", nil), func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusTeapot, Body: http.NoBody}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

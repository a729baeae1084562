package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/myconso/internal/metrics"
	"github.com/Checker-Finance/myconso/internal/rate"
)

// Handler sends one request and returns the raw response.
type Handler func(req *http.Request) (*http.Response, error)

// Interceptor wraps the rest of the chain. It may resend by calling next again.
type Interceptor func(req *http.Request, next Handler) (*http.Response, error)

// Chain composes interceptors around final. The first interceptor is the outermost.
func Chain(final Handler, interceptors ...Interceptor) Handler {
	h := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic, next := interceptors[i], h
		h = func(req *http.Request) (*http.Response, error) {
			return ic(req, next)
		}
	}
	return h
}

// RetryContext tracks the retry budgets of one logical request. The auth and
// transient budgets are counted independently.
type RetryContext struct {
	Sends             int
	AuthAttempts      int
	TransientAttempts int
	LastStatus        int
}

type retryContextKey struct{}

// WithRetryContext attaches a fresh RetryContext to ctx.
func WithRetryContext(ctx context.Context) (context.Context, *RetryContext) {
	rc := &RetryContext{}
	return context.WithValue(ctx, retryContextKey{}, rc), rc
}

// RetryContextFrom returns the RetryContext attached to ctx, or a detached one.
func RetryContextFrom(ctx context.Context) *RetryContext {
	if rc, ok := ctx.Value(retryContextKey{}).(*RetryContext); ok {
		return rc
	}
	return &RetryContext{}
}

// Authenticator is the credential side of the pipeline.
type Authenticator interface {
	// EnsureValid logs in or refreshes when the session is missing or stale.
	EnsureValid(ctx context.Context) error
	// AccessToken returns the current bearer token without locking.
	AccessToken() string
	// Reauthenticate rotates the session after staleToken was rejected. It is a
	// no-op when another caller already replaced staleToken.
	Reauthenticate(ctx context.Context, staleToken string) error
}

var authRetryStatus = map[int]bool{
	http.StatusUnauthorized: true,
	http.StatusForbidden:    true,
}

// Auth runs the pre-flight freshness check, stamps the bearer token and resends
// once after re-authentication when the service answers 401 or 403.
func Auth(a Authenticator, logger *zap.Logger) Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(req *http.Request, next Handler) (*http.Response, error) {
		ctx := req.Context()
		rc := RetryContextFrom(ctx)

		if err := a.EnsureValid(ctx); err != nil {
			return nil, err
		}

		for {
			// read after EnsureValid/Reauthenticate so a known-stale token is never sent
			token := a.AccessToken()
			r := req.Clone(ctx)
			r.Header.Set("Authorization", "Bearer "+token)

			resp, err := next(r)
			if err != nil {
				return nil, err
			}
			if !authRetryStatus[resp.StatusCode] {
				return resp, nil
			}

			rc.LastStatus = resp.StatusCode
			rc.AuthAttempts++
			body := drain(resp)

			if rc.AuthAttempts >= 2 {
				logger.Warn("myconso.pipeline.auth_exhausted",
					zap.String("url", req.URL.String()),
					zap.Int("status", resp.StatusCode))
				return nil, &StatusError{
					Kind:       ErrAuthentication,
					Method:     req.Method,
					URL:        req.URL.String(),
					StatusCode: resp.StatusCode,
					Attempts:   rc.Sends,
					Body:       body,
				}
			}

			logger.Debug("myconso.pipeline.reauthenticate",
				zap.String("url", req.URL.String()),
				zap.Int("status", resp.StatusCode))
			metrics.IncRetry("auth", strconv.Itoa(resp.StatusCode))

			if err := a.Reauthenticate(ctx, token); err != nil {
				return nil, err
			}
		}
	}
}

// Backoff resends responses whose status the policy marks as transient.
// sleep may be nil, in which case a context-aware timer is used.
func Backoff(p BackoffPolicy, logger *zap.Logger, sleep func(context.Context, time.Duration) error) Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sleep == nil {
		sleep = sleepCtx
	}
	return func(req *http.Request, next Handler) (*http.Response, error) {
		ctx := req.Context()
		rc := RetryContextFrom(ctx)

		for {
			resp, err := next(req)
			if err != nil {
				return nil, err
			}
			if !p.RetryOn[resp.StatusCode] {
				return resp, nil
			}

			rc.LastStatus = resp.StatusCode
			attempt := rc.TransientAttempts + 1
			if !p.ShouldRetry(attempt, resp.StatusCode) {
				// budget exhausted: hand the last response back untouched
				return resp, nil
			}
			rc.TransientAttempts = attempt
			drain(resp)

			delay := p.Delay(attempt)
			logger.Debug("myconso.pipeline.backoff",
				zap.String("url", req.URL.String()),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			metrics.IncRetry("backoff", strconv.Itoa(resp.StatusCode))

			if err := sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("backoff wait: %w", err)
			}
		}
	}
}

// RateLimit waits on the limiter for key before every send, resends included.
func RateLimit(mgr *rate.Manager, key string) Interceptor {
	return func(req *http.Request, next Handler) (*http.Response, error) {
		if mgr != nil {
			if err := mgr.Wait(req.Context(), key); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}
		return next(req)
	}
}

// drain reads a bounded prefix of the body and closes it so the connection can be reused.
func drain(resp *http.Response) []byte {
	if resp == nil || resp.Body == nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return b
}

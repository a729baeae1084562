package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/myconso/internal/metrics"
)

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Executor sends requests through an ordered interceptor chain and decodes JSON responses.
type Executor struct {
	logger       *zap.Logger
	http         Doer
	userAgent    string
	interceptors []Interceptor
	send         Handler
}

// New creates an Executor. Interceptors are applied outermost first.
func New(logger *zap.Logger, httpClient Doer, userAgent string, interceptors ...Interceptor) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	e := &Executor{
		logger:       logger,
		http:         httpClient,
		userAgent:    userAgent,
		interceptors: interceptors,
	}
	e.send = Chain(e.transport, interceptors...)
	return e
}

// Do runs req through the chain with a fresh RetryContext. The caller owns the response body.
func (e *Executor) Do(ctx context.Context, req *http.Request) (*http.Response, *RetryContext, error) {
	ctx, rc := WithRetryContext(ctx)
	req = req.WithContext(ctx)
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	resp, err := e.send(req)
	return resp, rc, err
}

// DoJSON executes req and JSON-decodes a 2xx body into out. endpoint labels metrics.
// Non-2xx responses become *StatusError; exhausted 429/503 carry ErrTransientService.
func (e *Executor) DoJSON(ctx context.Context, req *http.Request, endpoint string, out any) error {
	start := time.Now()
	defer metrics.ObserveDuration(metrics.RequestDuration, start, endpoint, req.Method)

	resp, rc, err := e.Do(ctx, req)
	if err != nil {
		metrics.IncRequest(endpoint, req.Method, statusLabel(err))
		e.logger.Warn("myconso.http_failed",
			zap.String("url", req.URL.String()),
			zap.Int("sends", rc.Sends),
			zap.Error(err))
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.IncRequest(endpoint, req.Method, "error")
		return &TransportError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	metrics.IncRequest(endpoint, req.Method, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{
			Method:     req.Method,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Attempts:   rc.Sends,
			Body:       body,
		}
		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			se.Kind = ErrTransientService
		}
		e.logger.Warn("myconso.non_2xx",
			zap.String("url", se.URL),
			zap.Int("status", se.StatusCode),
			zap.Int("sends", rc.Sends),
			zap.Int("transient_retries", rc.TransientAttempts))
		return se
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			e.logger.Warn("myconso.decode_failed",
				zap.Error(err),
				zap.String("url", req.URL.String()))
			return fmt.Errorf("decode failed: %w", err)
		}
	}

	e.logger.Debug("myconso.http_success",
		zap.String("url", req.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Int("sends", rc.Sends),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// transport is the innermost handler. Resends get a fresh body from GetBody
// because the previous send consumed it.
func (e *Executor) transport(req *http.Request) (*http.Response, error) {
	rc := RetryContextFrom(req.Context())
	r := req
	if rc.Sends > 0 && req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, fmt.Errorf("cannot resend %s %s: body is not replayable", req.Method, req.URL)
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind body: %w", err)
		}
		r = req.Clone(req.Context())
		r.Body = body
	}
	rc.Sends++

	resp, err := e.http.Do(r)
	if err != nil {
		return nil, &TransportError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	return resp, nil
}

func statusLabel(err error) string {
	if code := StatusCode(err); code != 0 {
		return strconv.Itoa(code)
	}
	return "error"
}

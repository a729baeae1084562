package myconso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/myconso/internal/auth"
	"github.com/Checker-Finance/myconso/internal/httpclient"
	"github.com/Checker-Finance/myconso/internal/rate"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://api.myconso.net"

// PreCallHook runs before every resource call. A non-nil error aborts the call.
type PreCallHook func(ctx context.Context) error

// Options configures a Client.
type Options struct {
	BaseURL     string
	Credentials auth.Credentials
	HTTPClient  httpclient.Doer
	UserAgent   string
	Backoff     httpclient.BackoffPolicy
	// RateLimit bounds every send, resends included. Nil disables limiting.
	RateLimit *rate.Manager
	Store     auth.TokenStore
	// Account keys the token store and the limiter. Defaults to the username.
	Account string
	Logger  *zap.Logger
	// Hooks run after the session check, in order.
	Hooks []PreCallHook
	Now   func() time.Time
}

// Client is the typed myconso API client. It is safe for concurrent use.
type Client struct {
	logger  *zap.Logger
	baseURL string
	session *auth.Session
	exec    *httpclient.Executor
	hooks   []PreCallHook
	now     func() time.Time

	countersMu sync.Mutex
	counters   []Counter // nil until the first successful load
}

// New builds the session and request pipeline. It fails without touching the
// network when the credentials are incomplete.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = auth.DefaultUserAgent
	}
	if opts.Backoff.RetryOn == nil {
		opts.Backoff = httpclient.DefaultBackoff()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Account == "" {
		opts.Account = opts.Credentials.Username
	}
	if opts.Account == "" {
		opts.Account = "default"
	}

	session, err := auth.NewSession(auth.Options{
		BaseURL:     opts.BaseURL,
		Credentials: opts.Credentials,
		HTTPClient:  opts.HTTPClient,
		UserAgent:   opts.UserAgent,
		Store:       opts.Store,
		Account:     opts.Account,
		Logger:      opts.Logger,
		Now:         opts.Now,
	})
	if err != nil {
		return nil, err
	}

	exec := httpclient.New(opts.Logger, opts.HTTPClient, opts.UserAgent,
		httpclient.Backoff(opts.Backoff, opts.Logger, nil),
		httpclient.Auth(session, opts.Logger),
		httpclient.RateLimit(opts.RateLimit, opts.Account),
	)

	c := &Client{
		logger:  opts.Logger,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		session: session,
		exec:    exec,
		now:     opts.Now,
	}
	c.hooks = append([]PreCallHook{session.EnsureValid}, opts.Hooks...)
	return c, nil
}

// Session exposes the underlying auth session.
func (c *Client) Session() *auth.Session { return c.session }

// Auth forces a username/password login and returns the raw response.
func (c *Client) Auth(ctx context.Context) (*auth.AuthResponse, error) {
	return c.session.Login(ctx)
}

// Dashboard returns the consumption summary of the housing.
func (c *Client) Dashboard(ctx context.Context) (*Dashboard, error) {
	housing, err := c.before(ctx)
	if err != nil {
		return nil, err
	}
	return c.dashboard(ctx, housing)
}

func (c *Client) dashboard(ctx context.Context, housing string) (*Dashboard, error) {
	raw, err := c.getRaw(ctx, "dashboard", "/secured/consumption/"+url.PathEscape(housing)+"/dashboard", nil)
	if err != nil {
		return nil, err
	}
	var d Dashboard
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode dashboard: %w", err)
	}
	if d.Raw, err = decodeDocument(raw); err != nil {
		return nil, fmt.Errorf("decode dashboard: %w", err)
	}
	return &d, nil
}

// Housing returns the housing record.
func (c *Client) Housing(ctx context.Context) (Document, error) {
	housing, err := c.before(ctx)
	if err != nil {
		return nil, err
	}
	return c.getDocument(ctx, "housing", "/secured/housing/"+url.PathEscape(housing), nil)
}

// User returns the profile of the authenticated user.
func (c *Client) User(ctx context.Context) (Document, error) {
	if _, err := c.before(ctx); err != nil {
		return nil, err
	}
	email := c.session.UserEmail()
	if email == "" {
		return nil, errors.New("myconso: session has no user e-mail")
	}
	return c.getDocument(ctx, "user", "/secured/users/"+url.PathEscape(email), nil)
}

// Counters lists the housing's counters. The list is derived from the
// dashboard on first use and cached for the life of the client.
func (c *Client) Counters(ctx context.Context) ([]Counter, error) {
	housing, err := c.before(ctx)
	if err != nil {
		return nil, err
	}
	return c.loadCounters(ctx, housing)
}

func (c *Client) loadCounters(ctx context.Context, housing string) ([]Counter, error) {
	c.countersMu.Lock()
	defer c.countersMu.Unlock()

	if c.counters != nil {
		return slices.Clone(c.counters), nil
	}
	d, err := c.dashboard(ctx, housing)
	if err != nil {
		return nil, err
	}
	counters := d.Counters()
	if counters == nil {
		counters = []Counter{}
	}
	c.counters = counters
	c.logger.Debug("myconso.counters_loaded", zap.Int("count", len(counters)))
	return slices.Clone(counters), nil
}

func (c *Client) findCounter(ctx context.Context, housing, id string) (*Counter, error) {
	counters, err := c.loadCounters(ctx, housing)
	if err != nil {
		return nil, err
	}
	for i := range counters {
		if counters[i].Counter == id {
			ctr := counters[i]
			return &ctr, nil
		}
	}
	return nil, nil
}

// MeterInfo returns the description of a counter, or nil when the housing has no such counter.
func (c *Client) MeterInfo(ctx context.Context, counterID string) (Document, error) {
	housing, err := c.before(ctx)
	if err != nil {
		return nil, err
	}
	ctr, err := c.findCounter(ctx, housing, counterID)
	if err != nil || ctr == nil {
		return nil, err
	}
	return c.getDocument(ctx, "meter_info", meterPath(housing, ctr)+"/info", nil)
}

// Meter returns the readings of a counter over r, or nil when the housing has no such counter.
func (c *Client) Meter(ctx context.Context, counterID string, r DateRange) (Document, error) {
	housing, err := c.before(ctx)
	if err != nil {
		return nil, err
	}
	ctr, err := c.findCounter(ctx, housing, counterID)
	if err != nil || ctr == nil {
		return nil, err
	}
	return c.getDocument(ctx, "meter", meterPath(housing, ctr), c.rangeQuery(r))
}

// Consumption returns daily consumption of one fluid type over r.
func (c *Client) Consumption(ctx context.Context, fluidType string, r DateRange) (Document, error) {
	housing, err := c.before(ctx)
	if err != nil {
		return nil, err
	}
	path := "/secured/consumption/" + url.PathEscape(housing) + "/" + url.PathEscape(fluidType) + "/day"
	return c.getDocument(ctx, "consumption", path, c.rangeQuery(r))
}

// before runs the pre-call hooks and returns the housing id they established.
func (c *Client) before(ctx context.Context) (string, error) {
	for _, h := range c.hooks {
		if err := h(ctx); err != nil {
			return "", err
		}
	}
	housing := c.session.HousingID()
	if housing == "" {
		return "", auth.ErrNoHousing
	}
	return housing, nil
}

func (c *Client) rangeQuery(r DateRange) url.Values {
	start, end := r.resolve(c.now())
	q := url.Values{}
	q.Set("startDate", FormatDate(start))
	q.Set("endDate", FormatDate(end))
	return q
}

func meterPath(housing string, ctr *Counter) string {
	return "/secured/meter/" + url.PathEscape(housing) + "/" +
		url.PathEscape(ctr.MeterType) + "/" + url.PathEscape(ctr.Counter)
}

func (c *Client) getDocument(ctx context.Context, endpoint, path string, q url.Values) (Document, error) {
	raw, err := c.getRaw(ctx, endpoint, path, q)
	if err != nil {
		return nil, err
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return doc, nil
}

func (c *Client) getRaw(ctx context.Context, endpoint, path string, q url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	var raw json.RawMessage
	if err := c.exec.DoJSON(ctx, req, endpoint, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

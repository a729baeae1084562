package myconso

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/myconso/internal/auth"
	"github.com/Checker-Finance/myconso/internal/httpclient"
)

const testHousing = "7552325423"

const dashboardBody = `{
	"@context": "/api/contexts/Dashboard",
	"@id": "/secured/consumption/7552325423/dashboard",
	"currentMonth": {
		"values": [
			{"counters": ["HW-1", "HW-2"], "fluidType": "waterHot", "meterType": "water", "unit": "m3",
			 "value": 1.25, "minValue": 0.1, "maxValue": 3, "weightedValue": null},
			{"counters": [4411], "fluidType": "heating", "meterType": "heat", "unit": "kWh",
			 "value": "12.5", "minValue": null, "maxValue": null, "weightedValue": 11}
		]
	}
}`

type fakeAPI struct {
	t   *testing.T
	srv *httptest.Server

	dashboards atomic.Int32
	logins     atomic.Int32
	refreshes  atomic.Int32
	rejectNext atomic.Int32 // resource requests to answer with 401

	// requests bearing the revoked access token are answered with 401
	revoked  atomic.Pointer[string]
	rejected atomic.Int32
	issued   atomic.Int32

	mu      sync.Mutex
	queries map[string]url.Values
	paths   []string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{t: t, queries: map[string]url.Values{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, _ *http.Request) {
		f.logins.Add(1)
		f.issue(w, "login")
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, _ *http.Request) {
		f.refreshes.Add(1)
		f.issue(w, "refresh")
	})
	mux.HandleFunc("/secured/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.paths = append(f.paths, r.URL.Path)
		f.queries[r.URL.Path] = r.URL.Query()
		f.mu.Unlock()

		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if tok := f.revoked.Load(); tok != nil && r.Header.Get("Authorization") == "Bearer "+*tok {
			f.rejected.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if n := f.rejectNext.Load(); n > 0 {
			f.rejectNext.Add(-1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.route(w, r)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) issue(w http.ResponseWriter, kind string) {
	now := time.Now()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
		"jti": f.issued.Add(1),
	}).SignedString([]byte("test-secret"))
	require.NoError(f.t, err)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":         tok,
		"refresh_token": kind + "-rt",
		"housing":       7552325423,
		"user":          map[string]string{"email": "test@test.com"},
	})
}

func (f *fakeAPI) route(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/ld+json")
	switch r.URL.Path {
	case "/secured/consumption/" + testHousing + "/dashboard":
		f.dashboards.Add(1)
		_, _ = w.Write([]byte(dashboardBody))
	case "/secured/housing/" + testHousing:
		_, _ = w.Write([]byte(`{"@context":"/api/contexts/Housing","@type":"Housing","id":7552325423,"address":{"@id":"/a/1","city":"Lyon"}}`))
	case "/secured/users/test@test.com":
		_, _ = w.Write([]byte(`{"@id":"/u/1","email":"test@test.com"}`))
	case "/secured/consumption/" + testHousing + "/waterHot/day":
		_, _ = w.Write([]byte(`{"@id":"x","values":[{"date":"2024-02-01T00:00:00.000+00:00","value":0.5}]}`))
	case "/secured/meter/" + testHousing + "/water/HW-1/info":
		_, _ = w.Write([]byte(`{"@type":"Meter","serial":"HW-1","location":"kitchen"}`))
	case "/secured/meter/" + testHousing + "/water/HW-1":
		_, _ = w.Write([]byte(`{"values":[{"date":"2024-02-01T00:00:00.000+00:00","value":0.5,"index":101.25}]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeAPI) query(path string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[path]
}

func (f *fakeAPI) calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.paths {
		if p == path {
			n++
		}
	}
	return n
}

func newTestClient(t *testing.T, f *fakeAPI, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		BaseURL:     f.srv.URL,
		Credentials: auth.Credentials{Username: "test@test.com", Password: "pw"},
		HTTPClient:  f.srv.Client(),
		Logger:      zap.NewNop(),
	}
	opts.Backoff = httpclient.DefaultBackoff()
	opts.Backoff.Base = time.Millisecond
	opts.Backoff.Jitter = 0
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

// ─── Construction ─────────────────────────────────────────────────────────────

func TestNew_RequiresCredentialsBeforeNetwork(t *testing.T) {
	f := newFakeAPI(t)
	_, err := New(Options{BaseURL: f.srv.URL, Credentials: auth.Credentials{Username: "only-user"}})
	assert.ErrorIs(t, err, auth.ErrNoCredentials)
	assert.EqualValues(t, 0, f.logins.Load())
	assert.Zero(t, f.dashboards.Load())
}

// ─── Dashboard and counters ───────────────────────────────────────────────────

func TestDashboard_TypedValuesAndCleanRaw(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil)

	d, err := c.Dashboard(context.Background())
	require.NoError(t, err)
	require.Len(t, d.CurrentMonth.Values, 2)

	hot := d.CurrentMonth.Values[0]
	assert.Equal(t, "waterHot", hot.FluidType)
	assert.Equal(t, "1.25", hot.Value.Decimal.String())
	assert.False(t, hot.WeightedValue.Valid)

	heat := d.CurrentMonth.Values[1]
	assert.Equal(t, "12.5", heat.Value.Decimal.String())

	assert.NotContains(t, d.Raw, "@context")
	assert.NotContains(t, d.Raw, "@id")
	assert.Contains(t, d.Raw, "currentMonth")
	assert.EqualValues(t, 1, f.logins.Load())
}

func TestCounters_FetchDashboardOnce(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	first, err := c.Counters(ctx)
	require.NoError(t, err)
	second, err := c.Counters(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, f.dashboards.Load())
	assert.Equal(t, []Counter{
		{Counter: "HW-1", FluidType: "waterHot", MeterType: "water", Unit: "m3"},
		{Counter: "HW-2", FluidType: "waterHot", MeterType: "water", Unit: "m3"},
		{Counter: "4411", FluidType: "heating", MeterType: "heat", Unit: "kWh"},
	}, first)
}

func TestCounters_ResultIsACopy(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	first, err := c.Counters(ctx)
	require.NoError(t, err)
	first[0].Counter = "edited"
	slices.Reverse(first)

	second, err := c.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, "HW-1", second[0].Counter)
	assert.EqualValues(t, 1, f.dashboards.Load())
}

func TestCounters_ConcurrentCallersShareOneFetch(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Counters(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, f.dashboards.Load())
	assert.EqualValues(t, 1, f.logins.Load())
}

// ─── Meter lookups ────────────────────────────────────────────────────────────

func TestMeterInfo_ResolvesMeterType(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil)

	doc, err := c.MeterInfo(context.Background(), "HW-1")
	require.NoError(t, err)
	assert.Equal(t, "kitchen", doc["location"])
	assert.NotContains(t, doc, "@type")
}

func TestMeterInfo_UnknownCounterIsAbsent(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil)

	doc, err := c.MeterInfo(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, doc)

	doc, err = c.Meter(context.Background(), "nope", DateRange{})
	require.NoError(t, err)
	assert.Nil(t, doc)

	assert.Zero(t, f.calls("/secured/meter/"+testHousing+"/water/nope"))
}

func TestMeter_ExplicitRange(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil)

	start := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 12, 4, 0, 0, 0, 0, time.UTC)
	doc, err := c.Meter(context.Background(), "HW-1", DateRange{Start: start, End: end})
	require.NoError(t, err)
	require.NotNil(t, doc)

	q := f.query("/secured/meter/"+testHousing+"/water/HW-1")
	assert.Equal(t, "2025-12-01T00:00:00.000+00:00", q.Get("startDate"))
	assert.Equal(t, "2025-12-04T00:00:00.000+00:00", q.Get("endDate"))
}

// ─── Consumption ──────────────────────────────────────────────────────────────

func TestConsumption_DefaultsToCurrentMonth(t *testing.T) {
	f := newFakeAPI(t)
	now := time.Date(2024, 2, 15, 10, 30, 0, 0, time.UTC)
	c := newTestClient(t, f, func(o *Options) {
		o.Now = func() time.Time { return now }
	})

	doc, err := c.Consumption(context.Background(), "waterHot", DateRange{})
	require.NoError(t, err)
	assert.NotContains(t, doc, "@id")

	q := f.query("/secured/consumption/"+testHousing+"/waterHot/day")
	assert.Equal(t, "2024-02-01T00:00:00.000+00:00", q.Get("startDate"))
	assert.Equal(t, "2024-02-29T23:59:59.000+00:00", q.Get("endDate"))
}

func TestConsumption_OnlyMissingBoundDefaults(t *testing.T) {
	f := newFakeAPI(t)
	now := time.Date(2024, 2, 15, 10, 30, 0, 0, time.UTC)
	c := newTestClient(t, f, func(o *Options) {
		o.Now = func() time.Time { return now }
	})

	start := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	_, err := c.Consumption(context.Background(), "waterHot", DateRange{Start: start})
	require.NoError(t, err)

	q := f.query("/secured/consumption/"+testHousing+"/waterHot/day")
	assert.Equal(t, "2024-02-10T00:00:00.000+00:00", q.Get("startDate"))
	assert.Equal(t, "2024-02-29T23:59:59.000+00:00", q.Get("endDate"))
}

// ─── Housing and user ─────────────────────────────────────────────────────────

func TestHousing_CleansTopLevelOnly(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil)

	doc, err := c.Housing(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, doc, "@context")
	assert.NotContains(t, doc, "@type")
	assert.Equal(t, json.Number("7552325423"), doc["id"])

	addr, ok := doc["address"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, addr, "@id", "nested objects are not cleaned")
}

func TestUser_UsesSessionEmail(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil)

	doc, err := c.User(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test@test.com", doc["email"])
	assert.Equal(t, 1, f.calls("/secured/users/test@test.com"))
}

// ─── Hooks and auth ───────────────────────────────────────────────────────────

func TestHooks_RunBeforeEveryCall(t *testing.T) {
	f := newFakeAPI(t)
	var calls atomic.Int32
	c := newTestClient(t, f, func(o *Options) {
		o.Hooks = []PreCallHook{func(context.Context) error {
			calls.Add(1)
			return nil
		}}
	})

	_, err := c.Housing(context.Background())
	require.NoError(t, err)
	_, err = c.Counters(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestHooks_ErrorAbortsCall(t *testing.T) {
	f := newFakeAPI(t)
	boom := errors.New("maintenance window")
	c := newTestClient(t, f, func(o *Options) {
		o.Hooks = []PreCallHook{func(context.Context) error { return boom }}
	})

	_, err := c.Housing(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, f.calls("/secured/housing/"+testHousing))
}

func TestResource401_RefreshesAndResends(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	_, err := c.Housing(ctx)
	require.NoError(t, err)

	f.rejectNext.Store(1)
	doc, err := c.Housing(ctx)
	require.NoError(t, err)
	assert.NotNil(t, doc)
	assert.EqualValues(t, 1, f.refreshes.Load())
	assert.Equal(t, 3, f.calls("/secured/housing/"+testHousing))
}

func TestResource401_ConcurrentCallersRefreshOnce(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	_, err := c.Housing(ctx)
	require.NoError(t, err)
	stale := c.Session().AccessToken()
	f.revoked.Store(&stale)

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := c.Housing(ctx)
			assert.NoError(t, err)
			assert.NotNil(t, doc)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.refreshes.Load())
	assert.EqualValues(t, 1, f.logins.Load())
	assert.GreaterOrEqual(t, f.rejected.Load(), int32(1))
	assert.NotEqual(t, stale, c.Session().AccessToken())
}

func TestResourceRepeated401_SurfacesAuthenticationError(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil)

	f.rejectNext.Store(5)
	_, err := c.Housing(context.Background())
	assert.ErrorIs(t, err, httpclient.ErrAuthentication)
	assert.Equal(t, 2, f.calls("/secured/housing/"+testHousing))
}

func TestAuth_ReturnsRawLoginResponse(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, nil)

	resp, err := c.Auth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-rt", resp.RefreshToken)
	assert.Equal(t, testHousing, string(resp.Housing))
	assert.Equal(t, testHousing, c.Session().HousingID())
}

package myconso

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/myconso/internal/store"
)

// Cache is the JSON cache the service reads through.
type Cache interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) error
}

// Service serves API reads from the client, caching the dashboard.
type Service struct {
	client *Client
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewService wires a client to an optional cache. A nil cache or zero ttl disables caching.
func NewService(client *Client, cache Cache, ttl time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{client: client, cache: cache, ttl: ttl, logger: logger}
}

type cachedDashboard struct {
	CurrentMonth DashboardPeriod `json:"currentMonth"`
	Raw          Document        `json:"raw"`
	FetchedAt    time.Time       `json:"fetched_at"`
}

func dashboardKey(housing string) string {
	return "myconso:dashboard:" + housing
}

// Dashboard returns the cached dashboard when it is still fresh, otherwise fetches it.
func (s *Service) Dashboard(ctx context.Context, fresh bool) (*Dashboard, error) {
	if err := s.client.Session().EnsureValid(ctx); err != nil {
		return nil, err
	}
	key := dashboardKey(s.client.Session().HousingID())

	if !fresh && s.cacheEnabled() {
		var c cachedDashboard
		err := s.cache.GetJSON(ctx, key, &c)
		switch {
		case err == nil:
			return &Dashboard{CurrentMonth: c.CurrentMonth, Raw: c.Raw}, nil
		case !errors.Is(err, store.ErrNotFound):
			s.logger.Warn("myconso.service.cache_read_failed", zap.String("key", key), zap.Error(err))
		}
	}

	d, err := s.client.Dashboard(ctx)
	if err != nil {
		return nil, err
	}
	if s.cacheEnabled() {
		entry := cachedDashboard{CurrentMonth: d.CurrentMonth, Raw: d.Raw, FetchedAt: time.Now().UTC()}
		if err := s.cache.SetJSON(ctx, key, entry, s.ttl); err != nil {
			s.logger.Warn("myconso.service.cache_write_failed", zap.String("key", key), zap.Error(err))
		}
	}
	return d, nil
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.ttl > 0
}

func (s *Service) Housing(ctx context.Context) (Document, error) {
	return s.client.Housing(ctx)
}

func (s *Service) User(ctx context.Context) (Document, error) {
	return s.client.User(ctx)
}

func (s *Service) Counters(ctx context.Context) ([]Counter, error) {
	return s.client.Counters(ctx)
}

func (s *Service) MeterInfo(ctx context.Context, counterID string) (Document, error) {
	return s.client.MeterInfo(ctx, counterID)
}

func (s *Service) Meter(ctx context.Context, counterID string, r DateRange) (Document, error) {
	return s.client.Meter(ctx, counterID, r)
}

func (s *Service) Consumption(ctx context.Context, fluidType string, r DateRange) (Document, error) {
	return s.client.Consumption(ctx, fluidType, r)
}

// SessionInfo describes the current session without exposing tokens.
type SessionInfo struct {
	Phase     string    `json:"phase"`
	HousingID string    `json:"housing_id,omitempty"`
	UserEmail string    `json:"user_email,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func (s *Service) SessionInfo() SessionInfo {
	sess := s.client.Session()
	st := sess.Snapshot()
	info := SessionInfo{
		Phase:     sess.Phase().String(),
		HousingID: st.HousingID,
		UserEmail: st.UserEmail,
	}
	if st.ExpiresAt > 0 {
		info.ExpiresAt = time.Unix(st.ExpiresAt, 0).UTC()
	}
	return info
}

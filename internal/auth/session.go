package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/myconso/internal/httpclient"
	"github.com/Checker-Finance/myconso/internal/metrics"
	"github.com/Checker-Finance/myconso/pkg/utils"
)

const (
	// DefaultUserAgent is sent on every request to the service.
	DefaultUserAgent = "MyConso"

	loginPath   = "/auth"
	refreshPath = "/auth/refresh"
)

// Options configures a Session.
type Options struct {
	BaseURL     string
	Credentials Credentials
	// HTTPClient sends the login/refresh exchanges. They bypass the request pipeline.
	HTTPClient httpclient.Doer
	UserAgent  string
	// Store, when set, is read once before the first login and written after every exchange.
	Store TokenStore
	// Account keys the token store. Defaults to the username.
	Account string
	Logger  *zap.Logger
	Now     func() time.Time
}

// Session owns the credential state of one account. A single mutex serializes
// every login and refresh; readers use the published snapshot without locking.
type Session struct {
	logger    *zap.Logger
	baseURL   string
	client    httpclient.Doer
	userAgent string
	creds     Credentials
	store     TokenStore
	account   string
	now       func() time.Time

	mu       sync.Mutex
	restored bool // guarded by mu

	state stateBox
	phase atomic.Int32
}

// NewSession validates the credentials and, for a token pair, decodes its expiry.
// No network call is made.
func NewSession(opts Options) (*Session, error) {
	if err := opts.Credentials.Validate(); err != nil {
		return nil, err
	}
	if opts.BaseURL == "" {
		return nil, errors.New("myconso: base URL is required")
	}

	s := &Session{
		logger:    opts.Logger,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		client:    opts.HTTPClient,
		userAgent: opts.UserAgent,
		creds:     opts.Credentials,
		store:     opts.Store,
		account:   opts.Account,
		now:       opts.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 10 * time.Second}
	}
	if s.userAgent == "" {
		s.userAgent = DefaultUserAgent
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.account == "" {
		s.account = opts.Credentials.Username
	}

	if opts.Credentials.HasTokenPair() {
		claims, err := DecodeToken(opts.Credentials.Token)
		if err != nil {
			return nil, err
		}
		// housing and user stay empty until the first refresh confirms the identity
		s.state.store(&State{
			AccessToken:  opts.Credentials.Token,
			RefreshToken: opts.Credentials.RefreshToken,
			ExpiresAt:    claims.ExpiresAt,
			IssuedAt:     claims.IssuedAt,
		})
		s.phase.Store(int32(Authenticated))
		s.restored = true
	}
	return s, nil
}

// Snapshot returns the current credential state. The returned value must not be modified.
func (s *Session) Snapshot() *State { return s.state.load() }

// AccessToken returns the current bearer token.
func (s *Session) AccessToken() string { return s.state.load().AccessToken }

// HousingID returns the housing resolved by the last exchange.
func (s *Session) HousingID() string { return s.state.load().HousingID }

// UserEmail returns the user resolved by the last exchange.
func (s *Session) UserEmail() string { return s.state.load().UserEmail }

// Phase returns the lifecycle phase.
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Session) needsAuth(st *State) bool {
	return !st.HasToken() || st.HousingID == "" || st.Expired(s.now())
}

// EnsureValid logs in when there is no token, refreshes when the token is
// expired or the housing is still unknown, and does nothing otherwise. Callers
// that queued behind another caller's refresh re-check and return without a
// second exchange.
func (s *Session) EnsureValid(ctx context.Context) error {
	if !s.needsAuth(s.state.load()) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.restore(ctx)

	st := s.state.load()
	switch {
	case !st.HasToken():
		if !s.creds.HasPassword() {
			return ErrNoCredentials
		}
		_, err := s.login(ctx)
		return err
	case st.HousingID == "":
		s.logger.Debug("myconso.auth.identity_unconfirmed")
		return s.refreshOrLogin(ctx)
	case st.Expired(s.now()):
		s.logger.Debug("myconso.auth.token_expired",
			zap.Int64("exp", st.ExpiresAt),
			zap.Int64("now", s.now().Unix()))
		return s.refreshOrLogin(ctx)
	}
	return nil
}

// Reauthenticate rotates the session after staleToken was rejected by the service.
func (s *Session) Reauthenticate(ctx context.Context, staleToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.state.load(); st.HasToken() && st.AccessToken != staleToken {
		// rotated by another caller while we waited
		return nil
	}
	return s.refreshOrLogin(ctx)
}

// Login forces a username/password exchange and returns the raw response.
func (s *Session) Login(ctx context.Context) (*AuthResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.creds.HasPassword() {
		return nil, ErrNoCredentials
	}
	return s.login(ctx)
}

// Refresh forces a refresh-token exchange and returns the raw response.
func (s *Session) Refresh(ctx context.Context) (*AuthResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh(ctx)
}

// RefreshIfExpiring rotates the session when the token expires within lead.
// It reports whether an exchange happened.
func (s *Session) RefreshIfExpiring(ctx context.Context, lead time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.restore(ctx)

	st := s.state.load()
	if !st.HasToken() {
		if !s.creds.HasPassword() {
			return false, ErrNoCredentials
		}
		_, err := s.login(ctx)
		return err == nil, err
	}
	if st.HousingID != "" && time.Unix(st.ExpiresAt, 0).Sub(s.now()) > lead {
		return false, nil
	}
	if err := s.refreshOrLogin(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// restore adopts a persisted token pair once, before the first login. Caller holds mu.
func (s *Session) restore(ctx context.Context) {
	if s.restored || s.store == nil {
		s.restored = true
		return
	}
	s.restored = true

	pair, ok, err := s.store.LoadTokens(ctx, s.account)
	if err != nil {
		s.logger.Warn("myconso.auth.token_store_load_failed", zap.Error(err))
		return
	}
	if !ok || pair.Token == "" || pair.RefreshToken == "" {
		return
	}
	claims, err := DecodeToken(pair.Token)
	if err != nil {
		s.logger.Warn("myconso.auth.stored_token_invalid", zap.Error(err))
		return
	}
	s.state.store(&State{
		AccessToken:  pair.Token,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    claims.ExpiresAt,
		IssuedAt:     claims.IssuedAt,
	})
	s.phase.Store(int32(Authenticated))
	s.logger.Info("myconso.auth.tokens_restored",
		zap.String("account", utils.MaskEmail(s.account)),
		zap.Int64("exp", claims.ExpiresAt))
}

// refreshOrLogin refreshes, falling back to login when the refresh token is
// rejected and a password is known. Caller holds mu.
func (s *Session) refreshOrLogin(ctx context.Context) error {
	if s.state.load().RefreshToken == "" {
		if !s.creds.HasPassword() {
			return ErrNoCredentials
		}
		_, err := s.login(ctx)
		return err
	}

	_, err := s.refresh(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRefreshFailed) && s.creds.HasPassword() {
		s.logger.Info("myconso.auth.refresh_rejected_fallback_login", zap.Error(err))
		_, err = s.login(ctx)
	}
	return err
}

// login runs POST /auth. Caller holds mu.
func (s *Session) login(ctx context.Context) (*AuthResponse, error) {
	prev := s.beginExchange()
	resp, err := s.exchange(ctx, loginPath, loginRequest{
		Email:    s.creds.Username,
		Password: s.creds.Password,
	})
	if err != nil {
		s.phase.Store(int32(prev))
		metrics.IncAuthExchange("login", "error")
		if httpclient.StatusCode(err) == http.StatusUnauthorized {
			s.logger.Error("myconso.auth.login_rejected", zap.String("user", utils.MaskEmail(s.creds.Username)))
			return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
		}
		s.logger.Error("myconso.auth.login_failed", zap.Error(err))
		return nil, err
	}
	if err := s.apply(ctx, resp); err != nil {
		s.phase.Store(int32(prev))
		metrics.IncAuthExchange("login", "error")
		return nil, err
	}

	metrics.IncAuthExchange("login", "ok")
	s.logger.Info("myconso.auth.login_success", zap.String("housing", string(resp.Housing)))
	return resp, nil
}

// refresh runs POST /auth/refresh with the current refresh token. The token is
// single-use: on success it is replaced, never reused. Caller holds mu.
func (s *Session) refresh(ctx context.Context) (*AuthResponse, error) {
	st := s.state.load()
	if st.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrRefreshFailed)
	}

	prev := s.beginExchange()
	resp, err := s.exchange(ctx, refreshPath, refreshRequest{RefreshToken: st.RefreshToken})
	if err != nil {
		s.phase.Store(int32(prev))
		metrics.IncAuthExchange("refresh", "error")
		switch httpclient.StatusCode(err) {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			s.logger.Warn("myconso.auth.refresh_rejected", zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}
		s.logger.Error("myconso.auth.refresh_failed", zap.Error(err))
		return nil, err
	}
	if err := s.apply(ctx, resp); err != nil {
		s.phase.Store(int32(prev))
		metrics.IncAuthExchange("refresh", "error")
		return nil, err
	}

	metrics.IncAuthExchange("refresh", "ok")
	s.logger.Info("myconso.auth.refresh_success",
		zap.String("housing", string(resp.Housing)),
		zap.Int64("exp", s.state.load().ExpiresAt))
	return resp, nil
}

func (s *Session) beginExchange() Phase {
	return Phase(s.phase.Swap(int32(Refreshing)))
}

// apply publishes the state carried by an exchange response. Caller holds mu.
func (s *Session) apply(ctx context.Context, resp *AuthResponse) error {
	if resp.Token == "" || resp.RefreshToken == "" {
		return fmt.Errorf("%w: exchange returned an empty token", ErrMalformedToken)
	}
	claims, err := DecodeToken(resp.Token)
	if err != nil {
		return err
	}
	if resp.Housing == "" {
		s.logger.Error("myconso.auth.exchange_without_housing")
		return fmt.Errorf("%w: exchange response carried no housing", ErrNoHousing)
	}

	s.state.store(&State{
		AccessToken:  resp.Token,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    claims.ExpiresAt,
		IssuedAt:     claims.IssuedAt,
		HousingID:    string(resp.Housing),
		UserEmail:    resp.User.Email,
	})
	s.phase.Store(int32(Authenticated))

	if s.store != nil {
		pair := TokenPair{Token: resp.Token, RefreshToken: resp.RefreshToken}
		if err := s.store.SaveTokens(ctx, s.account, pair); err != nil {
			s.logger.Warn("myconso.auth.token_store_save_failed", zap.Error(err))
		}
	}
	return nil
}

// exchange POSTs a JSON body to an auth route and decodes the response.
func (s *Session) exchange(ctx context.Context, path string, body any) (*AuthResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := s.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &httpclient.TransportError{Method: req.Method, URL: url, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &httpclient.TransportError{Method: req.Method, URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &httpclient.StatusError{
			Method:     req.Method,
			URL:        url,
			StatusCode: resp.StatusCode,
			Attempts:   1,
			Body:       raw,
		}
	}

	var ar AuthResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	return &ar, nil
}

package auth

import (
	"context"

	"github.com/Checker-Finance/myconso/pkg/model"
)

// Credentials is either a username/password or a token pair.
type Credentials struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

// HasPassword reports whether login is possible.
func (c Credentials) HasPassword() bool {
	return c.Username != "" && c.Password != ""
}

// HasTokenPair reports whether the session can start from stored tokens.
func (c Credentials) HasTokenPair() bool {
	return c.Token != "" && c.RefreshToken != ""
}

// Validate fails when neither form is complete.
func (c Credentials) Validate() error {
	if !c.HasPassword() && !c.HasTokenPair() {
		return ErrNoCredentials
	}
	return nil
}

// TokenPair is what gets persisted between process runs.
type TokenPair struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

// TokenStore persists the latest token pair. Implementations must be safe for concurrent use.
type TokenStore interface {
	LoadTokens(ctx context.Context, account string) (TokenPair, bool, error)
	SaveTokens(ctx context.Context, account string, pair TokenPair) error
}

// AuthResponse is the body of /auth and /auth/refresh.
type AuthResponse struct {
	Token        string           `json:"token"`
	RefreshToken string           `json:"refresh_token"`
	Housing      model.FlexString `json:"housing"`
	Company      string           `json:"company,omitempty"`
	User         struct {
		Email string `json:"email"`
	} `json:"user"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

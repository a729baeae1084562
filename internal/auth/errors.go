package auth

import "errors"

var (
	// ErrInvalidCredentials means /auth rejected the username/password. Not retried.
	ErrInvalidCredentials = errors.New("myconso: invalid credentials")

	// ErrRefreshFailed means /auth/refresh rejected the refresh token.
	ErrRefreshFailed = errors.New("myconso: refresh token rejected")

	// ErrMalformedToken means a bearer token could not be decoded.
	ErrMalformedToken = errors.New("myconso: malformed token")

	// ErrNoCredentials means neither a username/password nor a token pair was supplied.
	ErrNoCredentials = errors.New("myconso: either username/password or token/refresh token is required")

	// ErrNoHousing means the session has no housing id after authenticating.
	ErrNoHousing = errors.New("myconso: session has no housing id")
)

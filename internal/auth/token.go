package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the two timestamps the session needs from a bearer token, in epoch seconds.
type Claims struct {
	ExpiresAt int64
	IssuedAt  int64
}

var tokenParser = jwt.NewParser()

// DecodeToken reads exp and iat from the token payload. The signature is not
// checked: the token comes straight from the service over TLS.
func DecodeToken(token string) (Claims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := tokenParser.ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: exp: %v", ErrMalformedToken, err)
	}
	if exp == nil {
		return Claims{}, fmt.Errorf("%w: missing exp claim", ErrMalformedToken)
	}

	var c Claims
	c.ExpiresAt = exp.Unix()
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Unix()
	}
	return c, nil
}

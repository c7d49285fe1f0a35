// Package identity verifies the bearer credentials presented by callers.
// Tokens are issued elsewhere; this service only checks them.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for any credential that cannot be accepted.
var ErrUnauthorized = errors.New("unauthorized")

// Verifier turns an opaque credential into a user id.
type Verifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// JWTVerifier accepts HS256 tokens signed with a shared secret.  The user
// id is read from the sub claim.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier returns a JWTVerifier.  When issuer is not empty the
// iss claim must match it.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify implements Verifier.  Every failure wraps ErrUnauthorized.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", fmt.Errorf("%w: empty credential", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	sub, err := subject(claims)
	if err != nil {
		return "", err
	}
	return sub, nil
}

// subject reads the sub claim, accepting numeric ids as issued by older
// token services.
func subject(claims jwt.MapClaims) (string, error) {
	switch s := claims["sub"].(type) {
	case string:
		if s != "" {
			return s, nil
		}
	case float64:
		if s > 0 {
			return strconv.FormatFloat(s, 'f', -1, 64), nil
		}
	}
	return "", fmt.Errorf("%w: missing subject", ErrUnauthorized)
}

// Sign issues an HS256 token for userID valid from issuedAt for ttl.  It
// is used by tests and local tooling; production tokens come from the
// auth service.
func Sign(secret, userID string, issuedAt time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": issuedAt.UTC().Unix(),
		"exp": issuedAt.UTC().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Package auth gates process manager operations behind a session check.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kingrea/procman/internal/errs"
)

// Session identifies the caller of an operation.
type Session struct {
	Token      string
	RemoteAddr string
}

// Authorizer decides whether a session may run an operation. A refusal is
// reported as errs.KindNotAuthorized.
type Authorizer interface {
	Validate(ctx context.Context, operation string, session Session) error
}

// AllowAll accepts every session. It backs local tools where the caller is
// the operator.
type AllowAll struct{}

func (AllowAll) Validate(context.Context, string, Session) error { return nil }

// Wildcard grants every operation when listed in a token's claims.
const Wildcard = "*"

// Claims is the payload of a session token.
type Claims struct {
	Operations []string `json:"ops"`
	Address    string   `json:"addr,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims cover operation.
func (c *Claims) Allows(operation string) bool {
	return slices.Contains(c.Operations, Wildcard) || slices.Contains(c.Operations, operation)
}

// JWTAuthorizer validates HMAC-signed session tokens. Tokens list the
// operations they grant and may be bound to a caller address.
type JWTAuthorizer struct {
	secret []byte
	now    func() time.Time
}

// JWTOption customizes a JWTAuthorizer.
type JWTOption func(*JWTAuthorizer)

// WithClock overrides the clock used to check expiry.
func WithClock(clock func() time.Time) JWTOption {
	return func(a *JWTAuthorizer) { a.now = clock }
}

// NewJWTAuthorizer builds an authorizer for tokens signed with secret.
func NewJWTAuthorizer(secret []byte, opts ...JWTOption) (*JWTAuthorizer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is required")
	}
	a := &JWTAuthorizer{secret: append([]byte(nil), secret...), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Validate checks the token signature, expiry, the address binding and the
// granted operations.
func (a *JWTAuthorizer) Validate(_ context.Context, operation string, session Session) error {
	if session.Token == "" {
		return errs.NotAuthorized(operation, "a session token is required")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(session.Token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired())
	if err != nil {
		return errs.Wrap(errs.KindNotAuthorized, operation, err, "the session token is not valid")
	}
	if !token.Valid {
		return errs.NotAuthorized(operation, "the session token is not valid")
	}
	if claims.Address != "" && claims.Address != session.RemoteAddr {
		return errs.NotAuthorized(operation, "the session is bound to another address")
	}
	if !claims.Allows(operation) {
		return errs.NotAuthorized(operation, "the session may not call %s", operation)
	}
	return nil
}

// Sign issues a token for claims. Token issuance belongs to the session
// service; this exists for tooling and tests.
func (a *JWTAuthorizer) Sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

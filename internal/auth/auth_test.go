package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kingrea/procman/internal/errs"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newAuthorizer(t *testing.T) *JWTAuthorizer {
	t.Helper()
	a, err := NewJWTAuthorizer([]byte("s3cret"), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}
	return a
}

func claims(ops ...string) Claims {
	return Claims{
		Operations: ops,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ana",
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	}
}

func sign(t *testing.T, a *JWTAuthorizer, c Claims) string {
	t.Helper()
	token, err := a.Sign(c)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestAllowAllAcceptsAnything(t *testing.T) {
	if err := (AllowAll{}).Validate(context.Background(), "commitActivity", Session{}); err != nil {
		t.Fatalf("allow all rejected: %v", err)
	}
}

func TestJWTAuthorizerGrantsListedOperations(t *testing.T) {
	a := newAuthorizer(t)
	token := sign(t, a, claims("commitActivity", "getProcessInstance"))
	ctx := context.Background()

	if err := a.Validate(ctx, "commitActivity", Session{Token: token}); err != nil {
		t.Fatalf("expected commitActivity to be allowed: %v", err)
	}
	err := a.Validate(ctx, "deleteProcessDefinition", Session{Token: token})
	if !errors.Is(err, errs.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}

	all := sign(t, a, claims(Wildcard))
	if err := a.Validate(ctx, "deleteProcessDefinition", Session{Token: all}); err != nil {
		t.Fatalf("wildcard should allow everything: %v", err)
	}
}

func TestJWTAuthorizerRejectsBadTokens(t *testing.T) {
	a := newAuthorizer(t)
	other, err := NewJWTAuthorizer([]byte("other"), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}
	expired := claims(Wildcard)
	expired.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Minute))
	noExpiry := claims(Wildcard)
	noExpiry.ExpiresAt = nil
	bound := claims(Wildcard)
	bound.Address = "10.0.0.1"

	cases := map[string]Session{
		"empty":          {},
		"garbage":        {Token: "not-a-token"},
		"wrong secret":   {Token: sign(t, other, claims(Wildcard))},
		"expired":        {Token: sign(t, a, expired)},
		"no expiry":      {Token: sign(t, a, noExpiry)},
		"other address":  {Token: sign(t, a, bound), RemoteAddr: "10.0.0.2"},
		"missing caller": {Token: sign(t, a, bound)},
	}
	for name, session := range cases {
		err := a.Validate(context.Background(), "getProcessDefinitions", session)
		if !errors.Is(err, errs.ErrNotAuthorized) {
			t.Fatalf("%s: expected not authorized, got %v", name, err)
		}
	}

	if err := a.Validate(context.Background(), "getProcessDefinitions", Session{Token: sign(t, a, bound), RemoteAddr: "10.0.0.1"}); err != nil {
		t.Fatalf("bound token from its address should pass: %v", err)
	}
}

func TestNewJWTAuthorizerNeedsSecret(t *testing.T) {
	if _, err := NewJWTAuthorizer(nil); err == nil {
		t.Fatalf("expected an error for an empty secret")
	}
}

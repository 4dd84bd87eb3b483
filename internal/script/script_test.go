package script

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckPassesAndRejects(t *testing.T) {
	sb := New()
	ctx := context.Background()
	in := Input{Activity: "request", Shared: map[string]string{"amount": "1500"}}

	require.NoError(t, sb.Check(ctx, "", in))
	require.NoError(t, sb.Check(ctx, "Number(shared.amount) > 1000", in))
	require.NoError(t, sb.Check(ctx, "if (activity !== 'request') reject('wrong activity')", in))

	err := sb.Check(ctx, "Number(shared.amount) < 1000", in)
	var rejection *Rejection
	require.ErrorAs(t, err, &rejection)

	err = sb.Check(ctx, "if (!shared.owner) reject('owner is required')", in)
	require.ErrorAs(t, err, &rejection)
	require.Equal(t, "owner is required", rejection.Message)

	err = sb.Check(ctx, "shared.amount > 100000 ? '' : 'amount too small'", in)
	require.ErrorAs(t, err, &rejection)
	require.Equal(t, "amount too small", rejection.Message)
}

func TestCheckExposesJSONContent(t *testing.T) {
	in := Input{Content: []byte(`{"items":[{"qty":2},{"qty":3}]}`), ContentType: "application/json"}
	err := New().Check(context.Background(), "data.items.length === 2 && contentType === 'application/json'", in)
	require.NoError(t, err)

	err = New().Check(context.Background(), "data === null", Input{Content: []byte("plain")})
	require.NoError(t, err)
}

func TestCheckInterruptsRunawayScripts(t *testing.T) {
	sb := New(WithTimeout(20 * time.Millisecond))
	start := time.Now()
	err := sb.Check(context.Background(), "for (;;) {}", Input{})
	require.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestCheckReportsSyntaxAndSizeErrors(t *testing.T) {
	sb := New(WithMaxSize(16))
	err := sb.Check(context.Background(), "x ===", Input{})
	require.Error(t, err)
	var rejection *Rejection
	require.False(t, errors.As(err, &rejection))

	err = sb.Check(context.Background(), "true && true && true && true", Input{})
	require.ErrorContains(t, err, "exceeds")
}

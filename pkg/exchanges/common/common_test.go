package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAuthFailure(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		code    string
		message string
		want    bool
	}{
		{"http 401", 401, "", "", true},
		{"http 403", 403, "", "", true},
		{"login code", 200, "100001005", "", true},
		{"verification phrase", 200, "999", "Additional verification required", true},
		{"ordinary failure", 200, "345", "insufficient balance", false},
		{"server error", 500, "", "internal", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsAuthFailure(tc.status, tc.code, tc.message))
		})
	}
}

func TestAPIErrorUnwrapsAuth(t *testing.T) {
	err := fmt.Errorf("place oto: %w", &APIError{Status: 200, Code: "100002001", Message: "please log in"})
	assert.True(t, errors.Is(err, ErrAuthentication))

	other := fmt.Errorf("place oto: %w", &APIError{Status: 200, Code: "1", Message: "bad price"})
	assert.False(t, errors.Is(other, ErrAuthentication))
	var apiErr *APIError
	require.True(t, errors.As(other, &apiErr))
	assert.Equal(t, "1", apiErr.Code)
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusFilled.Terminal())
	assert.True(t, NormalizeStatus("CANCELLED").Terminal())
	assert.False(t, StatusNew.Terminal())
	assert.False(t, NormalizeStatus("PARTIALLY_FILLED").Terminal())
	assert.Equal(t, StatusUnknown, NormalizeStatus("???"))
}

func TestRateLimiterUsage(t *testing.T) {
	rl := NewRateLimiter(100, time.Minute, nil)
	rl.UpdateFromHeader("91")
	used, limit, pct := rl.GetUsage()
	assert.Equal(t, 91, used)
	assert.Equal(t, 100, limit)
	assert.InDelta(t, 91.0, pct, 1e-9)
	assert.True(t, rl.ShouldDelay())

	rl.UpdateFromHeader("garbage")
	used, _, _ = rl.GetUsage()
	assert.Equal(t, 91, used)
}

func TestUserLimiterIsolatesUsers(t *testing.T) {
	ul := NewUserLimiter(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, ul.Wait(ctx, "alice"))
	require.NoError(t, ul.Wait(ctx, "bob"))
	// alice's bucket is empty; next token is ~1s away, beyond the deadline.
	assert.Error(t, ul.Wait(ctx, "alice"))
}

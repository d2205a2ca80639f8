package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := Blocked("user %s is blocked", "bob")

	assert.True(t, errors.Is(err, ErrBlocked))
	assert.False(t, errors.Is(err, ErrNotFound))

	wrapped := fmt.Errorf("send: %w", err)
	assert.True(t, errors.Is(wrapped, ErrBlocked))
	assert.Equal(t, KindBlocked, KindOf(wrapped))
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), KindInternal},
		{"context", context.Canceled, KindInternal},
		{"auth", AuthenticationRequired(), KindAuthenticationRequired},
		{"invalid", InvalidArgument("bad status %q", "sleepy"), KindInvalidArgument},
		{"conflict", Conflict("duplicate"), KindConflict},
		{"not found", NotFound("edge"), KindNotFound},
		{"unauthorized", Unauthorized("not addressee"), KindUnauthorized},
		{"rate limited", RateLimited("message", time.Second), KindRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := fmt.Errorf("wrap: %w", RateLimited("typing", 42*time.Second))
	assert.Equal(t, 42*time.Second, RetryAfterOf(err))
	assert.Equal(t, "rate limit exceeded for typing", PublicMessage(err))
}

func TestPublicMessageHidesInternalErrors(t *testing.T) {
	assert.Equal(t, "internal error", PublicMessage(errors.New("pq: connection refused")))
	assert.Equal(t, "not_found", PublicMessage(ErrNotFound))
}

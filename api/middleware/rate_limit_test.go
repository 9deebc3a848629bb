package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLimiter struct {
	counts map[string]int64
	err    error
}

func (c *countingLimiter) FixedWindowAllow(_ context.Context, scope string, limit int64, _ time.Duration) (bool, int64, error) {
	if c.err != nil {
		return false, 0, c.err
	}
	if c.counts == nil {
		c.counts = map[string]int64{}
	}
	c.counts[scope]++
	return c.counts[scope] <= limit, c.counts[scope], nil
}

func rateLimited(policy RateLimitPolicy, store FixedWindowLimiter) http.Handler {
	return UserRateLimit(policy, store, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
}

func generateRequest(userID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/generate-image", nil)
	return req.WithContext(WithUserID(req.Context(), userID))
}

func TestUserRateLimitBlocksOverLimit(t *testing.T) {
	store := &countingLimiter{}
	handler := rateLimited(NewRateLimitPolicy("Generate", time.Minute, 2), store)

	for i := 0; i < 2; i++ {
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, generateRequest("u1"))
		require.Equal(t, http.StatusAccepted, resp.Code)
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, generateRequest("u1"))
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Contains(t, resp.Body.String(), "RATE_LIMIT_EXCEEDED")

	// Counters are per user.
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, generateRequest("u2"))
	assert.Equal(t, http.StatusAccepted, resp.Code)
	assert.Contains(t, store.counts, "generate:user:u1")
}

func TestUserRateLimitFailsOpen(t *testing.T) {
	handler := rateLimited(NewRateLimitPolicy("generate", time.Minute, 1), &countingLimiter{err: errors.New("redis down")})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, generateRequest("u1"))
	assert.Equal(t, http.StatusAccepted, resp.Code)
}

func TestUserRateLimitDisabledPolicy(t *testing.T) {
	store := &countingLimiter{}
	handler := rateLimited(NewRateLimitPolicy("generate", 0, 0), store)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, generateRequest("u1"))
	assert.Equal(t, http.StatusAccepted, resp.Code)
	assert.Empty(t, store.counts)
}

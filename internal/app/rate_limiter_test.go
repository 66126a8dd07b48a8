package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRateLimiter(t *testing.T) {
	limiter := NewLocalRateLimiter()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		count, _, err := limiter.ConsumeRateLimit(context.Background(), "guest_join", "slot:a@example.com", 3, time.Minute)
		require.NoError(t, err)
		assert.LessOrEqual(t, count, 3)
	}

	count, retryAfter, err := limiter.ConsumeRateLimit(context.Background(), "guest_join", "slot:a@example.com", 3, time.Minute)
	require.NoError(t, err)
	assert.Greater(t, count, 3)
	assert.Equal(t, 20, retryAfter)

	count, _, err = limiter.ConsumeRateLimit(context.Background(), "guest_join", "slot:b@example.com", 3, time.Minute)
	require.NoError(t, err)
	assert.LessOrEqual(t, count, 3)

	now = now.Add(20 * time.Second)
	count, _, err = limiter.ConsumeRateLimit(context.Background(), "guest_join", "slot:a@example.com", 3, time.Minute)
	require.NoError(t, err)
	assert.LessOrEqual(t, count, 3)
}

func TestRateLimitersIgnoreDisabledBudgets(t *testing.T) {
	var redisLimiter *RedisRateLimiter
	count, retryAfter, err := redisLimiter.ConsumeRateLimit(context.Background(), "guest_join", "x", 5, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, retryAfter)

	count, _, err = NewLocalRateLimiter().ConsumeRateLimit(context.Background(), "guest_join", "", 5, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.Equal(t, "shareplan:rate_limit", NewRedisRateLimiter(nil, "  ").prefix)
	assert.Equal(t, "custom", NewRedisRateLimiter(nil, "custom:").prefix)
}

func TestGuestJoinSubjectHidesEmail(t *testing.T) {
	slotID := uuid.MustParse("7b6f0c2e-2a59-4a7e-9d0e-3c1f5b8f4a11")
	other := uuid.MustParse("0f7c1d64-90a3-4b55-8c1e-6b2d4f7e9a30")

	subject := guestJoinSubject(slotID, "Guest@Example.com")
	assert.Len(t, subject, 64)
	assert.NotContains(t, subject, "guest")
	assert.NotContains(t, subject, "example.com")
	assert.NotContains(t, subject, slotID.String())

	assert.Equal(t, subject, guestJoinSubject(slotID, "  guest@example.com "))
	assert.NotEqual(t, subject, guestJoinSubject(slotID, "other@example.com"))
	assert.NotEqual(t, subject, guestJoinSubject(other, "guest@example.com"))

	key := NewRedisRateLimiter(nil, "").key(guestJoinRateLimitScope, subject)
	assert.Equal(t, "shareplan:rate_limit:guest_join:"+subject, key)
	assert.NotContains(t, key, "@")
}

func TestParseWindowReply(t *testing.T) {
	count, retryAfter, err := parseWindowReply([]interface{}{int64(3), int64(41200)}, 60000)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, 42, retryAfter)

	_, retryAfter, err = parseWindowReply([]interface{}{int64(1), int64(-1)}, 60000)
	require.NoError(t, err)
	assert.Equal(t, 60, retryAfter)

	_, retryAfter, err = parseWindowReply([]interface{}{int64(1), int64(0)}, 60000)
	require.NoError(t, err)
	assert.Equal(t, 1, retryAfter)

	_, _, err = parseWindowReply("OK", 60000)
	assert.Error(t, err)
	_, _, err = parseWindowReply([]interface{}{"3", int64(10)}, 60000)
	assert.Error(t, err)
}

type recordingLimiter struct {
	subjects []string
}

func (l *recordingLimiter) ConsumeRateLimit(_ context.Context, _, subject string, _ int, _ time.Duration) (int, int, error) {
	l.subjects = append(l.subjects, subject)
	return 1, 0, nil
}

func TestGuestJoinRateKeyOmitsEmail(t *testing.T) {
	h := newHarness(t, 3, 1000)
	h.svc.config.GuestJoinRateLimitPerMinute = 5
	limiter := &recordingLimiter{}
	h.svc.SetRateLimiter(limiter)
	slot := h.activeSlot(t)

	h.join(t, slot.ID, "Guest@Example.com")

	require.Len(t, limiter.subjects, 1)
	assert.Equal(t, guestJoinSubject(slot.ID, "guest@example.com"), limiter.subjects[0])
	assert.NotContains(t, limiter.subjects[0], "@")
}

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRateLimitPrefix = "shareplan:rate_limit"

// SET NX PX creates the counter together with its expiry before the first INCR.
var joinWindowScript = redis.NewScript(`
redis.call("SET", KEYS[1], 0, "PX", ARGV[1], "NX")
local attempts = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
return {attempts, ttl}
`)

// RateLimiter counts an attempt against a scope+subject budget. It returns the
// count within the current window and, when known, the seconds until it resets.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// guestJoinSubject identifies one guest on one slot. The email is hashed so
// limiter keys never carry it in clear text.
func guestJoinSubject(slotID uuid.UUID, email string) string {
	sum := sha256.Sum256([]byte(slotID.String() + ":" + domain.NormalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}

// RedisRateLimiter shares guest join budgets across instances with a fixed
// window counter per key.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

func (r *RedisRateLimiter) key(scope, subject string) string {
	return r.prefix + ":" + scope + ":" + subject
}

func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	reply, err := joinWindowScript.Run(ctx, r.client, []string{r.key(scope, subject)}, windowMs).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("run join window script: %w", err)
	}
	return parseWindowReply(reply, windowMs)
}

// parseWindowReply turns the script's {attempts, ttl_ms} reply into a count
// and a whole number of seconds to wait.
func parseWindowReply(reply interface{}, windowMs int64) (int, int, error) {
	values, ok := reply.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected join window reply: %T", reply)
	}
	attempts, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected join window count: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(attempts), 0, fmt.Errorf("unexpected join window ttl: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	retryAfter := int(math.Ceil(float64(ttlMs) / 1000))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(attempts), retryAfter, nil
}

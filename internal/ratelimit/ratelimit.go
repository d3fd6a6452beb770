// Package ratelimit throttles turn submissions per user with a fixed window
// counter in redis. A nil limiter allows everything, so the server runs
// without redis in development.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// window is the fixed counting window.
const window = time.Minute

// incrScript bumps the counter and sets its expiry atomically so a crashed
// client cannot leave a counter without a TTL.
var incrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

type Limiter struct {
	rdb   *redis.Client
	limit int
}

// New returns a limiter allowing limit events per user per minute. Returns
// nil when rdb is nil; callers treat a nil limiter as unlimited.
func New(rdb *redis.Client, limit int) *Limiter {
	if rdb == nil || limit <= 0 {
		return nil
	}
	return &Limiter{rdb: rdb, limit: limit}
}

// Allow reports whether the user may submit another turn now. Redis failures
// fail open: losing rate limiting is better than losing turns.
func (l *Limiter) Allow(ctx context.Context, userID string) bool {
	if l == nil {
		return true
	}
	key := fmt.Sprintf("rl:turns:%s", userID)
	n, err := incrScript.Run(ctx, l.rdb, []string{key}, window.Milliseconds()).Int()
	if err != nil {
		return true
	}
	return n <= l.limit
}

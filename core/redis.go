package core

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient returns a configured go-redis client from URL (e.g., redis://localhost:6379/0).
func NewRedisClient(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, errors.New("empty redis url")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return client, nil
}

// LoginThrottle counts login attempts per client key in fixed windows so
// repeated credential guessing gets cut off with 429 before reaching bcrypt.
type LoginThrottle struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewLoginThrottle wraps a redis.Client with attempt counting. A limit <= 0
// disables throttling.
func NewLoginThrottle(client *redis.Client, limit int, window time.Duration) *LoginThrottle {
	return &LoginThrottle{client: client, limit: limit, window: window}
}

// attemptScript increments the per-key counter and sets the window expiry
// only when the key is first created, so the window is fixed, not sliding.
var attemptScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Allow records one attempt for key and reports whether it is within the
// limit. Redis outages fail open: an unreachable throttle must not take
// logins down with it.
func (t *LoginThrottle) Allow(ctx context.Context, key string) (bool, error) {
	if t == nil || t.client == nil || t.limit <= 0 {
		return true, nil
	}
	res, err := attemptScript.Run(ctx, t.client, []string{"login_attempts:" + key}, t.window.Milliseconds()).Int64()
	if err != nil {
		return true, err
	}
	return res <= int64(t.limit), nil
}

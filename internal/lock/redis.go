package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	defaultTTL      = 30 * time.Second
)

// Redis holds locks as keys set with NX and a TTL, so a lock whose holder
// died expires on its own. Release only deletes the key if the caller still
// owns it.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to url and verifies the server answers.
func NewRedis(url string, ttl time.Duration) (*Redis, error) {
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Redis) TryAcquire(ctx context.Context, key string) (*Token, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, fmt.Errorf("lock key required")
	}
	owner := uuid.NewString()
	rkey := redisKey(key)
	ok, err := r.client.SetNX(ctx, rkey, owner, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("setnx %s: %w", rkey, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Token{
		Key:   key,
		owner: owner,
		held: func(ctx context.Context) error {
			n, err := r.client.Eval(ctx, releaseScript, []string{rkey}, owner).Int()
			if err != nil {
				return fmt.Errorf("release %s: %w", rkey, err)
			}
			if n == 0 {
				return fmt.Errorf("release %s: %w", rkey, ErrNotHeld)
			}
			return nil
		},
	}, true, nil
}

func (r *Redis) Release(ctx context.Context, tok *Token) error {
	return release(ctx, tok)
}

func redisKey(key string) string {
	return "lock:derivative:" + key
}

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

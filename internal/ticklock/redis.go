package ticklock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis lock defaults.
const (
	DefaultRedisKey = "funnelpipe:automation-tick"
	DefaultRedisTTL = 10 * time.Minute
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOpts holds configuration for the Redis locker.
type RedisOpts struct {
	Key string
	TTL time.Duration
}

// RedisOption configures the Redis locker.
type RedisOption func(*RedisOpts)

// WithKey overrides the lock key.
func WithKey(key string) RedisOption {
	return func(o *RedisOpts) { o.Key = key }
}

// WithTTL bounds how long a crashed holder can keep the lock.
func WithTTL(ttl time.Duration) RedisOption {
	return func(o *RedisOpts) { o.TTL = ttl }
}

// Redis is a Locker shared by every process using the same Redis instance.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedis creates a Redis locker on client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	cfg := RedisOpts{Key: DefaultRedisKey, TTL: DefaultRedisTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Redis{client: client, key: cfg.Key, ttl: cfg.TTL}
}

// NewRedisFromURL parses redisURL, pings the server and returns a locker on it.
func NewRedisFromURL(ctx context.Context, redisURL string, opts ...RedisOption) (*Redis, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(client, opts...), nil
}

// TryLock claims the lock key with SET NX and a TTL. Release deletes it only while this token still owns it.
func (r *Redis) TryLock(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis tick lock: %w", err)
	}
	if !ok {
		slog.Debug("ticklock.Redis: tick lock held elsewhere", "key", r.key)
		return nil, models.ErrTickInProgress
	}
	return func() {
		// Release must outlive a cancelled tick context.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, r.client, []string{r.key}, token).Err(); err != nil && err != redis.Nil {
			slog.Error("ticklock.Redis: release failed", "error", err, "key", r.key)
		}
	}, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

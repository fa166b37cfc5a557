package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	redisUnlock      = redis.NewScript(unlockScript)
	redisAcquireSlot = redis.NewScript(acquireSlotScript)
	redisReleaseSlot = redis.NewScript(releaseSlotScript)
)

// Redis implements the Cache interface for Redis
type Redis struct {
	config    Config
	client    redis.UniversalClient
	connected bool
	now       func() time.Time
}

// NewRedis creates a new Redis cache
func NewRedis(config Config) *Redis {
	if config.Port == 0 {
		config.Port = 6379 // Default Redis port
	}

	return &Redis{
		config:    config,
		connected: false,
		now:       time.Now,
	}
}

// NewRedisWithClient wraps an existing client, for example one shared with
// the event bridge. Connect only verifies the connection.
func NewRedisWithClient(name string, client redis.UniversalClient) *Redis {
	return &Redis{
		config: Config{Type: "redis", Name: name},
		client: client,
		now:    time.Now,
	}
}

// Connect establishes a connection to Redis
func (r *Redis) Connect() error {
	if r.connected {
		return nil
	}

	if r.client == nil {
		r.client = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
			Password: r.config.Password,
			DB:       r.config.Database,
		})
	}

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.connected = true
	return nil
}

// Close closes the connection to Redis
func (r *Redis) Close() error {
	if !r.connected {
		return nil
	}

	err := r.client.Close()
	if err != nil {
		return err
	}

	r.connected = false
	return nil
}

// IsConnected returns true if connected to Redis
func (r *Redis) IsConnected() bool {
	return r.connected
}

// Name returns the name of this cache instance
func (r *Redis) Name() string {
	return r.config.Name
}

// Type returns the type of this cache
func (r *Redis) Type() string {
	return "redis"
}

// Client returns the underlying client
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// TryLock acquires key with SET NX PX
func (r *Redis) TryLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if !r.connected {
		return false, ErrNotConnected
	}

	return r.client.SetNX(ctx, key, holder, ttl).Result()
}

// Unlock releases key if holder still owns it
func (r *Redis) Unlock(ctx context.Context, key, holder string) error {
	if !r.connected {
		return ErrNotConnected
	}

	return redisUnlock.Run(ctx, r.client, []string{key}, holder).Err()
}

// ForceUnlock deletes key
func (r *Redis) ForceUnlock(ctx context.Context, key string) error {
	if !r.connected {
		return ErrNotConnected
	}

	return r.client.Del(ctx, key).Err()
}

// AcquireSlot leases a slot in the sorted set at key. Lease expiry is taken
// from this process's clock.
func (r *Redis) AcquireSlot(ctx context.Context, key, holder string, max int64, ttl time.Duration) (bool, int64, error) {
	if !r.connected {
		return false, 0, ErrNotConnected
	}
	if ttl <= 0 {
		return false, 0, ErrInvalidTTL
	}

	now := r.now()
	args := []interface{}{holder, max, now.UnixMilli(), ttl.Milliseconds(), now.Add(ttl).UnixMilli()}
	res, err := redisAcquireSlot.Run(ctx, r.client, []string{key}, args...).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected script reply: %v", res)
	}

	return res[0] == 1, res[1], nil
}

// ReleaseSlot drops holder from the sorted set at key
func (r *Redis) ReleaseSlot(ctx context.Context, key, holder string) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	return redisReleaseSlot.Run(ctx, r.client, []string{key}, holder).Int64()
}

// DeletePrefix scans for keys starting with prefix and deletes them
func (r *Redis) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	var (
		cursor  uint64
		deleted int
	)
	pattern := escapeGlob(prefix) + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(n)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

// escapeGlob escapes the characters SCAN MATCH treats as wildcards
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

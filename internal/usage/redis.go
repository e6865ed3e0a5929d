package usage

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"sitepulse/internal/events"
)

const (
	defaultCounterPrefix = "usage:"
	// Counters outlive their month long enough for late reads and reconciles.
	defaultCounterTTL = 40 * 24 * time.Hour
	monthKeyLayout    = "2006-01"
)

// RedisCounterOptions configures the Redis usage counters.
type RedisCounterOptions struct {
	URL          string
	Prefix       string
	TTL          time.Duration
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisCounter keeps one INCRBY counter per project and calendar month so
// usage reads do not scan the event store.
type RedisCounter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	closed atomic.Bool
}

// NewRedisCounter connects to Redis and verifies the connection.
func NewRedisCounter(ctx context.Context, opts RedisCounterOptions) (*RedisCounter, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	}
	if opts.DialTimeout > 0 {
		redisOpts.DialTimeout = opts.DialTimeout
	} else {
		redisOpts.DialTimeout = 5 * time.Second
	}
	if opts.ReadTimeout > 0 {
		redisOpts.ReadTimeout = opts.ReadTimeout
	} else {
		redisOpts.ReadTimeout = 3 * time.Second
	}
	if opts.WriteTimeout > 0 {
		redisOpts.WriteTimeout = opts.WriteTimeout
	} else {
		redisOpts.WriteTimeout = 3 * time.Second
	}

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, redisOpts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisCounterFromClient(client, opts.Prefix, opts.TTL), nil
}

// NewRedisCounterFromClient wraps an existing client.
func NewRedisCounterFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCounter {
	if prefix == "" {
		prefix = defaultCounterPrefix
	}
	if ttl <= 0 {
		ttl = defaultCounterTTL
	}
	return &RedisCounter{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCounter) key(projectID string, month time.Time) string {
	return c.prefix + projectID + ":" + month.UTC().Format(monthKeyLayout)
}

// Record adds a stored batch to the counters of each event's project and month.
func (c *RedisCounter) Record(ctx context.Context, batch []events.Event) error {
	if c.closed.Load() {
		return fmt.Errorf("usage counter is closed")
	}
	if len(batch) == 0 {
		return nil
	}

	increments := make(map[string]int64)
	for _, e := range batch {
		increments[c.key(e.ProjectID, e.Timestamp)]++
	}

	pipe := c.client.Pipeline()
	for key, n := range increments {
		pipe.IncrBy(ctx, key, n)
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment usage counters: %w", err)
	}
	return nil
}

// Sum returns the total of the month's counters for the given projects, and
// the projects that have no counter for the month.
func (c *RedisCounter) Sum(ctx context.Context, projectIDs []string, month time.Time) (int64, []string, error) {
	if c.closed.Load() {
		return 0, nil, fmt.Errorf("usage counter is closed")
	}
	if len(projectIDs) == 0 {
		return 0, nil, nil
	}

	keys := make([]string, len(projectIDs))
	for i, id := range projectIDs {
		keys[i] = c.key(id, month)
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read usage counters: %w", err)
	}

	var total int64
	var missing []string
	for i, v := range values {
		if v == nil {
			missing = append(missing, projectIDs[i])
			continue
		}
		s, ok := v.(string)
		if !ok {
			return 0, nil, fmt.Errorf("unexpected counter value for %s", keys[i])
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid counter value for %s: %w", keys[i], err)
		}
		total += n
	}
	return total, missing, nil
}

// Set overwrites a project's counter for the month.
func (c *RedisCounter) Set(ctx context.Context, projectID string, month time.Time, value int64) error {
	if c.closed.Load() {
		return fmt.Errorf("usage counter is closed")
	}
	if err := c.client.Set(ctx, c.key(projectID, month), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set usage counter: %w", err)
	}
	return nil
}

func (c *RedisCounter) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.client.Close()
}

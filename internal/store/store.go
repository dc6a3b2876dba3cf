// Package store wraps the shared fast store (Redis) behind a small set of
// primitives: sets, atomic counters with expiry, and a pipeline for issuing
// several commands atomically from the client's perspective. Presence, rate
// limiting and sequencing compose these primitives; the event log
// (internal/eventstream) issues its stream commands on a *redis.Client
// directly, outside the Store's circuit breaker.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chatkit/chatkit/internal/chaterrors"
	"github.com/chatkit/chatkit/internal/logging"
	"github.com/chatkit/chatkit/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Store is the shared fast store. All calls are circuit-breaker wrapped so a
// failing backend degrades callers predictably instead of hanging.
type Store struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Config configures a Store's connection to the backing Redis instance.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New dials the store and verifies connectivity with a PING.
func New(cfg Config) (*Store, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	cbSettings := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("store").Set(stateVal)
		},
	}

	return &Store{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(cbSettings),
	}, nil
}

// NewFromClient wraps an already-constructed client (used by tests with
// miniredis, and by callers that need a shared *redis.Client across store
// and bus).
func NewFromClient(client *redis.Client) *Store {
	cbSettings := gobreaker.Settings{Name: "store"}
	return &Store{client: client, cb: gobreaker.NewCircuitBreaker(cbSettings)}
}

// Client exposes the underlying driver for components that need raw access
// (the event stream's XADD/XREADGROUP surface, primarily).
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) execute(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := s.cb.Execute(fn)
	metrics.RedisOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("store").Inc()
			metrics.RedisOperationsTotal.WithLabelValues(op, "breaker_open").Inc()
			logging.Warn(ctx, "store circuit breaker open", zap.String("operation", op))
			return nil, fmt.Errorf("%s: %w", op, chaterrors.ErrTransientStore)
		}
		metrics.RedisOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	metrics.RedisOperationsTotal.WithLabelValues(op, "success").Inc()
	return res, nil
}

// Ping verifies connectivity to the store.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.execute(ctx, "ping", func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// SAdd adds a member to a set.
func (s *Store) SAdd(ctx context.Context, key, member string) error {
	_, err := s.execute(ctx, "sadd", func() (any, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})
	return err
}

// SRem removes a member from a set.
func (s *Store) SRem(ctx context.Context, key, member string) error {
	_, err := s.execute(ctx, "srem", func() (any, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})
	return err
}

// SMembers returns every member of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.execute(ctx, "smembers", func() (any, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// SIsMember reports whether member is present in the set at key.
func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	res, err := s.execute(ctx, "sismember", func() (any, error) {
		return s.client.SIsMember(ctx, key, member).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Incr atomically increments the integer at key and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	res, err := s.execute(ctx, "incr", func() (any, error) {
		return s.client.Incr(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// IncrWithExpire atomically increments the integer at key and (only on the
// first increment within the window, i.e. when the result is 1) sets an
// expiry, implementing a fixed-window counter in a single round trip.
func (s *Store) IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
	const script = `local v = redis.call('INCR', KEYS[1])
if v == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
return v`
	res, err := s.execute(ctx, "incr_with_expire", func() (any, error) {
		return s.client.Eval(ctx, script, []string{key}, window.Milliseconds()).Int64()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// PipelineFunc stages commands against a redis.Pipeliner; it is executed as
// one atomic batch from the client's perspective (single round trip, no
// interleaving with other pipelines).
type PipelineFunc func(pipe redis.Pipeliner)

// Pipeline executes fn's staged commands as a single atomic batch.
func (s *Store) Pipeline(ctx context.Context, op string, fn PipelineFunc) error {
	_, err := s.execute(ctx, op, func() (any, error) {
		pipe := s.client.TxPipeline()
		fn(pipe)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

// Del deletes one or more keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	_, err := s.execute(ctx, "del", func() (any, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})
	return err
}

// Expire refreshes the TTL on key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.execute(ctx, "expire", func() (any, error) {
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})
	return err
}

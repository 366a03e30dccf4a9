// Package heartbeat records the last moment the process was known to be
// healthy. Restart recovery uses it to end sessions orphaned by a crash.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const stateKey = "last_heartbeat"

// Store persists a single last-known-good timestamp.
type Store interface {
	Beat(ctx context.Context, at time.Time) error
	LastKnownGood(ctx context.Context) (time.Time, bool, error)
}

type stateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}

// SQLStore keeps the heartbeat in the bot_state table.
type SQLStore struct {
	state stateStore
}

func NewSQLStore(state stateStore) *SQLStore {
	return &SQLStore{state: state}
}

func (s *SQLStore) Beat(ctx context.Context, at time.Time) error {
	return s.state.SetState(ctx, stateKey, strconv.FormatInt(at.UnixMilli(), 10))
}

func (s *SQLStore) LastKnownGood(ctx context.Context) (time.Time, bool, error) {
	value, ok, err := s.state.GetState(ctx, stateKey)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return parseMillis(value)
}

// RedisStore keeps the heartbeat under a single key.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	key := stateKey
	if prefix != "" {
		key = prefix + ":" + stateKey
	}
	return &RedisStore{client: client, key: key}, nil
}

func (r *RedisStore) Beat(ctx context.Context, at time.Time) error {
	return r.client.Set(ctx, r.key, strconv.FormatInt(at.UnixMilli(), 10), 0).Err()
}

func (r *RedisStore) LastKnownGood(ctx context.Context) (time.Time, bool, error) {
	value, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return parseMillis(value)
}

func parseMillis(value string) (time.Time, bool, error) {
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("heartbeat: malformed timestamp %q: %w", value, err)
	}
	return time.UnixMilli(millis), true, nil
}

// Recorder writes a heartbeat on a fixed interval until its context ends.
type Recorder struct {
	store    Store
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewRecorder(store Store, interval time.Duration, logger *zap.Logger) *Recorder {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Recorder{store: store, interval: interval, logger: logger, now: time.Now}
}

// Run beats once immediately, then on every tick. Write failures are logged
// and retried on the next tick.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Recorder) beat(ctx context.Context) {
	if err := r.store.Beat(ctx, r.now()); err != nil && ctx.Err() == nil {
		r.logger.Warn("heartbeat write failed", zap.Error(err))
	}
}

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"rulebot/internal/domain"
)

const redisKeyPrefix = "rulebot:turns:"

// RedisStore is a ConversationStore backed by one Redis list per
// conversation, so several server instances can share history.
type RedisStore struct {
	client   *redis.Client
	maxTurns int
	ttl      time.Duration
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	URL      string // redis://[:password@]host:port/db
	MaxTurns int
	TTL      time.Duration // 0 keeps history forever
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.MaxTurns, cfg.TTL), nil
}

func NewRedisStoreWithClient(client *redis.Client, maxTurns int, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, maxTurns: maxTurns, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]domain.ConversationTurn, error) {
	vals, err := s.client.LRange(ctx, redisKeyPrefix+key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	turns := make([]domain.ConversationTurn, 0, len(vals))
	for _, v := range vals {
		var t domain.ConversationTurn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *RedisStore) Append(ctx context.Context, key string, turn domain.ConversationTurn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}

	k := redisKeyPrefix + key
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, k, data)
	if s.maxTurns > 0 {
		pipe.LTrim(ctx, k, int64(-s.maxTurns), -1)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, k, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

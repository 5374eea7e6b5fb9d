package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quarry-trading/quarry/internal/solana"
)

// ---------------------------------------------------------------------------
// Redis-backed Store
// Key pattern: position:<baseMint>
// ---------------------------------------------------------------------------

// RedisConfig configures the Redis position store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RedisStore persists positions in Redis. SetNX provides the atomic
// create-if-absent the duplicate-buy race requires.
type RedisStore struct {
	client *redis.Client
}

// positionKey builds the Redis key for a base mint.
func positionKey(baseMint solana.Pubkey) string {
	return fmt.Sprintf("position:%s", baseMint)
}

// heartbeatKey builds the Redis key for a service heartbeat mirror.
func heartbeatKey(service string) string {
	return fmt.Sprintf("heartbeat:%s", service)
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("redis position store connected")
	return &RedisStore{client: rdb}, nil
}

func (s *RedisStore) Get(ctx context.Context, baseMint solana.Pubkey) (*Position, error) {
	raw, err := s.client.Get(ctx, positionKey(baseMint)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", baseMint, err)
	}

	var pos Position
	if err := json.Unmarshal([]byte(raw), &pos); err != nil {
		return nil, fmt.Errorf("decode position %s: %w", baseMint, err)
	}
	return &pos, nil
}

func (s *RedisStore) Create(ctx context.Context, pos Position) error {
	if err := pos.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode position %s: %w", pos.BaseMint, err)
	}

	ok, err := s.client.SetNX(ctx, positionKey(pos.BaseMint), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %s: %w", pos.BaseMint, err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, baseMint solana.Pubkey) error {
	removed, err := s.client.Del(ctx, positionKey(baseMint)).Result()
	if err != nil {
		return fmt.Errorf("redis del %s: %w", baseMint, err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Position, error) {
	var positions []Position
	var cursor uint64

	for {
		keys, next, err := s.client.Scan(ctx, cursor, "position:*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan positions: %w", err)
		}

		if len(keys) > 0 {
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("redis mget positions: %w", err)
			}
			for i, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue // deleted between SCAN and MGET
				}
				var pos Position
				if err := json.Unmarshal([]byte(raw), &pos); err != nil {
					log.Warn().Err(err).Str("key", keys[i]).
						Msg("store: skipping undecodable position record")
					continue
				}
				positions = append(positions, pos)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return positions, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// SetHeartbeat mirrors a service heartbeat into Redis with a TTL so liveness
// can be observed even if the status facade restarts.
func (s *RedisStore) SetHeartbeat(ctx context.Context, service string, ttl time.Duration) error {
	return s.client.Set(ctx, heartbeatKey(service), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paygrid-labs/escrowstream/internal/feed"
)

// RedisConfig configures the durable cursor store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Key is the Redis key the cursor is stored under.
	Key string
}

// RedisStore persists the cursor in Redis so a restarted process can
// resume without reprocessing committed history.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects and verifies the server is reachable.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = "escrowstream:cursor"
	}

	return &RedisStore{client: client, key: key}, nil
}

// NewRedisStoreWithClient wraps an existing client; used in tests.
func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "escrowstream:cursor"
	}
	return &RedisStore{client: client, key: key}
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, cur feed.Cursor) error {
	data, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// Load implements Store. A missing key is not an error.
func (s *RedisStore) Load(ctx context.Context) (feed.Cursor, bool, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return feed.Cursor{}, false, nil
	}
	if err != nil {
		return feed.Cursor{}, false, fmt.Errorf("load cursor: %w", err)
	}

	var cur feed.Cursor
	if err := json.Unmarshal(data, &cur); err != nil {
		return feed.Cursor{}, false, fmt.Errorf("parse cursor: %w", err)
	}
	return cur, true, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

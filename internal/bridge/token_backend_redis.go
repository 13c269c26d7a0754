package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisTokenKey        = "bridgeclient:tokens"
	redisOperationTimeout = 5 * time.Second
)

// RedisTokenBackend stores the token mapping as one JSON blob under a
// namespaced key.
type RedisTokenBackend struct {
	client *redis.Client
	key    string
}

func NewRedisTokenBackend(dsn string) (TokenBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &RedisTokenBackend{
		client: redis.NewClient(opts),
		key:    redisTokenKey,
	}, nil
}

func (b *RedisTokenBackend) Load() (map[string]TokenRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	data, err := b.client.Get(ctx, b.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var records map[string]TokenRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (b *RedisTokenBackend) Save(records map[string]TokenRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	return b.client.Set(ctx, b.key, data, 0).Err()
}

func (b *RedisTokenBackend) Close() error {
	return b.client.Close()
}

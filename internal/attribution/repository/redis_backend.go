package repository

import (
	"context"
	"encoding/json"
	"errors"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/affiliate/internal/attribution/domain"
)

const keyAttribution = "affiliate:attribution:"

// RedisBackend keeps attributions as JSON strings without expiry; SETNX
// gives first-touch atomically across API replicas.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) PutIfAbsent(ctx context.Context, record domain.Record) (bool, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return false, err
	}
	return b.client.SetNX(ctx, keyAttribution+record.VisitorID, payload, 0).Result()
}

func (b *RedisBackend) Put(ctx context.Context, record domain.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, keyAttribution+record.VisitorID, payload, 0).Err()
}

func (b *RedisBackend) Get(ctx context.Context, visitorID string) (*domain.Record, error) {
	raw, err := b.client.Get(ctx, keyAttribution+visitorID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record domain.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (b *RedisBackend) Delete(ctx context.Context, visitorID string) error {
	return b.client.Del(ctx, keyAttribution+visitorID).Err()
}

var _ domain.Backend = (*RedisBackend)(nil)

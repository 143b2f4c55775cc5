package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"leafmatch/internal/domain"
)

type RedisMatchCache struct {
	client *redis.Client
}

func NewRedisMatchCache(addr string, password string, db int) *RedisMatchCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisMatchCache{client: client}
}

func (c *RedisMatchCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisMatchCache) Close() error {
	return c.client.Close()
}

func (c *RedisMatchCache) Get(ctx context.Context, key string) ([]domain.ScoredRecommendation, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var recs []domain.ScoredRecommendation
	if err := json.Unmarshal([]byte(val), &recs); err != nil {
		return nil, false, err
	}
	return recs, true, nil
}

func (c *RedisMatchCache) Set(ctx context.Context, key string, value []domain.ScoredRecommendation, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

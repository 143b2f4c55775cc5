package cache

import (
	"context"
	"time"

	"leafmatch/internal/domain"
)

type MatchCache interface {
	Get(ctx context.Context, key string) ([]domain.ScoredRecommendation, bool, error)
	Set(ctx context.Context, key string, value []domain.ScoredRecommendation, ttl time.Duration) error
}

type NoopMatchCache struct{}

func (NoopMatchCache) Get(_ context.Context, _ string) ([]domain.ScoredRecommendation, bool, error) {
	return nil, false, nil
}

func (NoopMatchCache) Set(_ context.Context, _ string, _ []domain.ScoredRecommendation, _ time.Duration) error {
	return nil
}

package billing

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisSequenceKeyPrefix = "billing:seq:"

type sequenceAllocatorRedis struct {
	client *redis.Client
	seeder sequenceSeeder
}

// NewRedisSequenceAllocator allocates with INCR on billing:seq:<period>.
// A missing counter is seeded with SETNX from the bill store first.
func NewRedisSequenceAllocator(client *redis.Client, seeder sequenceSeeder) SequenceAllocator {
	return &sequenceAllocatorRedis{client: client, seeder: seeder}
}

func (a *sequenceAllocatorRedis) Next(ctx context.Context, period string) (int, error) {
	key := redisSequenceKeyPrefix + period

	exists, err := a.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: check sequence %s: %w", period, err)
	}
	if exists == 0 {
		seed, err := a.seeder.LastSequence(ctx, period)
		if err != nil {
			return 0, fmt.Errorf("seed sequence %s: %w", period, err)
		}
		// Losing the SETNX race is fine, the winner's seed is the same.
		if err := a.client.SetNX(ctx, key, seed, 0).Err(); err != nil {
			return 0, fmt.Errorf("redis: seed sequence %s: %w", period, err)
		}
	}

	next, err := a.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: increment sequence %s: %w", period, err)
	}
	return int(next), nil
}

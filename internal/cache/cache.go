package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"csgo-arbiter/internal/config"
	"csgo-arbiter/internal/logging"
	"csgo-arbiter/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "arbiter:"

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// StatsStore is the durable source behind the statistics cache.
type StatsStore interface {
	Statistics(ctx context.Context, classID uint) (models.PriceStatistics, error)
}

// StatisticsCache is a read-through Redis cache of PriceStatistics rows.
// Redis failures fall back to the store; they never fail a read.
type StatisticsCache struct {
	rdb    *redis.Client
	store  StatsStore
	ttl    time.Duration
	logger *zap.Logger
}

func NewStatisticsCache(rdb *redis.Client, store StatsStore, ttl time.Duration, logger *zap.Logger) *StatisticsCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StatisticsCache{
		rdb:    rdb,
		store:  store,
		ttl:    ttl,
		logger: logging.OrNop(logger).Named("cache"),
	}
}

func statsKey(classID uint) string {
	return keyPrefix + "stats:" + strconv.FormatUint(uint64(classID), 10)
}

// Statistics returns the cached row or loads it from the store and caches it.
func (c *StatisticsCache) Statistics(ctx context.Context, classID uint) (models.PriceStatistics, error) {
	raw, err := c.rdb.Get(ctx, statsKey(classID)).Bytes()
	switch {
	case err == nil:
		var st models.PriceStatistics
		if jerr := json.Unmarshal(raw, &st); jerr == nil {
			return st, nil
		}
		c.logger.Warn("dropping undecodable cache entry", zap.Uint("class", classID))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("redis read failed", zap.Uint("class", classID), zap.Error(err))
	}

	st, err := c.store.Statistics(ctx, classID)
	if err != nil {
		return st, err
	}
	if err := c.Set(ctx, st); err != nil {
		c.logger.Warn("redis write failed", zap.Uint("class", classID), zap.Error(err))
	}
	return st, nil
}

// Set stores st under its class id with the configured TTL.
func (c *StatisticsCache) Set(ctx context.Context, st models.PriceStatistics) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode statistics: %w", err)
	}
	return c.rdb.Set(ctx, statsKey(st.ItemClassID), b, c.ttl).Err()
}

// Invalidate drops the cached row of a class.
func (c *StatisticsCache) Invalidate(ctx context.Context, classID uint) error {
	return c.rdb.Del(ctx, statsKey(classID)).Err()
}

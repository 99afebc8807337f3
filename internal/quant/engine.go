package quant

import (
	"context"
	"fmt"
	"time"

	"csgo-arbiter/internal/logging"
	"csgo-arbiter/internal/models"
	"csgo-arbiter/internal/store"

	"go.uber.org/zap"
)

// Cache receives freshly computed statistics.
type Cache interface {
	Set(ctx context.Context, st models.PriceStatistics) error
}

// Engine recomputes and persists PriceStatistics from stored trades.
type Engine struct {
	store  *store.Store
	cache  Cache
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates the statistics engine. cache may be nil.
func NewEngine(st *store.Store, cache Cache, logger *zap.Logger) *Engine {
	return &Engine{
		store:  st,
		cache:  cache,
		logger: logging.OrNop(logger).Named("quant"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RecomputeClass rebuilds the statistics of one class from all its trades.
// It reports false when the class has no usable trades; nothing is written then.
func (e *Engine) RecomputeClass(ctx context.Context, classID uint) (models.PriceStatistics, bool, error) {
	trades, err := e.store.Trades(ctx, classID)
	if err != nil {
		return models.PriceStatistics{}, false, err
	}

	samples := make([]Sample, 0, len(trades))
	for _, t := range trades {
		samples = append(samples, Sample{Time: t.SoldAt, Price: t.Price, FloatValue: t.FloatValue})
	}
	res, ok := Compute(samples)
	if !ok {
		return models.PriceStatistics{}, false, nil
	}

	st := models.PriceStatistics{
		ItemClassID:     classID,
		MeanPrice:       res.MeanPrice,
		SaleCount:       res.SaleCount,
		PriceSlope:      res.PriceSlope,
		FloatMin:        res.FloatMin,
		FloatMax:        res.FloatMax,
		TimeCorrelation: res.TimeCorrelation,
		UpdatedAt:       e.now(),
	}
	if err := e.store.UpsertStatistics(ctx, &st); err != nil {
		return models.PriceStatistics{}, false, err
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, st); err != nil {
			e.logger.Warn("statistics cache update failed", zap.Uint("class", classID), zap.Error(err))
		}
	}
	return st, true, nil
}

// Recompute refreshes every class that has trades. A failing class is logged
// and skipped; the returned count covers the classes that were written.
func (e *Engine) Recompute(ctx context.Context) (int, error) {
	ids, err := e.store.ClassIDsWithTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("recompute statistics: %w", err)
	}

	start := time.Now()
	updated, failed := 0, 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		_, ok, err := e.RecomputeClass(ctx, id)
		if err != nil {
			failed++
			e.logger.Error("statistics recompute failed", zap.Uint("class", id), zap.Error(err))
			continue
		}
		if ok {
			updated++
		}
	}

	e.logger.Info("statistics recomputed",
		zap.Int("classes", len(ids)),
		zap.Int("updated", updated),
		zap.Int("failed", failed),
		zap.Duration("took", time.Since(start)))
	return updated, nil
}

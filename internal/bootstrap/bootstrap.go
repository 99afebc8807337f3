// Package bootstrap wires configuration into the marketplace stack shared by
// the service and the one-shot tools.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"csgo-arbiter/internal/config"
	"csgo-arbiter/internal/marketplace"
	"csgo-arbiter/internal/metrics"
	"csgo-arbiter/internal/quant"
	"csgo-arbiter/internal/ratelimit"
	"csgo-arbiter/internal/services/csfloat"
	"csgo-arbiter/internal/services/dmarket"
	"csgo-arbiter/internal/services/mirror"

	"go.uber.org/zap"
)

func NewLimiter(cfg *config.Config, m *metrics.Metrics) (*ratelimit.Limiter, error) {
	return ratelimit.New(
		ratelimit.Capacities(cfg.RateLimits),
		ratelimit.WithObserver(func(c ratelimit.Category, wait time.Duration) {
			m.ObserveLimiterWait(string(c), wait)
		}),
	)
}

func RetryPolicy(cfg config.RetryConfig) marketplace.RetryPolicy {
	return marketplace.RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
	}
}

// NewAdapter builds the adapter of the configured marketplace.
func NewAdapter(cfg *config.Config, limiter marketplace.Limiter, logger *zap.Logger) (marketplace.Adapter, error) {
	mc := cfg.Marketplace
	switch mc.Name {
	case config.MarketplaceCSFloat:
		return csfloat.NewService(csfloat.Config{
			BaseURL: mc.BaseURL,
			APIKey:  mc.APIKey,
			Timeout: mc.Timeout,
			Retry:   RetryPolicy(cfg.Retry),
		}, limiter, logger), nil
	case config.MarketplaceDMarket:
		signer, err := dmarket.NewSigner(mc.APIKey, mc.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("dmarket keys: %w", err)
		}
		return dmarket.NewService(dmarket.Config{
			BaseURL:  mc.BaseURL,
			GameID:   mc.GameID,
			Currency: mc.Currency,
			Timeout:  mc.Timeout,
			Retry:    RetryPolicy(cfg.Retry),
		}, signer, limiter, logger), nil
	default:
		return nil, fmt.Errorf("unknown marketplace %q", mc.Name)
	}
}

func MirrorConfig(cfg config.MirrorConfig) mirror.Config {
	return mirror.Config{
		PageSize:  cfg.PageSize,
		MaxOffset: cfg.MaxOffset,
		Workers:   cfg.Workers,
		Classes:   cfg.Classes,
	}
}

func Gate(cfg config.GateConfig) quant.Gate {
	return quant.Gate{MinSaleCount: cfg.MinSaleCount, MinSlope: cfg.MinSlope}
}

// ResyncReport is the outcome of a full resynchronization.
type ResyncReport struct {
	Catalog    int
	Sync       mirror.Report
	Recomputed int
}

// Resync refreshes the catalog, mirrors every class and recomputes statistics.
// A failed catalog refresh is logged and the known classes are still synced.
func Resync(ctx context.Context, s *mirror.Synchronizer, q *quant.Engine, logger *zap.Logger) (ResyncReport, error) {
	var rep ResyncReport
	n, err := s.SyncCatalog(ctx)
	if err != nil {
		logger.Warn("catalog refresh failed", zap.Error(err))
	}
	rep.Catalog = n

	rep.Sync, err = s.SyncAll(ctx)
	if err != nil {
		return rep, fmt.Errorf("sync listings: %w", err)
	}
	rep.Recomputed, err = q.Recompute(ctx)
	if err != nil {
		return rep, fmt.Errorf("recompute statistics: %w", err)
	}
	logger.Info("resync finished",
		zap.Int("catalog", rep.Catalog),
		zap.Int("classes", rep.Sync.Classes),
		zap.Int("failed", rep.Sync.Failed),
		zap.Int("trades", rep.Sync.TradesInserted),
		zap.Int("statistics", rep.Recomputed))
	return rep, nil
}

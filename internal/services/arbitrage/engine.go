package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"csgo-arbiter/internal/logging"
	"csgo-arbiter/internal/marketplace"
	"csgo-arbiter/internal/metrics"
	"csgo-arbiter/internal/models"
	"csgo-arbiter/internal/services/feed"
	"csgo-arbiter/internal/services/mirror"
	"csgo-arbiter/internal/store"

	"go.uber.org/zap"
)

// ErrInFlight is returned when another trigger is already buying the listing.
var ErrInFlight = errors.New("purchase already in flight")

// StatsSource serves price statistics, from the store or a cache in front of it.
type StatsSource interface {
	Statistics(ctx context.Context, classID uint) (models.PriceStatistics, error)
}

// Engine gates and executes purchases and relists what it owns.
type Engine struct {
	adapter marketplace.Adapter
	store   *store.Store
	stats   StatsSource
	guard   Guard
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New builds an engine. A nil stats source reads the store directly; a nil
// guard leaves concurrent purchases of one listing unguarded.
func New(adapter marketplace.Adapter, st *store.Store, stats StatsSource, guard Guard, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if stats == nil {
		stats = st
	}
	if cfg.SweepDepth <= 0 {
		cfg.SweepDepth = 1
	}
	return &Engine{
		adapter: adapter,
		store:   st,
		stats:   stats,
		guard:   guard,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("arbitrage"),
		metrics: m,
	}
}

var _ feed.Handler = (*Engine)(nil)

func skip(obs Observation, reason string, mean float64) Decision {
	return Decision{Action: Skip, Reason: reason, Observation: obs, Mean: mean}
}

// Evaluate runs the gates in order: reliability, affordability, margin.
func (e *Engine) Evaluate(ctx context.Context, obs Observation) (Decision, error) {
	d, err := e.evaluate(ctx, obs)
	if err != nil {
		return d, err
	}
	e.metrics.Decision(d.Reason)
	return d, nil
}

func (e *Engine) evaluate(ctx context.Context, obs Observation) (Decision, error) {
	st, err := e.stats.Statistics(ctx, obs.ItemClassID)
	if errors.Is(err, store.ErrNotFound) {
		return skip(obs, ReasonUnreliable, 0), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("statistics for class %d: %w", obs.ItemClassID, err)
	}
	if !e.cfg.Gate.Reliable(st) {
		return skip(obs, ReasonUnreliable, st.MeanPrice), nil
	}

	balance, err := e.balance(ctx)
	if err != nil {
		return Decision{}, err
	}
	if obs.Price > e.cfg.AffordabilityFraction*balance {
		return skip(obs, ReasonUnaffordable, st.MeanPrice), nil
	}

	resale, fee := ExpectedResale(st.MeanPrice, e.cfg)
	if !Profitable(obs.Price, st.MeanPrice, e.cfg) {
		d := skip(obs, ReasonMargin, st.MeanPrice)
		d.Expected = resale - fee
		return d, nil
	}
	return Decision{
		Action:      Buy,
		Reason:      ReasonProfitable,
		Observation: obs,
		Mean:        st.MeanPrice,
		Expected:    resale - fee,
	}, nil
}

// balance reads the stored balance, fetching it once if it was never stored.
func (e *Engine) balance(ctx context.Context) (float64, error) {
	b, err := e.store.Balance(ctx)
	if err == nil {
		return b.Amount, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}
	return e.RefreshBalance(ctx)
}

// RefreshBalance fetches the remote balance and stores it.
func (e *Engine) RefreshBalance(ctx context.Context) (float64, error) {
	amount, err := e.adapter.Balance(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh balance: %w", err)
	}
	if err := e.store.SetBalance(ctx, amount); err != nil {
		return 0, err
	}
	return amount, nil
}

// Consider evaluates obs and buys it when the decision says so. Listings we
// already hold are skipped before any gate runs.
func (e *Engine) Consider(ctx context.Context, obs Observation) (Decision, error) {
	held, err := e.store.IsHeld(ctx, obs.ListingID)
	if err != nil {
		return Decision{}, err
	}
	if held {
		e.metrics.Decision(ReasonOwned)
		return skip(obs, ReasonOwned, 0), nil
	}

	d, err := e.Evaluate(ctx, obs)
	if err != nil || d.Action != Buy {
		return d, err
	}
	e.logger.Info("profitable listing",
		zap.String("listing", obs.ListingID),
		zap.Uint("class", obs.ItemClassID),
		zap.Float64("price", obs.Price),
		zap.Float64("mean", d.Mean),
		zap.Float64("expected", d.Expected))
	return d, e.Purchase(ctx, obs)
}

// Purchase buys the listing, then refreshes the balance, records the holding
// and relists. A listing that is gone is removed from the mirror.
func (e *Engine) Purchase(ctx context.Context, obs Observation) error {
	if e.guard != nil {
		release, ok, err := e.guard.Acquire(ctx, obs.ListingID)
		if err != nil {
			return fmt.Errorf("in-flight guard: %w", err)
		}
		if !ok {
			e.metrics.Purchase("in_flight")
			return ErrInFlight
		}
		defer release()
	}

	if e.cfg.DryRun {
		e.metrics.Purchase("dry_run")
		e.logger.Info("dry run, not buying", zap.String("listing", obs.ListingID), zap.Float64("price", obs.Price))
		return nil
	}

	p, err := e.adapter.Buy(ctx, obs.ListingID, obs.Price)
	if marketplace.IsGone(err) {
		e.metrics.Purchase("gone")
		e.logger.Info("listing gone, removing from mirror", zap.String("listing", obs.ListingID))
		if derr := e.store.DeleteListing(ctx, obs.ListingID); derr != nil {
			e.logger.Warn("remove stale listing", zap.String("listing", obs.ListingID), zap.Error(derr))
		}
		return err
	}
	if err != nil {
		e.metrics.Purchase("failed")
		return err
	}
	e.metrics.Purchase("bought")
	e.logger.Info("bought listing", zap.String("listing", obs.ListingID), zap.Float64("price", p.Price))

	if _, err := e.RefreshBalance(ctx); err != nil {
		e.logger.Warn("balance refresh after purchase", zap.Error(err))
	}
	if err := e.recordHolding(ctx, obs, p); err != nil {
		return err
	}
	if e.cfg.RelistAfterBuy {
		if _, err := e.RelistHoldings(ctx); err != nil {
			e.logger.Warn("relist after purchase", zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) recordHolding(ctx context.Context, obs Observation, p marketplace.Purchase) error {
	id := p.ListingID
	if id == "" {
		id = obs.ListingID
	}
	price := p.Price
	if price <= 0 {
		price = obs.Price
	}

	if _, err := e.store.Listing(ctx, id); errors.Is(err, store.ErrNotFound) {
		row := models.MarketListing{ID: id, ItemClassID: obs.ItemClassID, Price: price, ListedAt: time.Now().UTC()}
		if err := e.store.UpsertListing(ctx, &row); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return e.store.UpsertHolding(ctx, &models.Holding{
		ListingID:   id,
		ItemClassID: obs.ItemClassID,
		AssetID:     p.AssetID,
		BuyPrice:    price,
		Status:      models.HoldingBought,
	})
}

type relistTarget struct {
	classID uint
	price   float64
}

// RelistHoldings offers every unlisted owned item at the discounted mean of its
// class. Items without reliable statistics are left alone.
func (e *Engine) RelistHoldings(ctx context.Context) (int, error) {
	inventory, err := e.adapter.FetchInventory(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch inventory: %w", err)
	}

	var reqs []marketplace.RelistRequest
	targets := make(map[string]relistTarget)
	for _, item := range inventory {
		if item.ListingID != "" {
			continue
		}
		class, err := e.store.ItemClassByExternalID(ctx, item.ExternalID)
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Debug("inventory item of unknown class", zap.String("item", item.Name))
			continue
		}
		if err != nil {
			return 0, err
		}
		st, err := e.stats.Statistics(ctx, class.ID)
		if err != nil || !e.cfg.Gate.Reliable(st) {
			e.logger.Debug("no reliable price to relist", zap.String("item", item.Name))
			continue
		}
		price := RelistPrice(st.MeanPrice, e.cfg)
		if price <= 0 {
			continue
		}
		reqs = append(reqs, marketplace.RelistRequest{AssetID: item.AssetID, ExternalID: item.ExternalID, Price: price})
		targets[item.AssetID] = relistTarget{classID: class.ID, price: price}
	}
	if len(reqs) == 0 {
		return 0, nil
	}
	if e.cfg.DryRun {
		e.logger.Info("dry run, not relisting", zap.Int("items", len(reqs)))
		return 0, nil
	}

	offers, relistErr := e.adapter.Relist(ctx, reqs)
	for _, o := range offers {
		t, ok := targets[o.AssetID]
		if !ok {
			continue
		}
		if err := e.recordOffer(ctx, o, t); err != nil {
			return len(offers), err
		}
	}
	e.logger.Info("relisted holdings", zap.Int("requested", len(reqs)), zap.Int("listed", len(offers)))
	if relistErr != nil {
		return len(offers), fmt.Errorf("relist: %w", relistErr)
	}
	return len(offers), nil
}

// recordOffer mirrors our new offer and moves the holding onto it.
func (e *Engine) recordOffer(ctx context.Context, o marketplace.Offer, t relistTarget) error {
	price := o.Price
	if price <= 0 {
		price = t.price
	}
	row := models.MarketListing{ID: o.ListingID, ItemClassID: t.classID, Price: price, ListedAt: time.Now().UTC()}
	if err := e.store.UpsertListing(ctx, &row); err != nil {
		return err
	}

	h := models.Holding{
		ListingID:   o.ListingID,
		ItemClassID: t.classID,
		AssetID:     o.AssetID,
		ListPrice:   price,
		Status:      models.HoldingRelisted,
	}
	prev, err := e.store.HoldingByAsset(ctx, o.AssetID)
	switch {
	case err == nil:
		h.BuyPrice = prev.BuyPrice
		if prev.ListingID != o.ListingID {
			if err := e.store.DeleteHolding(ctx, prev.ListingID); err != nil {
				return err
			}
		}
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	return e.store.UpsertHolding(ctx, &h)
}

// Handle applies one feed event to the mirror and considers new prices.
func (e *Engine) Handle(ctx context.Context, channel string, ev feed.Event) error {
	if channel == feed.ChannelDelisted {
		return e.store.DeleteListing(ctx, ev.ListingID)
	}

	class, err := e.store.ItemClassByExternalID(ctx, ev.ExternalID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Debug("event for untracked class", zap.String("item", ev.ExternalID))
		return nil
	}
	if err != nil {
		return err
	}

	row, err := mirror.ToModel(class.ID, marketplace.Listing{
		ID:         ev.ListingID,
		ExternalID: ev.ExternalID,
		Price:      ev.Price,
		FloatValue: ev.FloatValue,
		Stickers:   ev.Stickers,
		ListedAt:   ev.ListedAt,
	})
	if err != nil {
		return err
	}
	if err := e.store.UpsertListing(ctx, &row); err != nil {
		return err
	}

	_, err = e.Consider(ctx, Observation{ListingID: ev.ListingID, ItemClassID: class.ID, Price: ev.Price})
	if errors.Is(err, ErrInFlight) {
		return nil
	}
	return err
}

// SweepReport summarizes one PurchaseBestAvailable pass.
type SweepReport struct {
	Classes    int `json:"classes"`
	Considered int `json:"considered"`
	Bought     int `json:"bought"`
	Skipped    int `json:"skipped"`
	Gone       int `json:"gone"`
	Failed     int `json:"failed"`
}

// PurchaseBestAvailable walks the cheapest mirror listings of every class with
// reliable statistics. A class stops at its first listing that is too expensive
// or unprofitable, since every later one costs at least as much.
func (e *Engine) PurchaseBestAvailable(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	all, err := e.store.AllStatistics(ctx)
	if err != nil {
		return rep, err
	}

	for _, st := range all {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !e.cfg.Gate.Reliable(st) {
			continue
		}
		rep.Classes++

		listings, err := e.store.CheapestListings(ctx, st.ItemClassID, e.cfg.SweepDepth)
		if err != nil {
			rep.Failed++
			e.logger.Warn("sweep class", zap.Uint("class", st.ItemClassID), zap.Error(err))
			continue
		}
		for _, l := range listings {
			rep.Considered++
			d, err := e.Consider(ctx, Observation{ListingID: l.ID, ItemClassID: l.ItemClassID, Price: l.Price})
			switch {
			case marketplace.IsGone(err):
				rep.Gone++
				continue
			case errors.Is(err, ErrInFlight):
				rep.Skipped++
				continue
			case err != nil:
				rep.Failed++
				e.logger.Warn("sweep listing", zap.String("listing", l.ID), zap.Error(err))
				continue
			}
			if d.Action == Buy {
				rep.Bought++
				continue
			}
			rep.Skipped++
			if d.Reason == ReasonUnaffordable || d.Reason == ReasonMargin {
				break
			}
		}
	}
	e.logger.Info("sweep finished",
		zap.Int("classes", rep.Classes),
		zap.Int("considered", rep.Considered),
		zap.Int("bought", rep.Bought),
		zap.Int("gone", rep.Gone),
		zap.Int("failed", rep.Failed))
	return rep, nil
}

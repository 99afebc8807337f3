package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"csgo-arbiter/internal/logging"
	"csgo-arbiter/internal/marketplace"
	"csgo-arbiter/internal/metrics"
	"csgo-arbiter/internal/models"
	"csgo-arbiter/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	PageSize  int
	MaxOffset int
	Workers   int
	// Classes limits SyncAll to these names; empty means every known class.
	Classes []string
}

func DefaultConfig() Config {
	return Config{PageSize: 100, MaxOffset: 10000, Workers: 4}
}

// Synchronizer keeps the local listing mirror and trade history in step with the marketplace.
type Synchronizer struct {
	adapter marketplace.Adapter
	store   *store.Store
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(adapter marketplace.Adapter, st *store.Store, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Synchronizer {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.MaxOffset <= 0 {
		cfg.MaxOffset = def.MaxOffset
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Synchronizer{
		adapter: adapter,
		store:   st,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("mirror"),
		metrics: m,
	}
}

// ClassReport summarizes the synchronization of one item class.
type ClassReport struct {
	ClassID        uint
	Listings       int
	Deleted        int
	TradesInserted int
}

// Report summarizes a SyncAll run.
type Report struct {
	Classes        int
	Failed         int
	Listings       int
	Deleted        int
	TradesInserted int
	Duration       time.Duration
}

func ref(c models.ItemClass) marketplace.ClassRef {
	return marketplace.ClassRef{ExternalID: c.ExternalID, Name: c.Name}
}

// SyncCatalog creates or refreshes item classes from the marketplace catalog. Classes are never deleted.
func (s *Synchronizer) SyncCatalog(ctx context.Context) (int, error) {
	entries, err := s.adapter.FetchCatalog(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch catalog: %w", err)
	}

	n := 0
	for _, e := range entries {
		c := models.ItemClass{ExternalID: e.ExternalID, Name: e.Name, SuggestedPrice: e.SuggestedPrice}
		if err := s.store.UpsertItemClass(ctx, &c); err != nil {
			s.logger.Warn("catalog entry skipped", zap.String("class", e.Name), zap.Error(err))
			continue
		}
		n++
	}
	s.logger.Info("catalog synchronized", zap.Int("entries", len(entries)), zap.Int("upserted", n))
	return n, nil
}

// FetchListingsForClass pages through the remote listings of one class. It stops
// at the reported total, on an empty page, or at MaxOffset whatever the total says.
func (s *Synchronizer) FetchListingsForClass(ctx context.Context, class models.ItemClass) ([]marketplace.Listing, error) {
	var all []marketplace.Listing
	for offset := 0; offset < s.cfg.MaxOffset; {
		page, err := s.adapter.FetchListings(ctx, ref(class), offset, s.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch listings for %s at offset %d: %w", class.Name, offset, err)
		}
		if len(page.Listings) == 0 {
			break
		}
		all = append(all, page.Listings...)
		offset += s.cfg.PageSize
		if offset >= page.Total {
			break
		}
	}
	return all, nil
}

// ReconcileListings makes the local rows of a class equal the incoming set:
// rows missing from incoming are deleted (with their holdings), every incoming
// row is upserted. Rows are written one by one; a failed row does not stop the others.
func (s *Synchronizer) ReconcileListings(ctx context.Context, classID uint, incoming []marketplace.Listing) (ClassReport, error) {
	rep := ClassReport{ClassID: classID}

	localIDs, err := s.store.ListingIDs(ctx, classID)
	if err != nil {
		return rep, err
	}

	keep := make(map[string]marketplace.Listing, len(incoming))
	order := make([]string, 0, len(incoming))
	for _, l := range incoming {
		if _, dup := keep[l.ID]; !dup {
			order = append(order, l.ID)
		}
		keep[l.ID] = l
	}

	var stale []string
	for _, id := range localIDs {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := s.store.DeleteListings(ctx, stale); err != nil {
		return rep, err
	}
	rep.Deleted = len(stale)

	var errs []error
	for _, id := range order {
		row, err := ToModel(classID, keep[id])
		if err == nil {
			err = s.store.UpsertListing(ctx, &row)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rep.Listings++
	}
	return rep, errors.Join(errs...)
}

// IngestNewTrades inserts remote trades strictly newer than the stored watermark.
func (s *Synchronizer) IngestNewTrades(ctx context.Context, class models.ItemClass) (int, error) {
	watermark, err := s.store.TradeWatermark(ctx, class.ID)
	if err != nil {
		return 0, err
	}

	trades, err := s.adapter.FetchTrades(ctx, ref(class))
	if err != nil {
		return 0, fmt.Errorf("fetch trades for %s: %w", class.Name, err)
	}

	fresh := make([]models.TradeRecord, 0, len(trades))
	for _, t := range trades {
		if !t.SoldAt.After(watermark) {
			continue
		}
		stickers, err := encodeStickers(t.Stickers)
		if err != nil {
			return 0, err
		}
		fresh = append(fresh, models.TradeRecord{
			ItemClassID: class.ID,
			SoldAt:      t.SoldAt.UTC(),
			Price:       t.Price,
			FloatValue:  t.FloatValue,
			PaintSeed:   t.PaintSeed,
			Stickers:    stickers,
		})
	}

	n, err := s.store.InsertTrades(ctx, fresh)
	if err != nil {
		return 0, err
	}
	s.metrics.TradesInserted(n)
	return n, nil
}

// SyncClass refreshes listings and trades of one class.
func (s *Synchronizer) SyncClass(ctx context.Context, class models.ItemClass) (ClassReport, error) {
	listings, err := s.FetchListingsForClass(ctx, class)
	if err != nil {
		return ClassReport{ClassID: class.ID}, err
	}
	rep, err := s.ReconcileListings(ctx, class.ID, listings)
	if err != nil {
		return rep, fmt.Errorf("reconcile %s: %w", class.Name, err)
	}
	n, err := s.IngestNewTrades(ctx, class)
	if err != nil {
		return rep, err
	}
	rep.TradesInserted = n
	return rep, nil
}

// SyncAll synchronizes every tracked class with at most Workers in flight.
// A failing class is logged and counted; the others carry on.
func (s *Synchronizer) SyncAll(ctx context.Context) (Report, error) {
	start := time.Now()

	var (
		classes []models.ItemClass
		err     error
	)
	if len(s.cfg.Classes) > 0 {
		classes, err = s.store.ItemClassesByName(ctx, s.cfg.Classes)
	} else {
		classes, err = s.store.ItemClasses(ctx)
	}
	if err != nil {
		return Report{}, err
	}

	var (
		mu  sync.Mutex
		rep = Report{Classes: len(classes)}
	)
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	for _, class := range classes {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			cr, err := s.SyncClass(ctx, class)
			mu.Lock()
			defer mu.Unlock()
			rep.Listings += cr.Listings
			rep.Deleted += cr.Deleted
			rep.TradesInserted += cr.TradesInserted
			if err != nil {
				rep.Failed++
				s.metrics.SyncClassFailure()
				s.logger.Error("class sync failed", zap.String("class", class.Name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	rep.Duration = time.Since(start)

	s.logger.Info("mirror synchronized",
		zap.Int("classes", rep.Classes),
		zap.Int("failed", rep.Failed),
		zap.Int("listings", rep.Listings),
		zap.Int("deleted", rep.Deleted),
		zap.Int("trades", rep.TradesInserted),
		zap.Duration("took", rep.Duration))
	return rep, ctx.Err()
}

// ToModel converts a remote listing into its mirror row.
func ToModel(classID uint, l marketplace.Listing) (models.MarketListing, error) {
	stickers, err := encodeStickers(l.Stickers)
	if err != nil {
		return models.MarketListing{}, err
	}
	listedAt := l.ListedAt
	if listedAt.IsZero() {
		listedAt = time.Now()
	}
	return models.MarketListing{
		ID:          l.ID,
		ItemClassID: classID,
		Price:       l.Price,
		FloatValue:  l.FloatValue,
		Stickers:    stickers,
		ListedAt:    listedAt.UTC(),
	}, nil
}

func encodeStickers(names []string) (string, error) {
	if len(names) == 0 {
		return "", nil
	}
	b, err := json.Marshal(names)
	if err != nil {
		return "", fmt.Errorf("encode stickers: %w", err)
	}
	return string(b), nil
}

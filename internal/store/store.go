package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"csgo-arbiter/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("record not found")

// Epoch is the watermark of an item class without stored trades.
var Epoch = time.Unix(0, 0).UTC()

// Store is the relational mirror of the marketplace plus derived statistics.
// Every write is an idempotent single-row upsert or delete.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB { return s.db }

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ---- item classes ----

// UpsertItemClass inserts the class or refreshes its name and suggested price, keyed by ExternalID.
func (s *Store) UpsertItemClass(ctx context.Context, c *models.ItemClass) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "suggested_price", "updated_at"}),
	}).Create(c).Error
	if err != nil {
		return fmt.Errorf("upsert item class %s: %w", c.ExternalID, err)
	}
	return nil
}

func (s *Store) ItemClasses(ctx context.Context) ([]models.ItemClass, error) {
	var out []models.ItemClass
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list item classes: %w", err)
	}
	return out, nil
}

func (s *Store) ItemClassesByName(ctx context.Context, names []string) ([]models.ItemClass, error) {
	var out []models.ItemClass
	if err := s.db.WithContext(ctx).Where("name IN ?", names).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list item classes by name: %w", err)
	}
	return out, nil
}

func (s *Store) ItemClass(ctx context.Context, id uint) (models.ItemClass, error) {
	var c models.ItemClass
	err := s.db.WithContext(ctx).First(&c, id).Error
	return c, notFound(err)
}

func (s *Store) ItemClassByExternalID(ctx context.Context, externalID string) (models.ItemClass, error) {
	var c models.ItemClass
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&c).Error
	return c, notFound(err)
}

// ---- listings ----

func (s *Store) ListingIDs(ctx context.Context, classID uint) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.MarketListing{}).
		Where("item_class_id = ?", classID).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list listing ids for class %d: %w", classID, err)
	}
	return ids, nil
}

// UpsertListing inserts or overwrites one mirror row keyed by the remote listing id.
func (s *Store) UpsertListing(ctx context.Context, l *models.MarketListing) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"item_class_id", "price", "float_value", "stickers", "listed_at", "updated_at"}),
	}).Create(l).Error
	if err != nil {
		return fmt.Errorf("upsert listing %s: %w", l.ID, err)
	}
	return nil
}

func (s *Store) Listing(ctx context.Context, id string) (models.MarketListing, error) {
	var l models.MarketListing
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&l).Error
	return l, notFound(err)
}

// DeleteListings removes mirror rows together with any holdings that reference them.
func (s *Store) DeleteListings(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	db := s.db.WithContext(ctx)
	if err := db.Where("listing_id IN ?", ids).Delete(&models.Holding{}).Error; err != nil {
		return fmt.Errorf("delete holdings of removed listings: %w", err)
	}
	if err := db.Where("id IN ?", ids).Delete(&models.MarketListing{}).Error; err != nil {
		return fmt.Errorf("delete listings: %w", err)
	}
	return nil
}

func (s *Store) DeleteListing(ctx context.Context, id string) error {
	return s.DeleteListings(ctx, []string{id})
}

// CheapestListings returns up to limit mirror rows of a class, cheapest first.
// Rows we hold are not candidates.
func (s *Store) CheapestListings(ctx context.Context, classID uint, limit int) ([]models.MarketListing, error) {
	var out []models.MarketListing
	held := s.db.Model(&models.Holding{}).Select("listing_id")
	err := s.db.WithContext(ctx).
		Where("item_class_id = ?", classID).
		Where("id NOT IN (?)", held).
		Order("price ASC").Order("id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("cheapest listings for class %d: %w", classID, err)
	}
	return out, nil
}

func (s *Store) CountListings(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.MarketListing{}).Count(&n).Error
	return n, err
}

// ---- trades ----

// TradeWatermark is the newest stored SoldAt of a class, or Epoch when there is none.
func (s *Store) TradeWatermark(ctx context.Context, classID uint) (time.Time, error) {
	var last models.TradeRecord
	err := s.db.WithContext(ctx).
		Where("item_class_id = ?", classID).
		Order("sold_at DESC").
		Limit(1).
		Take(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Epoch, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("trade watermark for class %d: %w", classID, err)
	}
	return last.SoldAt.UTC(), nil
}

func (s *Store) InsertTrades(ctx context.Context, trades []models.TradeRecord) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(&trades, 200).Error; err != nil {
		return 0, fmt.Errorf("insert trades: %w", err)
	}
	return len(trades), nil
}

func (s *Store) Trades(ctx context.Context, classID uint) ([]models.TradeRecord, error) {
	var out []models.TradeRecord
	err := s.db.WithContext(ctx).
		Where("item_class_id = ?", classID).
		Order("sold_at ASC").Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("trades for class %d: %w", classID, err)
	}
	return out, nil
}

// ClassIDsWithTrades lists every item class that has at least one trade.
func (s *Store) ClassIDsWithTrades(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.TradeRecord{}).
		Distinct("item_class_id").
		Order("item_class_id").
		Pluck("item_class_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("classes with trades: %w", err)
	}
	return ids, nil
}

// ---- statistics ----

func (s *Store) UpsertStatistics(ctx context.Context, st *models.PriceStatistics) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "item_class_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"mean_price", "sale_count", "price_slope", "float_min", "float_max", "time_correlation", "updated_at",
		}),
	}).Create(st).Error
	if err != nil {
		return fmt.Errorf("upsert statistics for class %d: %w", st.ItemClassID, err)
	}
	return nil
}

func (s *Store) Statistics(ctx context.Context, classID uint) (models.PriceStatistics, error) {
	var st models.PriceStatistics
	err := s.db.WithContext(ctx).Where("item_class_id = ?", classID).First(&st).Error
	return st, notFound(err)
}

func (s *Store) AllStatistics(ctx context.Context) ([]models.PriceStatistics, error) {
	var out []models.PriceStatistics
	if err := s.db.WithContext(ctx).Order("item_class_id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list statistics: %w", err)
	}
	return out, nil
}

// ---- balance ----

func (s *Store) SetBalance(ctx context.Context, amount float64) error {
	b := models.Balance{ID: models.BalanceID, Amount: amount}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"amount", "updated_at"}),
	}).Create(&b).Error
	if err != nil {
		return fmt.Errorf("store balance: %w", err)
	}
	return nil
}

func (s *Store) Balance(ctx context.Context) (models.Balance, error) {
	var b models.Balance
	err := s.db.WithContext(ctx).First(&b, models.BalanceID).Error
	return b, notFound(err)
}

// ---- holdings ----

// UpsertHolding records an owned listing. The listing row must exist.
func (s *Store) UpsertHolding(ctx context.Context, h *models.Holding) error {
	err := s.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "listing_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"item_class_id", "asset_id", "buy_price", "list_price", "status", "updated_at"}),
	}).Create(h).Error
	if err != nil {
		return fmt.Errorf("upsert holding %s: %w", h.ListingID, err)
	}
	return nil
}

func (s *Store) Holdings(ctx context.Context) ([]models.Holding, error) {
	var out []models.Holding
	if err := s.db.WithContext(ctx).Order("created_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	return out, nil
}

func (s *Store) HoldingByAsset(ctx context.Context, assetID string) (models.Holding, error) {
	var h models.Holding
	err := s.db.WithContext(ctx).Where("asset_id = ?", assetID).First(&h).Error
	return h, notFound(err)
}

// IsHeld reports whether listingID is one of our holdings.
func (s *Store) IsHeld(ctx context.Context, listingID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Holding{}).Where("listing_id = ?", listingID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check holding %s: %w", listingID, err)
	}
	return n > 0, nil
}

func (s *Store) DeleteHolding(ctx context.Context, listingID string) error {
	if err := s.db.WithContext(ctx).Where("listing_id = ?", listingID).Delete(&models.Holding{}).Error; err != nil {
		return fmt.Errorf("delete holding %s: %w", listingID, err)
	}
	return nil
}

package models

import (
	"time"
)

// ItemClass represents a tradable item template (market hash name) on the marketplace
type ItemClass struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	ExternalID     string    `json:"external_id" gorm:"size:128;uniqueIndex;not null"`
	Name           string    `json:"name" gorm:"size:255;index;not null"`
	SuggestedPrice float64   `json:"suggested_price"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MarketListing mirrors one remote sell listing. The primary key is the remote listing id.
type MarketListing struct {
	ID          string    `json:"id" gorm:"primaryKey;size:64"`
	ItemClassID uint      `json:"item_class_id" gorm:"index;not null"`
	Price       float64   `json:"price"`
	FloatValue  *float64  `json:"float_value,omitempty"`
	Stickers    string    `json:"stickers,omitempty" gorm:"type:text"` // JSON array
	ListedAt    time.Time `json:"listed_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TradeRecord is an immutable completed sale
type TradeRecord struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	ItemClassID uint      `json:"item_class_id" gorm:"not null;index:idx_trade_class_sold,priority:1"`
	SoldAt      time.Time `json:"sold_at" gorm:"not null;index:idx_trade_class_sold,priority:2"`
	Price       float64   `json:"price"`
	FloatValue  *float64  `json:"float_value,omitempty"`
	PaintSeed   *int      `json:"paint_seed,omitempty"`
	Stickers    string    `json:"stickers,omitempty" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at"`
}

// PriceStatistics is the derived fair-price estimate for one item class
type PriceStatistics struct {
	ItemClassID     uint      `json:"item_class_id" gorm:"primaryKey;autoIncrement:false"`
	MeanPrice       float64   `json:"mean_price"`
	SaleCount       int       `json:"sale_count"`
	PriceSlope      float64   `json:"price_slope"`
	FloatMin        *float64  `json:"float_min,omitempty"`
	FloatMax        *float64  `json:"float_max,omitempty"`
	TimeCorrelation *float64  `json:"time_correlation,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

const (
	HoldingBought   = "bought"
	HoldingRelisted = "relisted"
)

// Holding is a listing currently owned by the operator (bought, or relisted as our own offer)
type Holding struct {
	ListingID   string         `json:"listing_id" gorm:"primaryKey;size:64"`
	Listing     *MarketListing `json:"-" gorm:"foreignKey:ListingID;references:ID;constraint:OnDelete:CASCADE"`
	ItemClassID uint           `json:"item_class_id" gorm:"index"`
	AssetID     string         `json:"asset_id" gorm:"size:64"`
	BuyPrice    float64        `json:"buy_price"`
	ListPrice   float64        `json:"list_price"`
	Status      string         `json:"status" gorm:"size:16;default:'bought'"` // bought, relisted
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// BalanceID is the primary key of the singleton balance row
const BalanceID = 1

// Balance is the operator's available funds
type Balance struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Amount    float64   `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// All lists every persisted model in migration order
func All() []interface{} {
	return []interface{}{
		&ItemClass{},
		&MarketListing{},
		&TradeRecord{},
		&PriceStatistics{},
		&Holding{},
		&Balance{},
	}
}

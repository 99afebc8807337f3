package marketplace

import (
	"context"
	"time"
)

// ClassRef identifies an item class on the remote side.
type ClassRef struct {
	ExternalID string
	Name       string
}

// CatalogEntry is one tradable item class offered by the marketplace.
type CatalogEntry struct {
	ExternalID     string
	Name           string
	SuggestedPrice float64
}

// Listing is one remote sell listing.
type Listing struct {
	ID         string
	ExternalID string // item class
	Price      float64
	FloatValue *float64
	Stickers   []string
	ListedAt   time.Time
}

// ListingPage is one page of a paginated listing search.
type ListingPage struct {
	Listings []Listing
	Total    int
}

// Trade is a completed sale from the remote trade history.
type Trade struct {
	SoldAt     time.Time
	Price      float64
	FloatValue *float64
	PaintSeed  *int
	Stickers   []string
}

// InventoryItem is an item owned by the operator that can be listed for sale.
type InventoryItem struct {
	AssetID    string
	ExternalID string
	Name       string
	// ListingID is set when the item is already on sale.
	ListingID string
}

// RelistRequest asks the marketplace to put an owned asset up for sale.
type RelistRequest struct {
	AssetID    string
	ExternalID string
	Price      float64
}

// Offer is a listing created by a relist call.
type Offer struct {
	AssetID   string
	ListingID string
	Price     float64
}

// Purchase is the marketplace's receipt for a successful buy.
type Purchase struct {
	ListingID string
	AssetID   string
	Price     float64
}

// Adapter is the remote marketplace contract. Implementations acquire the
// matching rate-limit category before every request and return *Error values.
type Adapter interface {
	Name() string
	FetchCatalog(ctx context.Context) ([]CatalogEntry, error)
	FetchListings(ctx context.Context, class ClassRef, offset, limit int) (ListingPage, error)
	FetchTrades(ctx context.Context, class ClassRef) ([]Trade, error)
	Buy(ctx context.Context, listingID string, price float64) (Purchase, error)
	Relist(ctx context.Context, reqs []RelistRequest) ([]Offer, error)
	FetchInventory(ctx context.Context) ([]InventoryItem, error)
	Balance(ctx context.Context) (float64, error)
}

package csfloat

import "time"

// Wire formats of the csfloat REST API. Prices are integer cents.

type CatalogResponse struct {
	Data []CatalogItem `json:"data"`
}

type CatalogItem struct {
	MarketHashName string `json:"market_hash_name"`
	SuggestedPrice int64  `json:"suggested_price"`
}

type Sticker struct {
	Name string `json:"name"`
}

type Item struct {
	AssetID        string    `json:"asset_id"`
	MarketHashName string    `json:"market_hash_name"`
	FloatValue     *float64  `json:"float_value"`
	PaintSeed      *int      `json:"paint_seed"`
	Stickers       []Sticker `json:"stickers"`
}

type ListingsResponse struct {
	Data       []Listing `json:"data"`
	TotalCount int       `json:"total_count"`
}

type Listing struct {
	ID        string    `json:"id"`
	Price     int64     `json:"price"`
	CreatedAt time.Time `json:"created_at"`
	Item      Item      `json:"item"`
}

type Sale struct {
	ID     string    `json:"id"`
	Price  int64     `json:"price"`
	SoldAt time.Time `json:"sold_at"`
	Item   Item      `json:"item"`
}

type BuyRequest struct {
	ContractIDs []string `json:"contract_ids"`
	TotalPrice  int64    `json:"total_price"`
}

type BuyResponse struct {
	Message  string   `json:"message"`
	AssetIDs []string `json:"asset_ids"`
}

type CreateListingRequest struct {
	AssetID string `json:"asset_id"`
	Price   int64  `json:"price"`
	Type    string `json:"type"`
}

type InventoryItem struct {
	AssetID        string `json:"asset_id"`
	MarketHashName string `json:"market_hash_name"`
	ListingID      string `json:"listing_id,omitempty"`
}

type MeResponse struct {
	User struct {
		SteamID string `json:"steam_id"`
		Balance int64  `json:"balance"`
	} `json:"user"`
}

func stickerNames(in []Sticker) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, s.Name)
	}
	return out
}

package dmarket

// Wire formats of the dmarket API. Amounts are decimal strings in cents.

type Money struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type MarketItemsResponse struct {
	Objects []MarketObject `json:"objects"`
	Total   struct {
		Offers int `json:"offers"`
		Items  int `json:"items"`
	} `json:"total"`
}

type MarketObject struct {
	ItemID         string            `json:"itemId"`
	Title          string            `json:"title"`
	CreatedAt      int64             `json:"createdAt"`
	Price          map[string]string `json:"price"`
	SuggestedPrice map[string]string `json:"suggestedPrice"`
	Extra          struct {
		FloatValue *float64 `json:"floatValue"`
		PaintSeed  *int     `json:"paintSeed"`
		Stickers   []struct {
			Name string `json:"name"`
		} `json:"stickers"`
	} `json:"extra"`
}

type LastSalesResponse struct {
	Sales []Sale `json:"sales"`
}

type Sale struct {
	Price           string `json:"price"`
	Date            string `json:"date"` // unix seconds
	OfferAttributes struct {
		FloatValue string `json:"floatValue"`
		PaintSeed  string `json:"paintSeed"`
	} `json:"offerAttributes"`
}

type BuyOffer struct {
	OfferID string `json:"offerId"`
	Price   Money  `json:"price"`
	Type    string `json:"type"`
}

type BuyRequest struct {
	// RequestID stays the same across retries of one purchase.
	RequestID string     `json:"requestId,omitempty"`
	Offers    []BuyOffer `json:"offers"`
}

type BuyResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	TxID    string `json:"txId"`
}

type CreateOffer struct {
	AssetID string `json:"AssetID"`
	Price   struct {
		Currency string `json:"Currency"`
		Amount   string `json:"Amount"`
	} `json:"Price"`
}

type CreateOffersRequest struct {
	Offers []CreateOffer `json:"Offers"`
}

type CreateOffersResponse struct {
	Result []CreateOfferResult `json:"Result"`
}

type CreateOfferResult struct {
	CreateOffer CreateOffer `json:"CreateOffer"`
	OfferID     string      `json:"OfferID"`
	Successful  bool        `json:"Successful"`
	Error       struct {
		Code    string `json:"Code"`
		Message string `json:"Message"`
	} `json:"Error"`
}

type InventoryResponse struct {
	Items []struct {
		AssetID string `json:"AssetID"`
		Title   string `json:"Title"`
		Offer   struct {
			OfferID string `json:"OfferID"`
		} `json:"Offer"`
	} `json:"Items"`
}

type BalanceResponse struct {
	USD string `json:"usd"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

package csfloat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"csgo-arbiter/internal/logging"
	"csgo-arbiter/internal/marketplace"
	"csgo-arbiter/internal/ratelimit"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	opCatalog   = "csfloat.catalog"
	opSearch    = "csfloat.search"
	opHistory   = "csfloat.history"
	opBuy       = "csfloat.buy"
	opRelist    = "csfloat.relist"
	opInventory = "csfloat.inventory"
	opBalance   = "csfloat.balance"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retry   marketplace.RetryPolicy
}

// Service talks to the csfloat REST API with a static API key.
type Service struct {
	apiKey  string
	client  *resty.Client
	limiter marketplace.Limiter
	retry   marketplace.RetryPolicy
	logger  *zap.Logger
}

var _ marketplace.Adapter = (*Service)(nil)

func NewService(cfg Config, limiter marketplace.Limiter, logger *zap.Logger) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/"))
	client.SetTimeout(timeout)

	return &Service{
		apiKey:  cfg.APIKey,
		client:  client,
		limiter: limiter,
		retry:   cfg.Retry,
		logger:  logging.OrNop(logger).Named("csfloat"),
	}
}

func (s *Service) Name() string { return "csfloat" }

func (s *Service) FetchCatalog(ctx context.Context) ([]marketplace.CatalogEntry, error) {
	var resp CatalogResponse
	if err := s.do(ctx, ratelimit.Catalog, opCatalog, http.MethodGet, "/api/v1/meta/catalog", nil, nil, &resp); err != nil {
		return nil, err
	}

	entries := make([]marketplace.CatalogEntry, 0, len(resp.Data))
	for _, it := range resp.Data {
		if it.MarketHashName == "" {
			continue
		}
		entries = append(entries, marketplace.CatalogEntry{
			ExternalID:     it.MarketHashName,
			Name:           it.MarketHashName,
			SuggestedPrice: marketplace.CentsToAmount(it.SuggestedPrice),
		})
	}
	return entries, nil
}

func (s *Service) FetchListings(ctx context.Context, class marketplace.ClassRef, offset, limit int) (marketplace.ListingPage, error) {
	q := url.Values{}
	q.Set("market_hash_name", class.Name)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("type", "buy_now")

	var resp ListingsResponse
	if err := s.do(ctx, ratelimit.Search, opSearch, http.MethodGet, "/api/v1/listings", q, nil, &resp); err != nil {
		return marketplace.ListingPage{}, err
	}

	page := marketplace.ListingPage{
		Listings: make([]marketplace.Listing, 0, len(resp.Data)),
		Total:    resp.TotalCount,
	}
	for _, l := range resp.Data {
		page.Listings = append(page.Listings, marketplace.Listing{
			ID:         l.ID,
			ExternalID: class.ExternalID,
			Price:      marketplace.CentsToAmount(l.Price),
			FloatValue: l.Item.FloatValue,
			Stickers:   stickerNames(l.Item.Stickers),
			ListedAt:   l.CreatedAt,
		})
	}
	return page, nil
}

func (s *Service) FetchTrades(ctx context.Context, class marketplace.ClassRef) ([]marketplace.Trade, error) {
	path := "/api/v1/history/" + url.PathEscape(class.Name) + "/sales"

	var sales []Sale
	if err := s.do(ctx, ratelimit.History, opHistory, http.MethodGet, path, nil, nil, &sales); err != nil {
		return nil, err
	}

	trades := make([]marketplace.Trade, 0, len(sales))
	for _, sale := range sales {
		trades = append(trades, marketplace.Trade{
			SoldAt:     sale.SoldAt,
			Price:      marketplace.CentsToAmount(sale.Price),
			FloatValue: sale.Item.FloatValue,
			PaintSeed:  sale.Item.PaintSeed,
			Stickers:   stickerNames(sale.Item.Stickers),
		})
	}
	return trades, nil
}

func (s *Service) Buy(ctx context.Context, listingID string, price float64) (marketplace.Purchase, error) {
	body := BuyRequest{
		ContractIDs: []string{listingID},
		TotalPrice:  marketplace.AmountToCents(price),
	}

	var resp BuyResponse
	if err := s.do(ctx, ratelimit.Buy, opBuy, http.MethodPost, "/api/v1/listings/buy", nil, body, &resp); err != nil {
		return marketplace.Purchase{}, err
	}

	p := marketplace.Purchase{ListingID: listingID, Price: price}
	if len(resp.AssetIDs) > 0 {
		p.AssetID = resp.AssetIDs[0]
	}
	s.logger.Info("listing bought", zap.String("listing", listingID), zap.Float64("price", price), zap.String("message", resp.Message))
	return p, nil
}

// Relist creates one buy-now listing per request. Offers created before a
// failure are returned together with the joined errors.
func (s *Service) Relist(ctx context.Context, reqs []marketplace.RelistRequest) ([]marketplace.Offer, error) {
	var (
		offers []marketplace.Offer
		errs   []error
	)
	for _, r := range reqs {
		body := CreateListingRequest{
			AssetID: r.AssetID,
			Price:   marketplace.AmountToCents(r.Price),
			Type:    "buy_now",
		}
		var created Listing
		if err := s.do(ctx, ratelimit.Relist, opRelist, http.MethodPost, "/api/v1/listings", nil, body, &created); err != nil {
			if errors.Is(err, context.Canceled) {
				return offers, err
			}
			errs = append(errs, fmt.Errorf("asset %s: %w", r.AssetID, err))
			continue
		}
		offers = append(offers, marketplace.Offer{
			AssetID:   r.AssetID,
			ListingID: created.ID,
			Price:     marketplace.CentsToAmount(created.Price),
		})
	}
	return offers, errors.Join(errs...)
}

func (s *Service) FetchInventory(ctx context.Context) ([]marketplace.InventoryItem, error) {
	var items []InventoryItem
	if err := s.do(ctx, ratelimit.Inventory, opInventory, http.MethodGet, "/api/v1/me/inventory", nil, nil, &items); err != nil {
		return nil, err
	}

	out := make([]marketplace.InventoryItem, 0, len(items))
	for _, it := range items {
		out = append(out, marketplace.InventoryItem{
			AssetID:    it.AssetID,
			ExternalID: it.MarketHashName,
			Name:       it.MarketHashName,
			ListingID:  it.ListingID,
		})
	}
	return out, nil
}

func (s *Service) Balance(ctx context.Context) (float64, error) {
	var me MeResponse
	if err := s.do(ctx, ratelimit.Balance, opBalance, http.MethodGet, "/api/v1/me", nil, nil, &me); err != nil {
		return 0, err
	}
	return marketplace.CentsToAmount(me.User.Balance), nil
}

// do performs one logical call: every attempt waits for the limiter, transient
// failures are retried, and the outcome is mapped onto marketplace.Error.
func (s *Service) do(ctx context.Context, category ratelimit.Category, op, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		payload = b
	}

	_, err := marketplace.Retry(ctx, s.retry, func() (struct{}, error) {
		if err := s.limiter.Acquire(ctx, category); err != nil {
			return struct{}{}, err
		}

		req := s.client.R().
			SetContext(ctx).
			SetHeader("Authorization", s.apiKey).
			SetHeader("Accept", "application/json")
		if query != nil {
			req.SetQueryParamsFromValues(query)
		}
		if payload != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(payload)
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			s.logger.Warn("request failed", zap.String("op", op), zap.Error(err))
			terr := marketplace.NewError(marketplace.KindTransport, op, 0, err)
			if op == opBuy {
				// the order may have been placed; a retry would see it as gone
				return struct{}{}, marketplace.Final(terr)
			}
			return struct{}{}, terr
		}
		if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() > 299 {
			return struct{}{}, classify(op, resp.StatusCode(), resp.Body())
		}
		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return struct{}{}, marketplace.NewError(marketplace.KindDecode, op, resp.StatusCode(), err)
			}
		}
		return struct{}{}, nil
	})
	return err
}

func classify(op string, status int, body []byte) *marketplace.Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	err := fmt.Errorf("unexpected response: %s", msg)

	if op == opBuy {
		switch status {
		case http.StatusNotFound, http.StatusConflict, http.StatusGone:
			return marketplace.NewError(marketplace.KindGone, op, status, err)
		}
	}
	return marketplace.NewError(marketplace.KindRejection, op, status, err)
}

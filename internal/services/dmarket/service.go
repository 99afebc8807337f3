package dmarket

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
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opCatalog   = "dmarket.catalog"
	opSearch    = "dmarket.search"
	opHistory   = "dmarket.history"
	opBuy       = "dmarket.buy"
	opRelist    = "dmarket.relist"
	opInventory = "dmarket.inventory"
	opBalance   = "dmarket.balance"

	catalogPageSize = 100
	catalogMaxPages = 20
	salesLimit      = 500
)

type Config struct {
	BaseURL  string
	GameID   string
	Currency string
	Timeout  time.Duration
	Retry    marketplace.RetryPolicy
}

// Service talks to the dmarket API with ed25519-signed requests.
type Service struct {
	cfg     Config
	signer  *Signer
	client  *resty.Client
	limiter marketplace.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

var _ marketplace.Adapter = (*Service)(nil)

func NewService(cfg Config, signer *Signer, limiter marketplace.Limiter, logger *zap.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.GameID == "" {
		cfg.GameID = "a8db"
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/"))
	client.SetTimeout(cfg.Timeout)

	return &Service{
		cfg:     cfg,
		signer:  signer,
		client:  client,
		limiter: limiter,
		logger:  logging.OrNop(logger).Named("dmarket"),
		now:     time.Now,
	}
}

func (s *Service) Name() string { return "dmarket" }

func (s *Service) FetchCatalog(ctx context.Context) ([]marketplace.CatalogEntry, error) {
	seen := make(map[string]struct{})
	var entries []marketplace.CatalogEntry

	for page := 0; page < catalogMaxPages; page++ {
		q := s.marketQuery("", page*catalogPageSize, catalogPageSize)
		var resp MarketItemsResponse
		if err := s.do(ctx, ratelimit.Catalog, opCatalog, http.MethodGet, "/exchange/v1/market/items", q, nil, &resp); err != nil {
			return nil, err
		}
		for _, obj := range resp.Objects {
			if obj.Title == "" {
				continue
			}
			if _, ok := seen[obj.Title]; ok {
				continue
			}
			seen[obj.Title] = struct{}{}
			suggested, _ := marketplace.ParseCents(obj.SuggestedPrice[s.cfg.Currency])
			entries = append(entries, marketplace.CatalogEntry{
				ExternalID:     obj.Title,
				Name:           obj.Title,
				SuggestedPrice: suggested,
			})
		}
		if len(resp.Objects) < catalogPageSize || (page+1)*catalogPageSize >= resp.Total.Offers {
			break
		}
	}
	return entries, nil
}

func (s *Service) FetchListings(ctx context.Context, class marketplace.ClassRef, offset, limit int) (marketplace.ListingPage, error) {
	q := s.marketQuery(class.Name, offset, limit)

	var resp MarketItemsResponse
	if err := s.do(ctx, ratelimit.Search, opSearch, http.MethodGet, "/exchange/v1/market/items", q, nil, &resp); err != nil {
		return marketplace.ListingPage{}, err
	}

	page := marketplace.ListingPage{
		Listings: make([]marketplace.Listing, 0, len(resp.Objects)),
		Total:    resp.Total.Offers,
	}
	for _, obj := range resp.Objects {
		price, err := marketplace.ParseCents(obj.Price[s.cfg.Currency])
		if err != nil {
			return marketplace.ListingPage{}, marketplace.NewError(marketplace.KindDecode, opSearch, 0, err)
		}
		var stickers []string
		for _, st := range obj.Extra.Stickers {
			stickers = append(stickers, st.Name)
		}
		page.Listings = append(page.Listings, marketplace.Listing{
			ID:         obj.ItemID,
			ExternalID: class.ExternalID,
			Price:      price,
			FloatValue: obj.Extra.FloatValue,
			Stickers:   stickers,
			ListedAt:   time.Unix(obj.CreatedAt, 0).UTC(),
		})
	}
	return page, nil
}

func (s *Service) FetchTrades(ctx context.Context, class marketplace.ClassRef) ([]marketplace.Trade, error) {
	q := url.Values{}
	q.Set("gameId", s.cfg.GameID)
	q.Set("title", class.Name)
	q.Set("limit", strconv.Itoa(salesLimit))

	var resp LastSalesResponse
	if err := s.do(ctx, ratelimit.History, opHistory, http.MethodGet, "/trade-aggregator/v1/last-sales", q, nil, &resp); err != nil {
		return nil, err
	}

	trades := make([]marketplace.Trade, 0, len(resp.Sales))
	for _, sale := range resp.Sales {
		price, err := marketplace.ParseCents(sale.Price)
		if err != nil {
			return nil, marketplace.NewError(marketplace.KindDecode, opHistory, 0, err)
		}
		sec, err := strconv.ParseInt(sale.Date, 10, 64)
		if err != nil {
			return nil, marketplace.NewError(marketplace.KindDecode, opHistory, 0, fmt.Errorf("invalid sale date %q: %w", sale.Date, err))
		}
		t := marketplace.Trade{SoldAt: time.Unix(sec, 0).UTC(), Price: price}
		if f, err := strconv.ParseFloat(sale.OfferAttributes.FloatValue, 64); err == nil {
			t.FloatValue = &f
		}
		if seed, err := strconv.Atoi(sale.OfferAttributes.PaintSeed); err == nil {
			t.PaintSeed = &seed
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func (s *Service) Buy(ctx context.Context, listingID string, price float64) (marketplace.Purchase, error) {
	body := BuyRequest{RequestID: uuid.NewString(), Offers: []BuyOffer{{
		OfferID: listingID,
		Price:   Money{Amount: marketplace.FormatCents(price), Currency: s.cfg.Currency},
		Type:    "dmarket",
	}}}

	var resp BuyResponse
	if err := s.do(ctx, ratelimit.Buy, opBuy, http.MethodPatch, "/exchange/v1/offers-buy", nil, body, &resp); err != nil {
		return marketplace.Purchase{}, err
	}
	s.logger.Info("offer bought", zap.String("offer", listingID), zap.Float64("price", price),
		zap.String("order", resp.OrderID), zap.String("status", resp.Status))
	return marketplace.Purchase{ListingID: listingID, Price: price}, nil
}

func (s *Service) Relist(ctx context.Context, reqs []marketplace.RelistRequest) ([]marketplace.Offer, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	body := CreateOffersRequest{Offers: make([]CreateOffer, 0, len(reqs))}
	for _, r := range reqs {
		var o CreateOffer
		o.AssetID = r.AssetID
		o.Price.Currency = s.cfg.Currency
		o.Price.Amount = marketplace.FormatCents(r.Price)
		body.Offers = append(body.Offers, o)
	}

	var resp CreateOffersResponse
	if err := s.do(ctx, ratelimit.Relist, opRelist, http.MethodPost, "/marketplace-api/v1/user-offers/create", nil, body, &resp); err != nil {
		return nil, err
	}

	var (
		offers []marketplace.Offer
		errs   []error
	)
	for _, res := range resp.Result {
		if !res.Successful {
			errs = append(errs, fmt.Errorf("asset %s: %s %s", res.CreateOffer.AssetID, res.Error.Code, res.Error.Message))
			continue
		}
		price, err := marketplace.ParseCents(res.CreateOffer.Price.Amount)
		if err != nil {
			errs = append(errs, fmt.Errorf("asset %s: %w", res.CreateOffer.AssetID, err))
			continue
		}
		offers = append(offers, marketplace.Offer{
			AssetID:   res.CreateOffer.AssetID,
			ListingID: res.OfferID,
			Price:     price,
		})
	}
	return offers, errors.Join(errs...)
}

func (s *Service) FetchInventory(ctx context.Context) ([]marketplace.InventoryItem, error) {
	q := url.Values{}
	q.Set("GameID", s.cfg.GameID)
	q.Set("BasicFilters.InMarket", "true")
	q.Set("Limit", "1000")

	var resp InventoryResponse
	if err := s.do(ctx, ratelimit.Inventory, opInventory, http.MethodGet, "/marketplace-api/v1/user-inventory", q, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]marketplace.InventoryItem, 0, len(resp.Items))
	for _, it := range resp.Items {
		out = append(out, marketplace.InventoryItem{
			AssetID:    it.AssetID,
			ExternalID: it.Title,
			Name:       it.Title,
			ListingID:  it.Offer.OfferID,
		})
	}
	return out, nil
}

func (s *Service) Balance(ctx context.Context) (float64, error) {
	var resp BalanceResponse
	if err := s.do(ctx, ratelimit.Balance, opBalance, http.MethodGet, "/account/v1/balance", nil, nil, &resp); err != nil {
		return 0, err
	}
	amount, err := marketplace.ParseCents(resp.USD)
	if err != nil {
		return 0, marketplace.NewError(marketplace.KindDecode, opBalance, 0, err)
	}
	return amount, nil
}

func (s *Service) marketQuery(title string, offset, limit int) url.Values {
	q := url.Values{}
	q.Set("gameId", s.cfg.GameID)
	q.Set("currency", s.cfg.Currency)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("orderBy", "price")
	q.Set("orderDir", "asc")
	if title != "" {
		q.Set("title", title)
	}
	return q
}

// do signs and sends one logical call through the limiter with retries.
// The query is encoded into the path so the signed string matches the wire.
func (s *Service) do(ctx context.Context, category ratelimit.Category, op, method, path string, query url.Values, body, out any) error {
	pathWithQuery := path
	if len(query) > 0 {
		pathWithQuery += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		payload = b
	}

	_, err := marketplace.Retry(ctx, s.cfg.Retry, func() (struct{}, error) {
		if err := s.limiter.Acquire(ctx, category); err != nil {
			return struct{}{}, err
		}

		ts := s.now().Unix()
		req := s.client.R().
			SetContext(ctx).
			SetHeader("Accept", "application/json").
			SetHeader("X-Api-Key", s.signer.PublicKey()).
			SetHeader("X-Sign-Date", strconv.FormatInt(ts, 10)).
			SetHeader("X-Request-Sign", s.signer.Sign(method, pathWithQuery, payload, ts))
		if payload != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(payload)
		}

		resp, err := req.Execute(method, pathWithQuery)
		if err != nil {
			s.logger.Warn("request failed", zap.String("op", op), zap.Error(err))
			return struct{}{}, marketplace.NewError(marketplace.KindTransport, op, 0, err)
		}
		if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
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
	var apiErr ErrorResponse
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
	}
	err := fmt.Errorf("unexpected response: %s %s", apiErr.Code, msg)

	if op == opBuy {
		gone := status == http.StatusNotFound || status == http.StatusConflict || status == http.StatusGone ||
			strings.Contains(apiErr.Code, "NotFound") ||
			strings.Contains(strings.ToLower(apiErr.Message), "not available")
		if gone {
			return marketplace.NewError(marketplace.KindGone, op, status, err)
		}
	}
	return marketplace.NewError(marketplace.KindRejection, op, status, err)
}

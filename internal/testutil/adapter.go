package testutil

import (
	"context"
	"fmt"
	"sync"

	"csgo-arbiter/internal/marketplace"
)

// FakeAdapter is an in-memory marketplace. Unset hooks return empty results.
type FakeAdapter struct {
	mu    sync.Mutex
	calls []string

	CatalogFn   func(ctx context.Context) ([]marketplace.CatalogEntry, error)
	ListingsFn  func(ctx context.Context, class marketplace.ClassRef, offset, limit int) (marketplace.ListingPage, error)
	TradesFn    func(ctx context.Context, class marketplace.ClassRef) ([]marketplace.Trade, error)
	BuyFn       func(ctx context.Context, listingID string, price float64) (marketplace.Purchase, error)
	RelistFn    func(ctx context.Context, reqs []marketplace.RelistRequest) ([]marketplace.Offer, error)
	InventoryFn func(ctx context.Context) ([]marketplace.InventoryItem, error)
	BalanceFn   func(ctx context.Context) (float64, error)
}

var _ marketplace.Adapter = (*FakeAdapter)(nil)

func (f *FakeAdapter) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

// Calls returns the names of the adapter methods invoked so far, in order.
func (f *FakeAdapter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeAdapter) Name() string { return "fake" }

func (f *FakeAdapter) FetchCatalog(ctx context.Context) ([]marketplace.CatalogEntry, error) {
	f.record("catalog")
	if f.CatalogFn == nil {
		return nil, nil
	}
	return f.CatalogFn(ctx)
}

func (f *FakeAdapter) FetchListings(ctx context.Context, class marketplace.ClassRef, offset, limit int) (marketplace.ListingPage, error) {
	f.record(fmt.Sprintf("listings:%s:%d", class.Name, offset))
	if f.ListingsFn == nil {
		return marketplace.ListingPage{}, nil
	}
	return f.ListingsFn(ctx, class, offset, limit)
}

func (f *FakeAdapter) FetchTrades(ctx context.Context, class marketplace.ClassRef) ([]marketplace.Trade, error) {
	f.record("trades:" + class.Name)
	if f.TradesFn == nil {
		return nil, nil
	}
	return f.TradesFn(ctx, class)
}

func (f *FakeAdapter) Buy(ctx context.Context, listingID string, price float64) (marketplace.Purchase, error) {
	f.record("buy:" + listingID)
	if f.BuyFn == nil {
		return marketplace.Purchase{ListingID: listingID, Price: price}, nil
	}
	return f.BuyFn(ctx, listingID, price)
}

func (f *FakeAdapter) Relist(ctx context.Context, reqs []marketplace.RelistRequest) ([]marketplace.Offer, error) {
	f.record("relist")
	if f.RelistFn == nil {
		return nil, nil
	}
	return f.RelistFn(ctx, reqs)
}

func (f *FakeAdapter) FetchInventory(ctx context.Context) ([]marketplace.InventoryItem, error) {
	f.record("inventory")
	if f.InventoryFn == nil {
		return nil, nil
	}
	return f.InventoryFn(ctx)
}

func (f *FakeAdapter) Balance(ctx context.Context) (float64, error) {
	f.record("balance")
	if f.BalanceFn == nil {
		return 0, nil
	}
	return f.BalanceFn(ctx)
}

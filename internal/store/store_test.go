package store_test

import (
	"context"
	"testing"
	"time"

	"csgo-arbiter/internal/models"
	"csgo-arbiter/internal/store"
	"csgo-arbiter/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(testutil.NewDB(t))
}

func seedClass(t *testing.T, s *store.Store, name string) models.ItemClass {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertItemClass(ctx, &models.ItemClass{ExternalID: name, Name: name}))
	c, err := s.ItemClassByExternalID(ctx, name)
	require.NoError(t, err)
	return c
}

func TestUpsertItemClassUpdatesInPlace(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItemClass(ctx, &models.ItemClass{ExternalID: "ak", Name: "AK", SuggestedPrice: 10}))
	require.NoError(t, s.UpsertItemClass(ctx, &models.ItemClass{ExternalID: "ak", Name: "AK-47", SuggestedPrice: 12}))

	all, err := s.ItemClasses(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "AK-47", all[0].Name)
	assert.Equal(t, 12.0, all[0].SuggestedPrice)

	_, err = s.ItemClassByExternalID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTradeWatermark(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := seedClass(t, s, "awp")

	wm, err := s.TradeWatermark(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, wm.Equal(store.Epoch))

	_, err = s.InsertTrades(ctx, []models.TradeRecord{
		{ItemClassID: c.ID, SoldAt: time.Unix(900, 0).UTC(), Price: 1},
		{ItemClassID: c.ID, SoldAt: time.Unix(1000, 0).UTC(), Price: 2},
	})
	require.NoError(t, err)

	wm, err = s.TradeWatermark(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, wm.Equal(time.Unix(1000, 0)), "got %v", wm)

	ids, err := s.ClassIDsWithTrades(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint{c.ID}, ids)
}

func TestDeleteListingsRemovesHoldings(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := seedClass(t, s, "m4")

	for _, id := range []string{"1", "2"} {
		require.NoError(t, s.UpsertListing(ctx, &models.MarketListing{ID: id, ItemClassID: c.ID, Price: 5, ListedAt: time.Now().UTC()}))
	}
	require.NoError(t, s.UpsertHolding(ctx, &models.Holding{ListingID: "1", ItemClassID: c.ID, BuyPrice: 5, Status: models.HoldingBought}))

	require.NoError(t, s.DeleteListings(ctx, []string{"1"}))

	holdings, err := s.Holdings(ctx)
	require.NoError(t, err)
	assert.Empty(t, holdings)

	ids, err := s.ListingIDs(ctx, c.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"2"}, ids)
}

func TestHoldingRequiresListing(t *testing.T) {
	s := newStore(t)
	err := s.UpsertHolding(context.Background(), &models.Holding{ListingID: "nope", Status: models.HoldingBought})
	assert.Error(t, err)
}

func TestUpsertListingOverwrites(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := seedClass(t, s, "usp")

	require.NoError(t, s.UpsertListing(ctx, &models.MarketListing{ID: "x", ItemClassID: c.ID, Price: 5}))
	require.NoError(t, s.UpsertListing(ctx, &models.MarketListing{ID: "x", ItemClassID: c.ID, Price: 4}))

	l, err := s.Listing(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 4.0, l.Price)

	cheap, err := s.CheapestListings(ctx, c.ID, 10)
	require.NoError(t, err)
	assert.Len(t, cheap, 1)
}

func TestCheapestListingsSkipsHoldings(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := seedClass(t, s, "held")

	require.NoError(t, s.UpsertListing(ctx, &models.MarketListing{ID: "mine", ItemClassID: c.ID, Price: 1}))
	require.NoError(t, s.UpsertListing(ctx, &models.MarketListing{ID: "theirs", ItemClassID: c.ID, Price: 2}))
	require.NoError(t, s.UpsertHolding(ctx, &models.Holding{ListingID: "mine", ItemClassID: c.ID, BuyPrice: 1, Status: models.HoldingBought}))

	cheap, err := s.CheapestListings(ctx, c.ID, 10)
	require.NoError(t, err)
	require.Len(t, cheap, 1)
	assert.Equal(t, "theirs", cheap[0].ID)

	held, err := s.IsHeld(ctx, "theirs")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestBalanceSingleton(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Balance(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SetBalance(ctx, 100))
	require.NoError(t, s.SetBalance(ctx, 80.5))

	b, err := s.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80.5, b.Amount)
	assert.EqualValues(t, models.BalanceID, b.ID)
}

func TestStatisticsUpsert(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := seedClass(t, s, "deagle")

	require.NoError(t, s.UpsertStatistics(ctx, &models.PriceStatistics{ItemClassID: c.ID, MeanPrice: 10, SaleCount: 3}))
	require.NoError(t, s.UpsertStatistics(ctx, &models.PriceStatistics{ItemClassID: c.ID, MeanPrice: 11, SaleCount: 4}))

	st, err := s.Statistics(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 11.0, st.MeanPrice)
	assert.Equal(t, 4, st.SaleCount)

	all, err := s.AllStatistics(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

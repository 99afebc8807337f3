package arbitrage

import (
	"math"

	"csgo-arbiter/internal/config"
	"csgo-arbiter/internal/quant"
)

type Action int

const (
	Skip Action = iota
	Buy
)

func (a Action) String() string {
	if a == Buy {
		return "buy"
	}
	return "skip"
}

// Decision reasons.
const (
	ReasonUnreliable   = "unreliable"
	ReasonUnaffordable = "unaffordable"
	ReasonMargin       = "margin"
	ReasonProfitable   = "profitable"
	ReasonOwned        = "owned"
)

// Config holds the trading thresholds.
type Config struct {
	// AffordabilityFraction caps a single purchase at this share of the balance.
	AffordabilityFraction float64
	// RelistDiscount is taken off the mean when pricing a relist.
	RelistDiscount  float64
	FeeRate         float64
	FeeFloor        float64
	MinProfitMargin float64
	// SweepDepth is how many of the cheapest mirror listings per class a sweep considers.
	SweepDepth     int
	RelistAfterBuy bool
	DryRun         bool
	Gate           quant.Gate
}

func DefaultConfig() Config {
	return Config{
		AffordabilityFraction: 0.5,
		RelistDiscount:        0.01,
		FeeRate:               0.02,
		FeeFloor:              0.01,
		MinProfitMargin:       0.1,
		SweepDepth:            5,
		RelistAfterBuy:        true,
		Gate:                  quant.DefaultGate(),
	}
}

// ConfigFrom maps the loaded service configuration onto engine thresholds.
func ConfigFrom(a config.ArbitrageConfig, g config.GateConfig) Config {
	return Config{
		AffordabilityFraction: a.AffordabilityFraction,
		RelistDiscount:        a.RelistDiscount,
		FeeRate:               a.FeeRate,
		FeeFloor:              a.FeeFloor,
		MinProfitMargin:       a.MinProfitMargin,
		SweepDepth:            a.SweepDepth,
		RelistAfterBuy:        a.RelistAfterBuy,
		DryRun:                a.DryRun,
		Gate:                  quant.Gate{MinSaleCount: g.MinSaleCount, MinSlope: g.MinSlope},
	}
}

// Observation is a listing seen on the market at a price.
type Observation struct {
	ListingID   string
	ItemClassID uint
	Price       float64
}

type Decision struct {
	Action      Action
	Reason      string
	Observation Observation
	Mean        float64
	// Expected is the net resale value after discount and fee.
	Expected float64
}

// ExpectedResale returns the resale price after discount and the fee taken on it.
func ExpectedResale(mean float64, cfg Config) (resale, fee float64) {
	resale = mean * (1 - cfg.RelistDiscount)
	fee = math.Max(cfg.FeeRate*resale, cfg.FeeFloor)
	return resale, fee
}

// Profitable reports whether buying at price leaves MinProfitMargin on top of
// the net resale value. It is monotone in price.
func Profitable(price, mean float64, cfg Config) bool {
	resale, fee := ExpectedResale(mean, cfg)
	return price*(1+cfg.MinProfitMargin) <= resale-fee
}

// RelistPrice is the asking price for an owned item, rounded to cents.
func RelistPrice(mean float64, cfg Config) float64 {
	return math.Round(mean*(1-cfg.RelistDiscount)*100) / 100
}

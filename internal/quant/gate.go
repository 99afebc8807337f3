package quant

import "csgo-arbiter/internal/models"

// Gate decides whether statistics are trustworthy enough to trade on.
type Gate struct {
	MinSaleCount int
	MinSlope     float64
}

func DefaultGate() Gate {
	return Gate{MinSaleCount: 300, MinSlope: 0}
}

// Reliable requires enough retained sales and a non-falling price trend.
func (g Gate) Reliable(st models.PriceStatistics) bool {
	return st.SaleCount >= g.MinSaleCount && st.PriceSlope >= g.MinSlope
}

package quant

import (
	"math"
	"sort"
	"time"
)

// TukeyK is the fence multiplier applied to the interquartile range.
const TukeyK = 1.5

// Sample is one completed sale fed into the statistics.
type Sample struct {
	Time       time.Time
	Price      float64
	FloatValue *float64
}

// Result is the robust price summary of one item class.
type Result struct {
	MeanPrice       float64
	SaleCount       int
	PriceSlope      float64
	FloatMin        *float64
	FloatMax        *float64
	TimeCorrelation *float64
}

// Compute filters outliers in log-price space and summarizes the remaining sales.
// It returns false when no sample has a positive price.
//
// MeanPrice is the geometric mean of retained prices, SaleCount the number of
// retained sales and PriceSlope the least-squares slope of log-price against
// unix seconds (0 when all retained sales share one timestamp).
func Compute(samples []Sample) (Result, bool) {
	points := make([]point, 0, len(samples))
	for _, s := range samples {
		if s.Price <= 0 || math.IsNaN(s.Price) || math.IsInf(s.Price, 0) {
			continue
		}
		points = append(points, point{
			t:     s.Time,
			price: s.Price,
			logP:  math.Log(s.Price),
			float: s.FloatValue,
		})
	}
	if len(points) == 0 {
		return Result{}, false
	}

	// fixed order makes the floating point sums reproducible
	sort.SliceStable(points, func(i, j int) bool {
		if !points[i].t.Equal(points[j].t) {
			return points[i].t.Before(points[j].t)
		}
		return points[i].price < points[j].price
	})

	logs := make([]float64, len(points))
	for i, p := range points {
		logs[i] = p.logP
	}
	sort.Float64s(logs)
	q1 := quantile(logs, 0.25)
	q3 := quantile(logs, 0.75)
	iqr := q3 - q1
	lo, hi := q1-TukeyK*iqr, q3+TukeyK*iqr

	retained := points[:0:0]
	for _, p := range points {
		if p.logP >= lo && p.logP <= hi {
			retained = append(retained, p)
		}
	}
	if len(retained) == 0 {
		return Result{}, false
	}

	var res Result
	res.SaleCount = len(retained)

	sumLog := 0.0
	for _, p := range retained {
		sumLog += p.logP
	}
	meanLog := sumLog / float64(len(retained))
	res.MeanPrice = math.Exp(meanLog)

	res.PriceSlope, res.TimeCorrelation = trend(retained, meanLog)
	res.FloatMin, res.FloatMax = floatBounds(retained)
	return res, true
}

type point struct {
	t     time.Time
	price float64
	logP  float64
	float *float64
}

// quantile interpolates linearly between closest ranks at position p*(n-1).
func quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	pos := p * float64(n-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// trend returns the OLS slope of log-price per second and the Pearson
// correlation, which is nil when either variance is zero.
func trend(points []point, meanLog float64) (float64, *float64) {
	if len(points) < 2 {
		return 0, nil
	}

	// seconds relative to the first sale keep the products small
	origin := points[0].t
	xs := make([]float64, len(points))
	sumX := 0.0
	for i, p := range points {
		xs[i] = p.t.Sub(origin).Seconds()
		sumX += xs[i]
	}
	meanX := sumX / float64(len(points))

	var sxx, syy, sxy float64
	for i, p := range points {
		dx := xs[i] - meanX
		dy := p.logP - meanLog
		sxx += dx * dx
		syy += dy * dy
		sxy += dx * dy
	}
	if sxx == 0 {
		return 0, nil
	}

	slope := sxy / sxx
	if syy == 0 {
		return slope, nil
	}
	r := sxy / math.Sqrt(sxx*syy)
	return slope, &r
}

func floatBounds(points []point) (*float64, *float64) {
	var lo, hi *float64
	for _, p := range points {
		if p.float == nil {
			continue
		}
		v := *p.float
		if lo == nil || v < *lo {
			lo = &v
		}
		if hi == nil || v > *hi {
			w := v
			hi = &w
		}
	}
	return lo, hi
}

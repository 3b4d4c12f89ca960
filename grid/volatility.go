package grid

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Regime volatility bucket used to size adaptive grids
type Regime string

const (
	RegimeNarrow   Regime = "narrow"
	RegimeStandard Regime = "standard"
	RegimeWide     Regime = "wide"
	RegimeVolatile Regime = "volatile"
)

// maxBandFraction caps the half-width of an adaptive band relative to price
const maxBandFraction = 0.9

// Returns computes simple period returns of a price series
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 {
			continue
		}
		out = append(out, (prices[i]-prices[i-1])/prices[i-1])
	}
	return out
}

// Volatility is the sample standard deviation of the last window returns
func Volatility(prices []float64, window int) float64 {
	rets := Returns(prices)
	if window > 0 && len(rets) > window {
		rets = rets[len(rets)-window:]
	}
	if len(rets) < 2 {
		return 0
	}
	return stat.StdDev(rets, nil)
}

// ClassifyRegime buckets a per-period volatility (as a fraction)
func ClassifyRegime(vol float64) Regime {
	pct := vol * 100
	switch {
	case pct < 1.0:
		return RegimeNarrow
	case pct <= 2.0:
		return RegimeStandard
	case pct <= 3.0:
		return RegimeWide
	default:
		return RegimeVolatile
	}
}

// gridCountMultiplier quiet markets get denser grids, volatile ones sparser
func gridCountMultiplier(r Regime) float64 {
	switch r {
	case RegimeNarrow:
		return 1.5
	case RegimeWide:
		return 0.8
	case RegimeVolatile:
		return 0.6
	default:
		return 1.0
	}
}

// DefaultBand is the fallback band when no history is available: ±0.3% per grid
func DefaultBand(currentPrice float64, gridCount int) (float64, float64) {
	half := math.Min(0.003*float64(gridCount), maxBandFraction)
	return currentPrice * (1 - half), currentPrice * (1 + half)
}

// adaptParams derives band and grid count from recent volatility
func adaptParams(p Params, currentPrice float64, history []float64) (Params, float64, Regime, error) {
	if currentPrice <= 0 && len(history) > 0 {
		currentPrice = history[len(history)-1]
	}

	window := p.VolatilityWindow
	vol := Volatility(history, window)
	if vol == 0 {
		if validateBand(p.LowerPrice, p.UpperPrice) == nil {
			return p, 0, RegimeStandard, nil
		}
		if currentPrice <= 0 {
			return p, 0, "", fmt.Errorf("%w: adaptive grid needs a price or history", ErrInvalidParams)
		}
		p.LowerPrice, p.UpperPrice = DefaultBand(currentPrice, p.GridCount)
		return p, 0, RegimeStandard, nil
	}
	if currentPrice <= 0 {
		return p, 0, "", fmt.Errorf("%w: adaptive grid needs a current price", ErrInvalidParams)
	}

	n := len(Returns(history))
	if window <= 0 || window > n {
		window = n
	}
	half := math.Min(p.VolatilityK*vol*math.Sqrt(float64(window)), maxBandFraction)
	p.LowerPrice = currentPrice * (1 - half)
	p.UpperPrice = currentPrice * (1 + half)

	regime := ClassifyRegime(vol)
	count := int(math.Round(float64(p.GridCount) * gridCountMultiplier(regime)))
	if count < MinGridCount {
		count = MinGridCount
	}
	if count > MaxGridCount {
		count = MaxGridCount
	}
	p.GridCount = count
	return p, vol, regime, nil
}

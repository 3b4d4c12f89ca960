package grid

import (
	"fmt"
	"math"
)

// Plan is a fully resolved grid: the effective band, its levels and the
// orders to place at start.
type Plan struct {
	Params     Params   `json:"params"`
	Spacing    float64  `json:"spacing"`
	Levels     []Level  `json:"levels"`
	Orders     []Order  `json:"orders"`
	Regime     Regime   `json:"regime,omitempty"`
	Volatility float64  `json:"volatility,omitempty"`
	// InitialBuyQuantity is the base position bought at the current price
	// so that sell orders above it are covered.
	InitialBuyQuantity float64 `json:"initial_buy_quantity"`
}

// Spacing returns the width of one step when [lower, upper] is split into n
func Spacing(lower, upper float64, n int) float64 {
	if n <= 0 {
		return 0
	}
	return (upper - lower) / float64(n)
}

// BuildPlan resolves params into levels and initial orders.
// history is only consulted by the adaptive strategy (closing prices, oldest first).
func BuildPlan(p Params, currentPrice float64, history []float64) (*Plan, error) {
	p = p.WithDefaults()
	if err := Validate(p); err != nil {
		return nil, err
	}

	plan := &Plan{}
	if p.Strategy == StrategyAdaptive {
		adapted, vol, regime, err := adaptParams(p, currentPrice, history)
		if err != nil {
			return nil, err
		}
		p = adapted
		plan.Volatility = vol
		plan.Regime = regime
		if err := validateBand(p.LowerPrice, p.UpperPrice); err != nil {
			return nil, err
		}
	}

	plan.Params = p
	plan.Spacing = Spacing(p.LowerPrice, p.UpperPrice, p.GridCount)
	plan.Levels = Levels(p)
	if err := checkLevels(plan.Levels); err != nil {
		return nil, err
	}
	plan.Orders = InitialOrders(plan.Levels, currentPrice)
	for _, o := range plan.Orders {
		if o.Side == SideSell {
			plan.InitialBuyQuantity += o.Quantity
		}
	}
	return plan, nil
}

// Levels splits the band into GridCount equal steps and places one level at
// the centre of each step. The static quantity is investment / (N × upper).
func Levels(p Params) []Level {
	p = p.WithDefaults()
	n := p.GridCount
	spacing := Spacing(p.LowerPrice, p.UpperPrice, n)
	spread := effectiveSpread(p.Spread, spacing, p.UpperPrice)
	weights := Weights(p.Strategy, n, p.MartingaleMultiplier)

	totalWeight := 0.0
	for _, w := range weights {
		totalWeight += w
	}

	levels := make([]Level, n)
	for i := 0; i < n; i++ {
		price := p.LowerPrice + (float64(i)+0.5)*spacing
		allocation := p.Investment * weights[i] / totalWeight
		levels[i] = Level{
			Index:      i,
			Price:      price,
			BuyPrice:   price * (1 - spread),
			SellPrice:  price * (1 + spread),
			Weight:     weights[i],
			Allocation: allocation,
			Quantity:   allocation / p.UpperPrice,
		}
	}
	return levels
}

// Weights returns per-level allocation weights, lowest level first.
// Martingale weights grow geometrically toward the bottom of the band; the
// bottom level weighs 1 and each level above it 1/multiplier of the one
// below, so large multipliers shrink the top weights instead of overflowing.
func Weights(strategy Strategy, n int, multiplier float64) []float64 {
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}
	if strategy != StrategyMartingale || multiplier <= 1 {
		return weights
	}
	for i := range weights {
		weights[i] = math.Pow(multiplier, -float64(i))
	}
	return weights
}

// checkLevels rejects plans whose levels are not increasing or whose sizes
// underflowed to zero
func checkLevels(levels []Level) error {
	for i, lv := range levels {
		for _, v := range []float64{lv.Price, lv.BuyPrice, lv.SellPrice, lv.Allocation, lv.Quantity} {
			if !isFinite(v) {
				return fmt.Errorf("%w: level %d is not a finite number", ErrInvalidParams, i)
			}
		}
		if lv.Quantity <= 0 {
			return fmt.Errorf("%w: level %d gets no quantity, lower the martingale multiplier", ErrInvalidParams, i)
		}
		if i > 0 && lv.Price <= levels[i-1].Price {
			return fmt.Errorf("%w: levels must increase", ErrInvalidParams)
		}
	}
	return nil
}

// effectiveSpread keeps buy/sell prices inside their own step
func effectiveSpread(spread, spacing, upper float64) float64 {
	if upper <= 0 {
		return 0
	}
	limit := spacing / (2 * upper)
	if spread >= limit {
		return limit / 2
	}
	return spread
}

// InitialOrders places a buy at every level at or below the current price and
// a sell above it. With no price every level starts as a buy.
func InitialOrders(levels []Level, currentPrice float64) []Order {
	orders := make([]Order, 0, len(levels))
	for _, lv := range levels {
		if currentPrice > 0 && lv.Price > currentPrice {
			orders = append(orders, Order{
				LevelIndex: lv.Index,
				Side:       SideSell,
				Price:      lv.SellPrice,
				Quantity:   lv.Quantity,
				PairPrice:  currentPrice,
			})
			continue
		}
		orders = append(orders, Order{
			LevelIndex: lv.Index,
			Side:       SideBuy,
			Price:      lv.BuyPrice,
			Quantity:   lv.Quantity,
		})
	}
	return orders
}

// Complementary returns the order that replaces a filled one: a sell one
// spacing above a buy fill, a buy one spacing below a sell fill. The price is
// clamped into [lower, upper].
func Complementary(p Params, filled Order, fillPrice float64) Order {
	spacing := Spacing(p.LowerPrice, p.UpperPrice, p.GridCount)
	next := Order{Quantity: filled.Quantity, PairPrice: fillPrice}

	switch filled.Side {
	case SideBuy:
		next.Side = SideSell
		next.Price = fillPrice + spacing
		next.LevelIndex = minInt(filled.LevelIndex+1, p.GridCount-1)
	default:
		next.Side = SideBuy
		next.Price = fillPrice - spacing
		next.LevelIndex = maxInt(filled.LevelIndex-1, 0)
	}
	next.Price = clamp(next.Price, p.LowerPrice, p.UpperPrice)
	return next
}

// Fills reports whether an order trades inside a bar's [low, high] range.
// For a single tick pass the same price twice.
func Fills(o Order, low, high float64) bool {
	if o.Side == SideBuy {
		return low <= o.Price
	}
	return high >= o.Price
}

// CycleProfit is the realised profit of a sell fill against the buy that produced it
func CycleProfit(sell Order, fillPrice float64) float64 {
	if sell.Side != SideSell || sell.PairPrice <= 0 {
		return 0
	}
	return (fillPrice - sell.PairPrice) * sell.Quantity
}

// Rebalance re-centres the band on the current price keeping its width.
// The lower bound never drops to zero.
func Rebalance(p Params, currentPrice float64) (Params, error) {
	if currentPrice <= 0 {
		return p, fmt.Errorf("%w: current price must be positive", ErrInvalidParams)
	}
	if err := validateBand(p.LowerPrice, p.UpperPrice); err != nil {
		return p, err
	}
	width := p.UpperPrice - p.LowerPrice
	lower := currentPrice - width/2
	if lower <= 0 {
		lower = currentPrice / 2
	}
	p.LowerPrice = lower
	p.UpperPrice = lower + width
	return p, nil
}

// InBand reports whether price lies within [lower, upper]
func InBand(p Params, price float64) bool {
	return price >= p.LowerPrice && price <= p.UpperPrice
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Package grid holds the grid-trading formulas: level generation for the
// static, volatility-adaptive and martingale variants, the initial order set
// and the complementary order emitted after a fill. It has no I/O; the
// manager and backtest packages drive it.
package grid

import (
	"errors"
	"fmt"
	"math"
)

// Strategy grid variant
type Strategy string

const (
	StrategyStatic     Strategy = "static"
	StrategyAdaptive   Strategy = "adaptive"
	StrategyMartingale Strategy = "martingale"
)

// Side order side
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

const (
	DefaultSpread               = 0.001 // 0.1% either side of a level
	DefaultMartingaleMultiplier = 1.5
	DefaultVolatilityWindow     = 20
	DefaultVolatilityK          = 2.0

	MinGridCount = 2
	MaxGridCount = 200
)

var ErrInvalidParams = errors.New("invalid grid parameters")

// Params grid definition as entered by the user
type Params struct {
	Strategy   Strategy `json:"strategy"`
	LowerPrice float64  `json:"lower_price"`
	UpperPrice float64  `json:"upper_price"`
	GridCount  int      `json:"grid_count"`
	Investment float64  `json:"investment_amount"`

	Spread               float64 `json:"spread_pct,omitempty"`
	MartingaleMultiplier float64 `json:"martingale_multiplier,omitempty"`
	VolatilityWindow     int     `json:"volatility_window,omitempty"`
	VolatilityK          float64 `json:"volatility_k,omitempty"`
}

// Level one price level of a grid
type Level struct {
	Index      int     `json:"index"`
	Price      float64 `json:"price"`
	BuyPrice   float64 `json:"buy_price"`
	SellPrice  float64 `json:"sell_price"`
	Weight     float64 `json:"weight"`
	Allocation float64 `json:"allocation"` // quote currency assigned to this level
	Quantity   float64 `json:"quantity"`
}

// Order a limit order derived from a level or from a fill.
// PairPrice is the fill price of the opposite leg that produced this order
// (zero for a buy placed at grid start).
type Order struct {
	LevelIndex int     `json:"level_index"`
	Side       Side    `json:"side"`
	Price      float64 `json:"price"`
	Quantity   float64 `json:"quantity"`
	PairPrice  float64 `json:"pair_price,omitempty"`
}

// Notional returns price × quantity
func (o Order) Notional() float64 {
	return o.Price * o.Quantity
}

// WithDefaults fills optional knobs
func (p Params) WithDefaults() Params {
	if p.Strategy == "" {
		p.Strategy = StrategyStatic
	}
	if p.Spread == 0 {
		p.Spread = DefaultSpread
	}
	if p.MartingaleMultiplier == 0 {
		p.MartingaleMultiplier = DefaultMartingaleMultiplier
	}
	if p.VolatilityWindow == 0 {
		p.VolatilityWindow = DefaultVolatilityWindow
	}
	if p.VolatilityK == 0 {
		p.VolatilityK = DefaultVolatilityK
	}
	return p
}

// Validate checks the user-supplied definition.
// Adaptive grids may leave the band empty; it is derived from price history.
func Validate(p Params) error {
	switch p.Strategy {
	case StrategyStatic, StrategyAdaptive, StrategyMartingale, "":
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidParams, p.Strategy)
	}
	for name, v := range map[string]float64{
		"lower_price":           p.LowerPrice,
		"upper_price":           p.UpperPrice,
		"investment_amount":     p.Investment,
		"spread_pct":            p.Spread,
		"martingale_multiplier": p.MartingaleMultiplier,
		"volatility_k":          p.VolatilityK,
	} {
		if !isFinite(v) {
			return fmt.Errorf("%w: %s must be a finite number", ErrInvalidParams, name)
		}
	}
	if p.GridCount < MinGridCount || p.GridCount > MaxGridCount {
		return fmt.Errorf("%w: grid_count must be between %d and %d", ErrInvalidParams, MinGridCount, MaxGridCount)
	}
	if p.Investment <= 0 {
		return fmt.Errorf("%w: investment must be positive", ErrInvalidParams)
	}
	if p.Spread < 0 || p.Spread >= 0.5 {
		return fmt.Errorf("%w: spread must be in [0, 0.5)", ErrInvalidParams)
	}
	if p.Strategy == StrategyMartingale && p.MartingaleMultiplier != 0 && p.MartingaleMultiplier < 1 {
		return fmt.Errorf("%w: martingale multiplier must be >= 1", ErrInvalidParams)
	}
	if p.VolatilityK < 0 {
		return fmt.Errorf("%w: volatility_k must be positive", ErrInvalidParams)
	}
	if p.VolatilityWindow != 0 && p.VolatilityWindow < 2 {
		return fmt.Errorf("%w: volatility_window must be at least 2", ErrInvalidParams)
	}
	if p.Strategy == StrategyAdaptive && p.LowerPrice == 0 && p.UpperPrice == 0 {
		return nil
	}
	return validateBand(p.LowerPrice, p.UpperPrice)
}

func validateBand(lower, upper float64) error {
	if lower <= 0 {
		return fmt.Errorf("%w: lower price must be positive", ErrInvalidParams)
	}
	if upper <= lower {
		return fmt.Errorf("%w: upper price must be above lower price", ErrInvalidParams)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

package backtest

import (
	"errors"
	"fmt"

	"gridtrader/grid"
)

const qtyEpsilon = 1e-12

var ErrNotEnoughData = errors.New("not enough price data")

// Run simulates a grid over bars. Orders fill at their limit price when a
// bar's range reaches them; orders created by a fill become eligible from
// the next bar on.
func Run(cfg Config, bars []Bar) (*Result, error) {
	if len(bars) < 2 {
		return nil, ErrNotEnoughData
	}

	params := cfg.Params.WithDefaults()
	start := 0
	var history []float64
	if params.Strategy == grid.StrategyAdaptive {
		// warm-up bars feed the volatility estimate
		warmup := params.VolatilityWindow + 1
		if len(bars) > warmup+1 {
			history = Closes(bars[:warmup])
			start = warmup - 1
		}
	}

	startPrice := bars[start].Close
	plan, err := grid.BuildPlan(params, startPrice, history)
	if err != nil {
		return nil, fmt.Errorf("build grid: %w", err)
	}
	cfg.Params = plan.Params

	sim := &simulation{
		params:  plan.Params,
		feeRate: cfg.FeeRate,
		cash:    plan.Params.Investment,
		pending: append([]grid.Order(nil), plan.Orders...),
	}
	if plan.InitialBuyQuantity > 0 {
		sim.buy(bars[start], grid.Order{Side: grid.SideBuy, LevelIndex: -1, Price: startPrice, Quantity: plan.InitialBuyQuantity})
	}
	sim.mark(bars[start])

	for _, bar := range bars[start+1:] {
		sim.step(bar)
		sim.mark(bar)
	}

	result := &Result{
		Config: cfg,
		Plan:   plan,
		Trades: sim.trades,
		Equity: sim.equity,
	}
	result.Metrics = CalculateMetrics(plan.Params.Investment, sim.equity, sim.trades)
	result.Metrics.CompletedCycles = sim.cycles
	last := bars[len(bars)-1].Close
	if startPrice > 0 {
		result.Metrics.BuyHoldReturnPct = (last - startPrice) / startPrice * 100
	}
	return result, nil
}

type simulation struct {
	params  grid.Params
	feeRate float64

	cash     float64
	position float64
	cycles   int
	pending  []grid.Order
	trades   []Trade
	equity   []EquityPoint
}

func (s *simulation) step(bar Bar) {
	var next []grid.Order
	var spawned []grid.Order
	for _, o := range s.pending {
		if !grid.Fills(o, bar.Low, bar.High) {
			next = append(next, o)
			continue
		}
		var ok bool
		if o.Side == grid.SideBuy {
			ok = s.buy(bar, o)
		} else {
			ok = s.sell(bar, o)
		}
		if !ok {
			next = append(next, o)
			continue
		}
		spawned = append(spawned, grid.Complementary(s.params, o, o.Price))
	}
	s.pending = append(next, spawned...)
}

func (s *simulation) buy(bar Bar, o grid.Order) bool {
	cost := o.Price * o.Quantity
	fee := cost * s.feeRate
	if cost+fee > s.cash+qtyEpsilon {
		return false
	}
	s.cash -= cost + fee
	s.position += o.Quantity
	s.trades = append(s.trades, Trade{
		Time:       bar.Time,
		Side:       grid.SideBuy,
		LevelIndex: o.LevelIndex,
		Price:      o.Price,
		Quantity:   o.Quantity,
		Fee:        fee,
	})
	return true
}

func (s *simulation) sell(bar Bar, o grid.Order) bool {
	if o.Quantity > s.position+qtyEpsilon {
		return false
	}
	proceeds := o.Price * o.Quantity
	fee := proceeds * s.feeRate
	s.cash += proceeds - fee
	s.position -= o.Quantity
	if s.position < 0 {
		s.position = 0
	}
	pnl := grid.CycleProfit(o, o.Price) - fee
	if o.PairPrice > 0 {
		s.cycles++
	}
	s.trades = append(s.trades, Trade{
		Time:        bar.Time,
		Side:        grid.SideSell,
		LevelIndex:  o.LevelIndex,
		Price:       o.Price,
		Quantity:    o.Quantity,
		Fee:         fee,
		RealizedPnL: pnl,
	})
	return true
}

func (s *simulation) mark(bar Bar) {
	s.equity = append(s.equity, EquityPoint{
		Time:     bar.Time,
		Price:    bar.Close,
		Cash:     s.cash,
		Position: s.position,
		Equity:   s.cash + s.position*bar.Close,
	})
}

package grid

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseParams(strategy Strategy) Params {
	return Params{
		Strategy:   strategy,
		LowerPrice: 100,
		UpperPrice: 200,
		GridCount:  10,
		Investment: 1000,
	}
}

func TestGridInvariants(t *testing.T) {
	history := oscillating(60, 100, 0.02)
	withBand := func(strategy Strategy, lower, upper float64, n int) Params {
		return Params{Strategy: strategy, LowerPrice: lower, UpperPrice: upper, GridCount: n, Investment: 1000}
	}
	martingale := func(n int, m float64) Params {
		p := withBand(StrategyMartingale, 100, 200, n)
		p.MartingaleMultiplier = m
		return p
	}

	tests := []struct {
		name    string
		params  Params
		price   float64
		history []float64
	}{
		{"static two levels", withBand(StrategyStatic, 100, 200, 2), 150, nil},
		{"static three levels", withBand(StrategyStatic, 100, 200, 3), 150, nil},
		{"static max levels", withBand(StrategyStatic, 100, 200, MaxGridCount), 150, nil},
		{"static narrow band", withBand(StrategyStatic, 100, 100.05, 10), 100.02, nil},
		{"static wide band", withBand(StrategyStatic, 0.01, 100000, 50), 500, nil},
		{"price below band", withBand(StrategyStatic, 100, 200, 10), 50, nil},
		{"price above band", withBand(StrategyStatic, 100, 200, 10), 250, nil},
		{"price at lower edge", withBand(StrategyStatic, 100, 200, 10), 100, nil},
		{"price at upper edge", withBand(StrategyStatic, 100, 200, 10), 200, nil},
		{"no price", withBand(StrategyStatic, 100, 200, 10), 0, nil},
		{"negative price", withBand(StrategyStatic, 100, 200, 10), -5, nil},
		{"martingale flat multiplier", martingale(10, 1), 150, nil},
		{"martingale default", martingale(10, 0), 150, nil},
		{"martingale two levels steep", martingale(2, 40), 150, nil},
		{"martingale max levels steep", martingale(MaxGridCount, 40), 150, nil},
		{"martingale max levels below band", martingale(MaxGridCount, 40), 90, nil},
		{"adaptive from history", withBand(StrategyAdaptive, 0, 0, 10), 100, history},
		{"adaptive max levels", withBand(StrategyAdaptive, 0, 0, MaxGridCount), 100, history},
		{"adaptive two levels", withBand(StrategyAdaptive, 0, 0, 2), 100, history},
		{"adaptive price from history", withBand(StrategyAdaptive, 0, 0, 10), 0, history},
		{"adaptive without history", withBand(StrategyAdaptive, 0, 0, 10), 100, nil},
		{"adaptive keeps band on flat history", withBand(StrategyAdaptive, 90, 110, 10), 100, []float64{100, 100, 100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := BuildPlan(tt.params, tt.price, tt.history)
			require.NoError(t, err)
			p := plan.Params
			require.Len(t, plan.Levels, p.GridCount)
			require.Len(t, plan.Orders, p.GridCount)
			assert.Greater(t, plan.Spacing, 0.0)

			sum := 0.0
			for i, lv := range plan.Levels {
				if i > 0 {
					assert.Greater(t, lv.Price, plan.Levels[i-1].Price, "levels must increase")
				}
				assert.Less(t, lv.BuyPrice, lv.Price)
				assert.Greater(t, lv.SellPrice, lv.Price)
				assert.GreaterOrEqual(t, lv.BuyPrice, p.LowerPrice)
				assert.LessOrEqual(t, lv.SellPrice, p.UpperPrice)
				assert.Greater(t, lv.Quantity, 0.0)
				assert.False(t, math.IsNaN(lv.Allocation) || math.IsInf(lv.Allocation, 0))
				sum += lv.Allocation
			}
			assert.InDelta(t, p.Investment, sum, 1e-9*p.Investment)

			sold := 0.0
			for _, o := range plan.Orders {
				lv := plan.Levels[o.LevelIndex]
				if o.Side == SideSell {
					assert.Greater(t, tt.price, 0.0)
					assert.Greater(t, lv.Price, tt.price)
					sold += o.Quantity
				}
			}
			assert.InDelta(t, sold, plan.InitialBuyQuantity, 1e-12)

			for _, lv := range plan.Levels {
				for _, side := range []Side{SideBuy, SideSell} {
					price := lv.BuyPrice
					if side == SideSell {
						price = lv.SellPrice
					}
					next := Complementary(p, Order{LevelIndex: lv.Index, Side: side, Price: price, Quantity: lv.Quantity}, price)
					assert.GreaterOrEqual(t, next.Price, p.LowerPrice)
					assert.LessOrEqual(t, next.Price, p.UpperPrice)
					assert.NotEqual(t, side, next.Side)
					assert.GreaterOrEqual(t, next.LevelIndex, 0)
					assert.Less(t, next.LevelIndex, p.GridCount)
					assert.Equal(t, lv.Quantity, next.Quantity)
				}
			}
		})
	}
}

func TestBuildPlanRejectsDegenerateParams(t *testing.T) {
	history := oscillating(60, 100, 0.02)
	tests := []struct {
		name    string
		mutate  func(p *Params)
		history []float64
	}{
		{"negative volatility k", func(p *Params) { p.Strategy = StrategyAdaptive; p.VolatilityK = -2 }, history},
		{"negative volatility window", func(p *Params) { p.Strategy = StrategyAdaptive; p.VolatilityWindow = -5 }, history},
		{"single return window", func(p *Params) { p.Strategy = StrategyAdaptive; p.VolatilityWindow = 1 }, history},
		{"multiplier underflows top levels", func(p *Params) {
			p.Strategy = StrategyMartingale
			p.GridCount = MaxGridCount
			p.MartingaleMultiplier = 1e6
		}, nil},
		{"infinite multiplier", func(p *Params) { p.Strategy = StrategyMartingale; p.MartingaleMultiplier = math.Inf(1) }, nil},
		{"nan investment", func(p *Params) { p.Investment = math.NaN() }, nil},
		{"infinite upper", func(p *Params) { p.UpperPrice = math.Inf(1) }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := baseParams(StrategyStatic)
			tt.mutate(&p)
			_, err := BuildPlan(p, 150, tt.history)
			assert.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestSteepMartingaleStaysFinite(t *testing.T) {
	p := baseParams(StrategyMartingale)
	p.GridCount = MaxGridCount
	p.MartingaleMultiplier = 40

	plan, err := BuildPlan(p, 150, nil)
	require.NoError(t, err)
	sum := 0.0
	for i, lv := range plan.Levels {
		sum += lv.Allocation
		if i > 0 {
			assert.Less(t, lv.Allocation, plan.Levels[i-1].Allocation)
		}
	}
	assert.InDelta(t, 1000, sum, 1e-6)
	// the bottom level carries 1 - 1/m of the investment
	assert.InDelta(t, 1000*(1-1.0/40), plan.Levels[0].Allocation, 1e-6)
}

func TestStaticQuantityFormula(t *testing.T) {
	levels := Levels(baseParams(StrategyStatic))
	for _, lv := range levels {
		// investment / (N × upper)
		assert.InDelta(t, 1000.0/(10*200), lv.Quantity, 1e-12)
		assert.InDelta(t, 100.0, lv.Allocation, 1e-9)
	}
	assert.InDelta(t, 105.0, levels[0].Price, 1e-9)
	assert.InDelta(t, 195.0, levels[9].Price, 1e-9)
}

func TestInitialOrdersSplitAroundPrice(t *testing.T) {
	plan, err := BuildPlan(baseParams(StrategyStatic), 150, nil)
	require.NoError(t, err)

	buys, sells := 0, 0
	for _, o := range plan.Orders {
		lv := plan.Levels[o.LevelIndex]
		if o.Side == SideBuy {
			buys++
			assert.LessOrEqual(t, lv.Price, 150.0)
			assert.Zero(t, o.PairPrice)
		} else {
			sells++
			assert.Greater(t, lv.Price, 150.0)
			assert.Equal(t, 150.0, o.PairPrice)
		}
	}
	assert.Equal(t, 5, buys)
	assert.Equal(t, 5, sells)
	assert.InDelta(t, 2.5, plan.InitialBuyQuantity, 1e-9)

	plan, err = BuildPlan(baseParams(StrategyStatic), 0, nil)
	require.NoError(t, err)
	for _, o := range plan.Orders {
		assert.Equal(t, SideBuy, o.Side)
	}
	assert.Zero(t, plan.InitialBuyQuantity)
}

func TestComplementaryOrder(t *testing.T) {
	p := baseParams(StrategyStatic)

	buy := Order{LevelIndex: 3, Side: SideBuy, Price: 134.8, Quantity: 0.5}
	sell := Complementary(p, buy, 134.8)
	assert.Equal(t, SideSell, sell.Side)
	assert.InDelta(t, 144.8, sell.Price, 1e-9)
	assert.Equal(t, 4, sell.LevelIndex)
	assert.Equal(t, 0.5, sell.Quantity)
	assert.Equal(t, 134.8, sell.PairPrice)

	// clamped at the top of the band
	top := Complementary(p, Order{LevelIndex: 9, Side: SideBuy, Price: 194.8, Quantity: 0.5}, 194.8)
	assert.Equal(t, 200.0, top.Price)
	assert.Equal(t, 9, top.LevelIndex)

	// clamped at the bottom
	bottom := Complementary(p, Order{LevelIndex: 0, Side: SideSell, Price: 105.1, Quantity: 0.5}, 105.1)
	assert.Equal(t, SideBuy, bottom.Side)
	assert.Equal(t, 100.0, bottom.Price)
	assert.Equal(t, 0, bottom.LevelIndex)
}

func TestMartingaleWeightsGrowDownward(t *testing.T) {
	levels := Levels(baseParams(StrategyMartingale))
	for i := 1; i < len(levels); i++ {
		assert.Greater(t, levels[i-1].Allocation, levels[i].Allocation)
		assert.InDelta(t, DefaultMartingaleMultiplier, levels[i-1].Weight/levels[i].Weight, 1e-9)
	}

	w := Weights(StrategyMartingale, 4, 1)
	assert.Equal(t, []float64{1, 1, 1, 1}, w)
}

func TestSpreadIsCappedInsideStep(t *testing.T) {
	p := baseParams(StrategyStatic)
	p.Spread = 0.2
	for _, lv := range Levels(p) {
		assert.Greater(t, lv.BuyPrice, lv.Price-5)
		assert.Less(t, lv.SellPrice, lv.Price+5)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Params)
		wantErr bool
	}{
		{"valid", func(p *Params) {}, false},
		{"zero lower", func(p *Params) { p.LowerPrice = 0 }, true},
		{"upper below lower", func(p *Params) { p.UpperPrice = 90 }, true},
		{"one grid", func(p *Params) { p.GridCount = 1 }, true},
		{"too many grids", func(p *Params) { p.GridCount = MaxGridCount + 1 }, true},
		{"no investment", func(p *Params) { p.Investment = 0 }, true},
		{"unknown strategy", func(p *Params) { p.Strategy = "fibonacci" }, true},
		{"negative spread", func(p *Params) { p.Spread = -0.01 }, true},
		{"martingale below one", func(p *Params) { p.Strategy = StrategyMartingale; p.MartingaleMultiplier = 0.5 }, true},
		{"negative volatility k", func(p *Params) { p.VolatilityK = -1 }, true},
		{"volatility window of one", func(p *Params) { p.VolatilityWindow = 1 }, true},
		{"nan lower", func(p *Params) { p.LowerPrice = math.NaN() }, true},
		{"adaptive without band", func(p *Params) { p.Strategy = StrategyAdaptive; p.LowerPrice = 0; p.UpperPrice = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := baseParams(StrategyStatic)
			tt.mutate(&p)
			err := Validate(p)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidParams), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRebalance(t *testing.T) {
	p := baseParams(StrategyStatic)

	up, err := Rebalance(p, 300)
	require.NoError(t, err)
	assert.Equal(t, 250.0, up.LowerPrice)
	assert.Equal(t, 350.0, up.UpperPrice)
	assert.True(t, InBand(up, 300))

	down, err := Rebalance(p, 20)
	require.NoError(t, err)
	assert.Equal(t, 10.0, down.LowerPrice)
	assert.Equal(t, 110.0, down.UpperPrice)

	_, err = Rebalance(p, 0)
	assert.Error(t, err)
}

func TestFillsAndCycleProfit(t *testing.T) {
	buy := Order{Side: SideBuy, Price: 99, Quantity: 2}
	assert.True(t, Fills(buy, 98, 101))
	assert.True(t, Fills(buy, 99, 99))
	assert.False(t, Fills(buy, 100, 100))

	sell := Order{Side: SideSell, Price: 110, Quantity: 2, PairPrice: 100}
	assert.True(t, Fills(sell, 105, 111))
	assert.False(t, Fills(sell, 105, 109))

	assert.InDelta(t, 20.0, CycleProfit(sell, 110), 1e-9)
	assert.Zero(t, CycleProfit(buy, 99))
	assert.Zero(t, CycleProfit(Order{Side: SideSell, Price: 110, Quantity: 1}, 110))
	assert.False(t, math.IsNaN(CycleProfit(sell, 0)))
}

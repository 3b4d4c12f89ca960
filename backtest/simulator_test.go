package backtest

import (
	"math"
	"testing"
	"time"

	"gridtrader/grid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func swingCloses(n int) []float64 {
	closes := make([]float64, n)
	closes[0] = 150
	for i := 1; i < n; i++ {
		if i%2 == 1 {
			closes[i] = 120
		} else {
			closes[i] = 180
		}
	}
	return closes
}

func staticConfig() Config {
	return Config{
		Symbol: "TEST",
		Params: grid.Params{
			Strategy:   grid.StrategyStatic,
			LowerPrice: 100,
			UpperPrice: 200,
			GridCount:  10,
			Investment: 1000,
		},
	}
}

func TestRunOscillatingMarketCompletesCycles(t *testing.T) {
	bars := BarsFromCloses(swingCloses(30), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	res, err := Run(staticConfig(), bars)
	require.NoError(t, err)
	require.Len(t, res.Equity, len(bars))

	assert.Greater(t, res.Metrics.CompletedCycles, 0)
	assert.Greater(t, res.Metrics.RealizedProfit, 0.0)
	assert.Greater(t, res.Metrics.Trades, 0)
	assert.Equal(t, 100.0, res.Metrics.WinRate)

	for _, pt := range res.Equity {
		assert.GreaterOrEqual(t, pt.Cash, -1e-9)
		assert.GreaterOrEqual(t, pt.Position, 0.0)
		assert.False(t, math.IsNaN(pt.Equity))
	}
	for _, tr := range res.Trades {
		assert.GreaterOrEqual(t, tr.Price, 100.0)
		assert.LessOrEqual(t, tr.Price, 200.0)
	}
}

func TestRunFeesReduceProfit(t *testing.T) {
	bars := BarsFromCloses(swingCloses(30), time.Now())

	free, err := Run(staticConfig(), bars)
	require.NoError(t, err)

	cfg := staticConfig()
	cfg.FeeRate = 0.001
	paid, err := Run(cfg, bars)
	require.NoError(t, err)

	assert.Greater(t, paid.Metrics.TotalFees, 0.0)
	assert.Less(t, paid.Metrics.FinalEquity, free.Metrics.FinalEquity)
}

func TestRunAdaptiveUsesWarmup(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 * (1 + 0.03*math.Sin(float64(i)))
	}
	cfg := Config{Params: grid.Params{Strategy: grid.StrategyAdaptive, GridCount: 10, Investment: 1000}}

	res, err := Run(cfg, BarsFromCloses(closes, time.Now()))
	require.NoError(t, err)
	assert.Greater(t, res.Plan.Volatility, 0.0)
	assert.Greater(t, res.Plan.Params.LowerPrice, 0.0)
	assert.Len(t, res.Equity, len(closes)-grid.DefaultVolatilityWindow)
}

func TestRunRejectsShortSeries(t *testing.T) {
	_, err := Run(staticConfig(), BarsFromCloses([]float64{100}, time.Now()))
	assert.ErrorIs(t, err, ErrNotEnoughData)

	cfg := staticConfig()
	cfg.Params.GridCount = 1
	_, err = Run(cfg, BarsFromCloses([]float64{100, 101}, time.Now()))
	assert.ErrorIs(t, err, grid.ErrInvalidParams)
}

package backtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaxDrawdown(t *testing.T) {
	tests := []struct {
		name     string
		equity   []float64
		expected float64
	}{
		{"empty", nil, 0},
		{"monotonic up", []float64{100, 110, 120}, 0},
		{"single dip", []float64{100, 120, 90, 130}, 25},
		{"two dips keeps largest", []float64{100, 80, 100, 95}, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, MaxDrawdown(tt.equity), 1e-9)
		})
	}
}

func TestSharpeRatio(t *testing.T) {
	assert.Zero(t, SharpeRatio([]float64{100, 101, 102}), "too few points")

	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 100
	}
	assert.Zero(t, SharpeRatio(flat), "zero variance")

	rising := make([]float64, 30)
	falling := make([]float64, 30)
	for i := range rising {
		step := 1.0
		if i%3 == 0 {
			step = -0.5
		}
		if i == 0 {
			rising[i], falling[i] = 100, 100
			continue
		}
		rising[i] = rising[i-1] + step
		falling[i] = falling[i-1] - step
	}
	assert.Greater(t, SharpeRatio(rising), 0.0)
	assert.Less(t, SharpeRatio(falling), 0.0)
}

func TestFillTradeMetrics(t *testing.T) {
	m := Metrics{}
	fillTradeMetrics(&m, []Trade{
		{Side: "buy", Fee: 1},
		{Side: "sell", RealizedPnL: 10, Fee: 1},
		{Side: "sell", RealizedPnL: 30, Fee: 1},
		{Side: "sell", RealizedPnL: -20, Fee: 1},
	})
	assert.Equal(t, 4, m.Trades)
	assert.InDelta(t, 66.666, m.WinRate, 0.01)
	assert.InDelta(t, 20.0, m.AvgWin, 1e-9)
	assert.InDelta(t, -20.0, m.AvgLoss, 1e-9)
	assert.InDelta(t, 2.0, m.ProfitFactor, 1e-9)
	assert.InDelta(t, 20.0, m.RealizedProfit, 1e-9)
	assert.InDelta(t, 4.0, m.TotalFees, 1e-9)

	capped := Metrics{}
	fillTradeMetrics(&capped, []Trade{{Side: "sell", RealizedPnL: 5}})
	assert.Equal(t, 100.0, capped.ProfitFactor)
}

func TestCalculateMetricsReturn(t *testing.T) {
	points := []EquityPoint{{Equity: 1000}, {Equity: 900}, {Equity: 1100}}
	m := CalculateMetrics(1000, points, nil)
	assert.InDelta(t, 10.0, m.TotalReturnPct, 1e-9)
	assert.InDelta(t, 10.0, m.MaxDrawdownPct, 1e-9)
	assert.Equal(t, 1100.0, m.FinalEquity)
}

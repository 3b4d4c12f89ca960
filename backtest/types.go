package backtest

import (
	"time"

	"gridtrader/grid"
)

// Bar one OHLC period
type Bar struct {
	Time  time.Time `json:"time"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// Config backtest run settings
type Config struct {
	Symbol  string      `json:"symbol"`
	Params  grid.Params `json:"params"`
	FeeRate float64     `json:"fee_rate"` // fraction of notional per fill
}

// Trade a simulated fill
type Trade struct {
	Time        time.Time `json:"time"`
	Side        grid.Side `json:"side"`
	LevelIndex  int       `json:"level_index"`
	Price       float64   `json:"price"`
	Quantity    float64   `json:"quantity"`
	Fee         float64   `json:"fee"`
	RealizedPnL float64   `json:"realized_pnl"`
}

// EquityPoint account value after a bar
type EquityPoint struct {
	Time     time.Time `json:"time"`
	Price    float64   `json:"price"`
	Cash     float64   `json:"cash"`
	Position float64   `json:"position"`
	Equity   float64   `json:"equity"`
}

// Metrics summary statistics of a run
type Metrics struct {
	TotalReturnPct   float64 `json:"total_return_pct"`
	BuyHoldReturnPct float64 `json:"buy_hold_return_pct"`
	MaxDrawdownPct   float64 `json:"max_drawdown_pct"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
	WinRate          float64 `json:"win_rate"`
	ProfitFactor     float64 `json:"profit_factor"`
	AvgWin           float64 `json:"avg_win"`
	AvgLoss          float64 `json:"avg_loss"`
	Trades           int     `json:"trades"`
	CompletedCycles  int     `json:"completed_cycles"`
	RealizedProfit   float64 `json:"realized_profit"`
	TotalFees        float64 `json:"total_fees"`
	FinalEquity      float64 `json:"final_equity"`
}

// Result everything a run produces
type Result struct {
	Config  Config        `json:"config"`
	Plan    *grid.Plan    `json:"plan"`
	Metrics Metrics       `json:"metrics"`
	Trades  []Trade       `json:"trades"`
	Equity  []EquityPoint `json:"equity"`
}

// BarsFromCloses turns a close-only series into flat daily bars
func BarsFromCloses(closes []float64, start time.Time) []Bar {
	bars := make([]Bar, len(closes))
	for i, c := range closes {
		bars[i] = Bar{
			Time:  start.AddDate(0, 0, i),
			Open:  c,
			High:  c,
			Low:   c,
			Close: c,
		}
	}
	return bars
}

// Closes extracts close prices
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

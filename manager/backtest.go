package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gridtrader/backtest"
	"gridtrader/grid"
	"gridtrader/logger"
	"gridtrader/market"
	"gridtrader/store"
)

// BacktestManager runs grid backtests on supplied prices or provider history
// and keeps a record of each run
type BacktestManager struct {
	store  *store.Store
	prices PriceSource
}

// NewBacktestManager creates a backtest manager; st may be nil to skip persistence
func NewBacktestManager(st *store.Store, prices PriceSource) *BacktestManager {
	return &BacktestManager{store: st, prices: prices}
}

// BacktestInput backtest request. Prices, when given, are close prices
// oldest first; otherwise Days of daily history are fetched for Symbol.
type BacktestInput struct {
	Symbol  string    `json:"symbol"`
	Days    int       `json:"days"`
	Prices  []float64 `json:"prices"`
	FeeRate float64   `json:"fee_rate"`
	grid.Params
}

const maxBacktestDays = 1000

// Run simulates the grid and stores a summary for userID
func (m *BacktestManager) Run(ctx context.Context, userID string, in BacktestInput) (*backtest.Result, error) {
	symbol := strings.ToUpper(strings.TrimSpace(in.Symbol))
	if in.FeeRate < 0 || in.FeeRate >= 0.1 {
		return nil, invalid("fee_rate must be in [0, 0.1)")
	}

	bars, err := m.bars(ctx, symbol, in)
	if err != nil {
		return nil, err
	}

	cfg := backtest.Config{Symbol: symbol, Params: in.Params, FeeRate: in.FeeRate}
	result, runErr := backtest.Run(cfg, bars)
	if runErr != nil {
		if errors.Is(runErr, backtest.ErrNotEnoughData) {
			runErr = fmt.Errorf("%w: %v", ErrInvalidInput, runErr)
		} else {
			runErr = translate(runErr)
		}
	}
	m.save(userID, symbol, in, len(bars), result, runErr)
	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

func (m *BacktestManager) bars(ctx context.Context, symbol string, in BacktestInput) ([]backtest.Bar, error) {
	if len(in.Prices) > 0 {
		for _, p := range in.Prices {
			if p <= 0 {
				return nil, invalid("prices must be positive")
			}
		}
		start := time.Now().UTC().AddDate(0, 0, -len(in.Prices))
		return backtest.BarsFromCloses(in.Prices, start), nil
	}

	if symbol == "" {
		return nil, invalid("symbol or prices is required")
	}
	days := in.Days
	if days <= 0 {
		days = 180
	}
	if days > maxBacktestDays {
		days = maxBacktestDays
	}
	end := time.Now().UTC()
	candles, err := m.prices.History(ctx, symbol, end.AddDate(0, 0, -days), end)
	if err != nil {
		return nil, translate(fmt.Errorf("history %s: %w", symbol, err))
	}
	return BarsFromCandles(candles), nil
}

// BarsFromCandles converts provider candles to backtest bars
func BarsFromCandles(candles []market.Candle) []backtest.Bar {
	bars := make([]backtest.Bar, 0, len(candles))
	for _, c := range candles {
		if c.Close <= 0 {
			continue
		}
		bar := backtest.Bar{Time: c.Time, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close}
		if bar.High <= 0 {
			bar.High = c.Close
		}
		if bar.Low <= 0 {
			bar.Low = c.Close
		}
		bars = append(bars, bar)
	}
	return bars
}

func (m *BacktestManager) save(userID, symbol string, in BacktestInput, bars int, result *backtest.Result, runErr error) {
	if m.store == nil || userID == "" {
		return
	}
	run := &store.BacktestRun{
		UserID:   userID,
		Symbol:   symbol,
		Strategy: string(in.Params.WithDefaults().Strategy),
		Bars:     bars,
		State:    store.RunStateCompleted,
	}
	if cfg, err := json.Marshal(in.Params); err == nil {
		run.ConfigJSON = string(cfg)
	}
	if runErr != nil {
		run.State = store.RunStateFailed
		run.LastError = runErr.Error()
	} else {
		run.TotalReturnPct = result.Metrics.TotalReturnPct
		run.MaxDrawdownPct = result.Metrics.MaxDrawdownPct
		run.SharpeRatio = result.Metrics.SharpeRatio
		if b, err := json.Marshal(result.Metrics); err == nil {
			run.MetricsJSON = string(b)
		}
	}
	if err := m.store.Backtest().Save(run); err != nil {
		logger.Warnf("failed to save backtest run: %v", err)
	}
}

// List returns the user's recent runs
func (m *BacktestManager) List(userID string, limit int) ([]store.BacktestRun, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.Backtest().List(userID, limit)
}

// Package manager holds the portfolio, grid, alert and backtest use cases.
// Handlers and scheduler tasks call into it; it owns the DB transactions
// that keep cash and positions consistent.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gridtrader/grid"
	"gridtrader/market"
	"gridtrader/store"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidInput      = errors.New("invalid input")
)

// PriceSource quotes and daily history; satisfied by *market.Service
type PriceSource interface {
	Quote(ctx context.Context, symbol string) (*market.Quote, error)
	History(ctx context.Context, symbol string, start, end time.Time) ([]market.Candle, error)
}

// translate maps lower-layer sentinels onto the manager's
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, grid.ErrInvalidParams):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	case errors.Is(err, market.ErrSymbolNotFound), errors.Is(err, market.ErrNoData):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return err
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// currentPrice fetches a positive quote price
func currentPrice(ctx context.Context, prices PriceSource, symbol string) (float64, error) {
	q, err := prices.Quote(ctx, symbol)
	if err != nil {
		return 0, translate(fmt.Errorf("quote %s: %w", symbol, err))
	}
	if q.Price <= 0 {
		return 0, invalid("no price for %s", symbol)
	}
	return q.Price, nil
}

// recentCloses returns about `bars` daily closes ending now
func recentCloses(ctx context.Context, prices PriceSource, symbol string, bars int) ([]float64, error) {
	end := time.Now().UTC()
	// weekends and holidays: ask for more calendar days than bars
	start := end.AddDate(0, 0, -(bars*3/2 + 10))
	candles, err := prices.History(ctx, symbol, start, end)
	if err != nil {
		return nil, translate(fmt.Errorf("history %s: %w", symbol, err))
	}
	return market.Closes(candles), nil
}

// Package market wraps the external quote providers (Yahoo Finance, Binance
// spot, Longport) behind one Provider interface, with symbol routing, a
// quote cache and a rate-limited retrying client.
package market

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrNoData         = errors.New("no market data")
)

// Quote latest price snapshot for a symbol
type Quote struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	Price     float64   `json:"price"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Volume    float64   `json:"volume"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	Provider  string    `json:"provider"`
	Time      time.Time `json:"time"`
}

// Candle one daily bar
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// SearchResult a symbol lookup hit
type SearchResult struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	Type     string `json:"type"`
}

// Provider a source of quotes and daily history
type Provider interface {
	Name() string
	Quote(ctx context.Context, symbol string) (*Quote, error)
	History(ctx context.Context, symbol string, start, end time.Time) ([]Candle, error)
}

// Closes extracts close prices, oldest first
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

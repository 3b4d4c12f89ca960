package market

import (
	"context"
	"strings"
	"time"
)

var cryptoQuoteAssets = []string{"USDT", "BUSD", "USDC", "FDUSD"}

// Router sends each symbol to the provider that lists it:
// crypto pairs to Binance, .HK/.SH/.SZ to Longport when available, and
// everything else to Yahoo. Quotes keep the symbol the caller asked for.
type Router struct {
	yahoo    Provider
	binance  Provider
	longport Provider
}

// NewRouter builds a router; binance and longport may be nil
func NewRouter(yahoo, binance, longport Provider) *Router {
	return &Router{yahoo: yahoo, binance: binance, longport: longport}
}

func (r *Router) Name() string { return "router" }

// Route picks the provider and the provider-native symbol
func (r *Router) Route(symbol string) (Provider, string) {
	symbol = NormalizeSymbol(symbol)

	if pair, ok := BinancePair(symbol); ok {
		if r.binance != nil {
			return r.binance, pair
		}
		return r.yahoo, strings.TrimSuffix(pair, quoteAsset(pair)) + "-USD"
	}
	switch suffixOf(symbol) {
	case ".HK", ".SH", ".SZ":
		if r.longport != nil {
			return r.longport, symbol
		}
		return r.yahoo, YahooSymbol(symbol)
	}
	return r.yahoo, YahooSymbol(symbol)
}

func (r *Router) Quote(ctx context.Context, symbol string) (*Quote, error) {
	p, native := r.Route(symbol)
	q, err := p.Quote(ctx, native)
	if err != nil {
		return nil, err
	}
	q.Symbol = NormalizeSymbol(symbol)
	return q, nil
}

func (r *Router) History(ctx context.Context, symbol string, start, end time.Time) ([]Candle, error) {
	p, native := r.Route(symbol)
	return p.History(ctx, native, start, end)
}

// NormalizeSymbol trims and upper-cases a ticker
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// BinancePair maps BTCUSDT / BTC-USDT / BTC-USD style symbols to a Binance
// spot pair. Plain equities report false.
func BinancePair(symbol string) (string, bool) {
	symbol = NormalizeSymbol(symbol)
	if base, quoteCcy, ok := strings.Cut(symbol, "-"); ok {
		if base == "" {
			return "", false
		}
		switch quoteCcy {
		case "USD", "USDT":
			return base + "USDT", true
		case "BUSD", "USDC", "FDUSD":
			return base + quoteCcy, true
		}
		return "", false
	}
	if strings.Contains(symbol, ".") {
		return "", false
	}
	for _, suffix := range cryptoQuoteAssets {
		if len(symbol) > len(suffix) && strings.HasSuffix(symbol, suffix) {
			return symbol, true
		}
	}
	return "", false
}

// YahooSymbol converts exchange suffixes to Yahoo's conventions (.SH → .SS)
func YahooSymbol(symbol string) string {
	symbol = NormalizeSymbol(symbol)
	if strings.HasSuffix(symbol, ".SH") {
		return strings.TrimSuffix(symbol, ".SH") + ".SS"
	}
	return symbol
}

func suffixOf(symbol string) string {
	if i := strings.LastIndex(symbol, "."); i >= 0 {
		return strings.ToUpper(symbol[i:])
	}
	return ""
}

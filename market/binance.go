package market

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
)

// BinanceProvider spot quotes and daily klines for crypto pairs.
// Public market endpoints work without API keys.
type BinanceProvider struct {
	client *binance.Client
}

// NewBinanceProvider creates a spot client; keys may be empty
func NewBinanceProvider(apiKey, secretKey string) *BinanceProvider {
	client := binance.NewClient(apiKey, secretKey)
	client.HTTPClient = &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return &BinanceProvider{client: client}
}

func (b *BinanceProvider) Name() string { return "binance" }

// Quote uses the 24h ticker so change and range come with the price
func (b *BinanceProvider) Quote(ctx context.Context, symbol string) (*Quote, error) {
	stats, err := b.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticker for %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	s := stats[0]
	price := parseFloat(s.LastPrice)
	if price <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}

	return &Quote{
		Symbol:    symbol,
		Currency:  quoteAsset(symbol),
		Price:     price,
		Open:      parseFloat(s.OpenPrice),
		High:      parseFloat(s.HighPrice),
		Low:       parseFloat(s.LowPrice),
		Volume:    parseFloat(s.Volume),
		Change:    parseFloat(s.PriceChange),
		ChangePct: parseFloat(s.PriceChangePercent),
		Provider:  b.Name(),
		Time:      time.Now().UTC(),
	}, nil
}

// History returns daily klines; Binance caps one request at 1000 bars
func (b *BinanceProvider) History(ctx context.Context, symbol string, start, end time.Time) ([]Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval("1d").
		StartTime(start.UnixMilli()).
		EndTime(end.UnixMilli()).
		Limit(1000).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get klines for %s: %w", symbol, err)
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, symbol)
	}

	candles := make([]Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, Candle{
			Time:   time.UnixMilli(k.OpenTime).UTC(),
			Open:   parseFloat(k.Open),
			High:   parseFloat(k.High),
			Low:    parseFloat(k.Low),
			Close:  parseFloat(k.Close),
			Volume: parseFloat(k.Volume),
		})
	}
	return candles, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func quoteAsset(symbol string) string {
	for _, suffix := range cryptoQuoteAssets {
		if len(symbol) > len(suffix) && symbol[len(symbol)-len(suffix):] == suffix {
			return suffix
		}
	}
	return ""
}

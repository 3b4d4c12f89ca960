package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	lpconfig "github.com/longportapp/openapi-go/config"
	"github.com/longportapp/openapi-go/quote"
	"github.com/shopspring/decimal"
)

// LongportProvider quotes for Hong Kong and mainland China listings
type LongportProvider struct {
	quoteCtx *quote.QuoteContext
}

// NewLongportProvider connects the quote context; all three credentials are required
func NewLongportProvider(appKey, appSecret, accessToken string) (*LongportProvider, error) {
	if appKey == "" || appSecret == "" || accessToken == "" {
		return nil, errors.New("longport API credentials not configured")
	}

	conf, err := lpconfig.New(lpconfig.WithConfigKey(appKey, appSecret, accessToken))
	if err != nil {
		return nil, err
	}
	quoteContext, err := quote.NewFromCfg(conf)
	if err != nil {
		return nil, err
	}
	return &LongportProvider{quoteCtx: quoteContext}, nil
}

func (l *LongportProvider) Name() string { return "longport" }

// Quote fetches the real-time quote
func (l *LongportProvider) Quote(ctx context.Context, symbol string) (*Quote, error) {
	quotes, err := l.quoteCtx.Quote(ctx, []string{symbol})
	if err != nil {
		return nil, fmt.Errorf("failed to get quote for %s: %w", symbol, err)
	}
	if len(quotes) == 0 || quotes[0] == nil {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	q := quotes[0]
	price := decFloat(q.LastDone)
	if price <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}

	prev := decFloat(q.PrevClose)
	change, changePct := 0.0, 0.0
	if prev > 0 {
		change = price - prev
		changePct = change / prev * 100
	}
	return &Quote{
		Symbol:    symbol,
		Currency:  currencyForSuffix(symbol),
		Price:     price,
		Open:      decFloat(q.Open),
		High:      decFloat(q.High),
		Low:       decFloat(q.Low),
		Volume:    float64(q.Volume),
		Change:    change,
		ChangePct: changePct,
		Provider:  l.Name(),
		Time:      time.Unix(q.Timestamp, 0).UTC(),
	}, nil
}

// History fetches enough daily candlesticks to cover start..end and trims to the range
func (l *LongportProvider) History(ctx context.Context, symbol string, start, end time.Time) ([]Candle, error) {
	days := int(end.Sub(start).Hours()/24) + 1
	if days > 1000 {
		days = 1000
	}
	sticks, err := l.quoteCtx.Candlesticks(ctx, symbol, quote.PeriodDay, int32(days), quote.AdjustTypeNo)
	if err != nil {
		return nil, fmt.Errorf("failed to get candlesticks for %s: %w", symbol, err)
	}

	candles := make([]Candle, 0, len(sticks))
	for _, s := range sticks {
		if s == nil {
			continue
		}
		t := time.Unix(s.Timestamp, 0).UTC()
		if t.Before(start) || t.After(end) {
			continue
		}
		candles = append(candles, Candle{
			Time:   t,
			Open:   decFloat(s.Open),
			High:   decFloat(s.High),
			Low:    decFloat(s.Low),
			Close:  decFloat(s.Close),
			Volume: float64(s.Volume),
		})
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, symbol)
	}
	return candles, nil
}

func decFloat(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

func currencyForSuffix(symbol string) string {
	switch suffixOf(symbol) {
	case ".HK":
		return "HKD"
	case ".SH", ".SZ":
		return "CNY"
	}
	return ""
}

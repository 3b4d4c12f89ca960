package market

import (
	"context"
	"fmt"
	"time"

	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/piquette/finance-go/quote"
)

// YahooProvider default provider for equities and ETFs
type YahooProvider struct{}

// NewYahooProvider creates the Yahoo Finance provider
func NewYahooProvider() *YahooProvider {
	return &YahooProvider{}
}

func (y *YahooProvider) Name() string { return "yahoo" }

// Quote fetches the regular-market quote
func (y *YahooProvider) Quote(ctx context.Context, symbol string) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := quote.Get(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get quote for %s: %w", symbol, err)
	}
	if q == nil || q.RegularMarketPrice <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}

	return &Quote{
		Symbol:    symbol,
		Name:      q.ShortName,
		Currency:  q.CurrencyID,
		Price:     q.RegularMarketPrice,
		Open:      q.RegularMarketOpen,
		High:      q.RegularMarketDayHigh,
		Low:       q.RegularMarketDayLow,
		Volume:    float64(q.RegularMarketVolume),
		Change:    q.RegularMarketChange,
		ChangePct: q.RegularMarketChangePercent,
		Provider:  y.Name(),
		Time:      time.Now().UTC(),
	}, nil
}

// History fetches daily bars between start and end
func (y *YahooProvider) History(ctx context.Context, symbol string, start, end time.Time) ([]Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := &chart.Params{
		Symbol:   symbol,
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Interval: datetime.OneDay,
	}

	iter := chart.Get(params)
	candles := make([]Candle, 0)
	for iter.Next() {
		bar := iter.Bar()
		closePrice, _ := bar.Close.Float64()
		if closePrice <= 0 {
			continue
		}
		open, _ := bar.Open.Float64()
		high, _ := bar.High.Float64()
		low, _ := bar.Low.Float64()
		candles = append(candles, Candle{
			Time:   time.Unix(int64(bar.Timestamp), 0).UTC(),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: float64(bar.Volume),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to get historical data for %s: %w", symbol, err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, symbol)
	}
	return candles, nil
}

package market

import (
	"context"
	"errors"
	"math"
	"time"

	"golang.org/x/time/rate"

	"gridtrader/metrics"
)

const (
	maxAttempts = 3
	baseBackoff = 200 * time.Millisecond
)

// LimitedProvider paces calls to one upstream with a token bucket and
// retries transient failures with exponential backoff
type LimitedProvider struct {
	next    Provider
	limiter *rate.Limiter
	backoff time.Duration
}

// NewLimitedProvider allows rps requests per second with the given burst
func NewLimitedProvider(next Provider, rps float64, burst int) *LimitedProvider {
	if burst < 1 {
		burst = 1
	}
	return &LimitedProvider{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		backoff: baseBackoff,
	}
}

func (l *LimitedProvider) Name() string { return l.next.Name() }

func (l *LimitedProvider) Quote(ctx context.Context, symbol string) (*Quote, error) {
	var q *Quote
	err := l.do(ctx, func() error {
		var err error
		q, err = l.next.Quote(ctx, symbol)
		return err
	})
	return q, err
}

func (l *LimitedProvider) History(ctx context.Context, symbol string, start, end time.Time) ([]Candle, error) {
	var candles []Candle
	err := l.do(ctx, func() error {
		var err error
		candles, err = l.next.History(ctx, symbol, start, end)
		return err
	})
	return candles, err
}

func (l *LimitedProvider) do(ctx context.Context, call func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if waitErr := l.limiter.Wait(ctx); waitErr != nil {
			return waitErr
		}

		err = call()
		if err == nil {
			metrics.MarketRequests.WithLabelValues(l.Name(), "ok").Inc()
			return nil
		}
		if !retryable(err) {
			break
		}
		if attempt == maxAttempts-1 {
			break
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * l.backoff
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	metrics.MarketRequests.WithLabelValues(l.Name(), "error").Inc()
	return err
}

// unknown symbols and empty ranges will not improve on retry
func retryable(err error) bool {
	return !errors.Is(err, ErrSymbolNotFound) &&
		!errors.Is(err, ErrNoData) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

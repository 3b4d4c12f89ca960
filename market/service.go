package market

import (
	"context"
	"sync"
	"time"

	"gridtrader/config"
	"gridtrader/logger"
)

// Service is the market-data entry point used by the API and scheduler
type Service struct {
	provider Provider
	searcher *Searcher
	closers  []func() error

	cache     Cache
	quoteTTL  time.Duration
	streamURL string
}

// NewService wires providers from config: each upstream gets its own rate
// limiter, the router picks one per symbol and the result is cached
// (Redis when REDIS_URL is set, otherwise in memory).
func NewService(ctx context.Context, cfg *config.Config) *Service {
	rps, burst := cfg.MarketRateLimit, cfg.MarketRateBurst

	yahoo := NewLimitedProvider(NewYahooProvider(), rps, burst)
	binance := NewLimitedProvider(NewBinanceProvider(cfg.BinanceAPIKey, cfg.BinanceSecretKey), rps, burst)

	var longport Provider
	if cfg.LongportEnabled() {
		lp, err := NewLongportProvider(cfg.LongportAppKey, cfg.LongportAppSecret, cfg.LongportAccessToken)
		if err != nil {
			logger.Warnf("⚠️  Longport unavailable, HK/CN symbols fall back to Yahoo: %v", err)
		} else {
			longport = NewLimitedProvider(lp, rps, burst)
			logger.Info("✓ Longport quote context connected")
		}
	}

	s := &Service{searcher: NewSearcher("")}
	var cache Cache = NewMemoryCache()
	if cfg.RedisURL != "" {
		rc, err := NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warnf("⚠️  Redis cache unavailable, using in-memory cache: %v", err)
		} else {
			cache = rc
			s.closers = append(s.closers, rc.Close)
			logger.Info("✓ Redis quote cache connected")
		}
	}

	s.cache, s.quoteTTL = cache, cfg.QuoteCacheTTL
	s.provider = NewCachedProvider(NewRouter(yahoo, binance, longport), cache, cfg.QuoteCacheTTL)
	return s
}

// NewServiceWithProvider builds a service over an existing provider (tests, CLI)
func NewServiceWithProvider(p Provider, searcher *Searcher) *Service {
	if searcher == nil {
		searcher = NewSearcher("")
	}
	return &Service{provider: p, searcher: searcher}
}

func (s *Service) Name() string { return s.provider.Name() }

func (s *Service) Quote(ctx context.Context, symbol string) (*Quote, error) {
	return s.provider.Quote(ctx, NormalizeSymbol(symbol))
}

func (s *Service) History(ctx context.Context, symbol string, start, end time.Time) ([]Candle, error) {
	return s.provider.History(ctx, NormalizeSymbol(symbol), start, end)
}

// RecentHistory returns daily candles for the last days days
func (s *Service) RecentHistory(ctx context.Context, symbol string, days int) ([]Candle, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)
	return s.History(ctx, symbol, start, end)
}

// Search looks up tickers by name or partial symbol
func (s *Service) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return s.searcher.Search(ctx, query, limit)
}

// Quotes fetches several symbols concurrently. Failed symbols are logged
// and left out of the result.
func (s *Service) Quotes(ctx context.Context, symbols []string) map[string]*Quote {
	return FetchQuotes(ctx, s.provider, symbols, 4)
}

// Close releases cache connections
func (s *Service) Close() error {
	for _, c := range s.closers {
		if err := c(); err != nil {
			return err
		}
	}
	return nil
}

// FetchQuotes queries p for every symbol with at most workers calls in flight
func FetchQuotes(ctx context.Context, p Provider, symbols []string, workers int) map[string]*Quote {
	if workers < 1 {
		workers = 1
	}
	out := make(map[string]*Quote, len(symbols))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)

	for _, symbol := range symbols {
		symbol := NormalizeSymbol(symbol)
		if symbol == "" {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			q, err := p.Quote(ctx, symbol)
			if err != nil {
				logger.Warnf("⚠️  quote %s failed: %v", symbol, err)
				return
			}
			mu.Lock()
			out[symbol] = q
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

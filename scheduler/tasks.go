package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gridtrader/config"
	"gridtrader/logger"
	"gridtrader/manager"
	"gridtrader/market"
	"gridtrader/store"
)

// QuoteSource batch quote lookup; satisfied by *market.Service
type QuoteSource interface {
	Quotes(ctx context.Context, symbols []string) map[string]*market.Quote
}

// Jobs the task bodies, wired to the store and managers
type Jobs struct {
	Store      *store.Store
	Quotes     QuoteSource
	Portfolios *manager.PortfolioManager
	Grids      *manager.GridManager
	Alerts     *manager.AlertManager

	// MaxPriceAge skips stored prices older than this when processing grids
	// and alerts; zero disables the check
	MaxPriceAge time.Duration

	now func() time.Time
}

// Register adds the four periodic tasks with intervals from cfg
func (j *Jobs) Register(s *Scheduler, cfg *config.Config) {
	s.Add("price_refresh", cfg.PriceRefreshInterval, j.RefreshPrices)
	s.Add("grid_check", cfg.GridCheckInterval, j.ProcessGrids)
	s.Add("alert_check", cfg.AlertCheckInterval, j.CheckAlerts)
	s.Add("snapshot", cfg.SnapshotInterval, j.TakeSnapshots)
}

func (j *Jobs) clock() time.Time {
	if j.now != nil {
		return j.now()
	}
	return time.Now().UTC()
}

// TrackedSymbols every symbol held, traded by an active grid or watched by an alert
func (j *Jobs) TrackedSymbols() ([]string, error) {
	held, err := j.Store.Portfolio().HeldSymbols()
	if err != nil {
		return nil, fmt.Errorf("held symbols: %w", err)
	}
	gridSymbols, err := j.Store.Grid().ActiveSymbols()
	if err != nil {
		return nil, fmt.Errorf("grid symbols: %w", err)
	}
	alertSymbols, err := j.Store.Alert().ActiveSymbols()
	if err != nil {
		return nil, fmt.Errorf("alert symbols: %w", err)
	}

	seen := make(map[string]struct{})
	var out []string
	for _, list := range [][]string{held, gridSymbols, alertSymbols} {
		for _, s := range list {
			if _, ok := seen[s]; ok || s == "" {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

// RefreshPrices fetches quotes for tracked symbols, stores them as the
// last-known prices and revalues holdings
func (j *Jobs) RefreshPrices(ctx context.Context) error {
	symbols, err := j.TrackedSymbols()
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return nil
	}

	quotes := j.Quotes.Quotes(ctx, symbols)
	prices := make(map[string]float64, len(quotes))
	var errs []error
	for symbol, q := range quotes {
		if q == nil || q.Price <= 0 {
			continue
		}
		md := &store.MarketData{
			Symbol:    symbol,
			Price:     q.Price,
			Open:      q.Open,
			High:      q.High,
			Low:       q.Low,
			Volume:    q.Volume,
			Change:    q.Change,
			ChangePct: q.ChangePct,
			Provider:  q.Provider,
			UpdatedAt: j.clock(),
		}
		if err := j.Store.MarketData().Upsert(md); err != nil {
			errs = append(errs, fmt.Errorf("store %s: %w", symbol, err))
			continue
		}
		prices[symbol] = q.Price
	}

	updated, err := j.Portfolios.ApplyPrices(prices)
	if err != nil {
		errs = append(errs, fmt.Errorf("revalue holdings: %w", err))
	}
	logger.Debugf("💹 price refresh: %d/%d quotes, %d holdings revalued", len(prices), len(symbols), updated)

	if missing := len(symbols) - len(quotes); missing > 0 {
		logger.Warnf("⚠️  price refresh: %d of %d symbols had no quote", missing, len(symbols))
	}
	return errors.Join(errs...)
}

// storedPrices last-known prices for symbols, skipping stale rows
func (j *Jobs) storedPrices(symbols []string) (map[string]float64, error) {
	rows, err := j.Store.MarketData().GetMany(symbols)
	if err != nil {
		return nil, err
	}
	now := j.clock()
	prices := make(map[string]float64, len(rows))
	for symbol, md := range rows {
		if md.Price <= 0 {
			continue
		}
		if j.MaxPriceAge > 0 && now.Sub(md.UpdatedAt) > j.MaxPriceAge {
			logger.Debugf("skipping stale price for %s (%s old)", symbol, now.Sub(md.UpdatedAt).Round(time.Second))
			continue
		}
		prices[symbol] = md.Price
	}
	return prices, nil
}

// ProcessGrids runs every active grid against the last-known prices
func (j *Jobs) ProcessGrids(ctx context.Context) error {
	symbols, err := j.Store.Grid().ActiveSymbols()
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return nil
	}
	prices, err := j.storedPrices(symbols)
	if err != nil {
		return err
	}

	results, err := j.Grids.ProcessActive(ctx, prices)
	filled, completed := 0, 0
	for _, r := range results {
		filled += r.Filled
		if r.Completed {
			completed++
		}
	}
	if filled > 0 || completed > 0 {
		logger.Infof("[Grid] check: %d grids, %d fills, %d completed", len(results), filled, completed)
	}
	return err
}

// CheckAlerts triggers alerts against the last-known prices
func (j *Jobs) CheckAlerts(ctx context.Context) error {
	symbols, err := j.Store.Alert().ActiveSymbols()
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return nil
	}
	prices, err := j.storedPrices(symbols)
	if err != nil {
		return err
	}
	_, err = j.Alerts.Check(ctx, prices)
	return err
}

// TakeSnapshots records the value of every portfolio
func (j *Jobs) TakeSnapshots(ctx context.Context) error {
	n, err := j.Portfolios.SnapshotAll()
	logger.Debugf("📸 %d portfolio snapshots taken", n)
	return err
}

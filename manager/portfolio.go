package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gridtrader/backtest"
	"gridtrader/logger"
	"gridtrader/store"
)

// PortfolioManager portfolio CRUD, transaction accounting and valuation
type PortfolioManager struct {
	store  *store.Store
	prices PriceSource
	now    func() time.Time
}

// NewPortfolioManager creates a portfolio manager
func NewPortfolioManager(st *store.Store, prices PriceSource) *PortfolioManager {
	return &PortfolioManager{store: st, prices: prices, now: func() time.Time { return time.Now().UTC() }}
}

// CreatePortfolioInput new portfolio fields
type CreatePortfolioInput struct {
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	BaseCurrency   string  `json:"base_currency"`
	InitialCapital float64 `json:"initial_capital"`
}

// UpdatePortfolioInput editable fields; nil leaves a field unchanged
type UpdatePortfolioInput struct {
	Name         *string `json:"name"`
	Description  *string `json:"description"`
	BaseCurrency *string `json:"base_currency"`
}

// TransactionInput a manual ledger entry.
// Buy and sell use Quantity and Price; cash-only types use Amount.
type TransactionInput struct {
	Symbol     string                `json:"symbol"`
	Type       store.TransactionType `json:"type"`
	Quantity   float64               `json:"quantity"`
	Price      float64               `json:"price"`
	Amount     float64               `json:"amount"`
	Fees       float64               `json:"fees"`
	Notes      string                `json:"notes"`
	ExecutedAt time.Time             `json:"executed_at"`
}

// Summary portfolio valuation from the last known prices
type Summary struct {
	Portfolio      *store.Portfolio `json:"portfolio"`
	Holdings       []store.Holding  `json:"holdings"`
	CashBalance    float64          `json:"cash_balance"`
	HoldingsValue  float64          `json:"holdings_value"`
	GridValue      float64          `json:"grid_value"`
	TotalValue     float64          `json:"total_value"`
	TotalReturnPct float64          `json:"total_return_pct"`
}

// Performance snapshot history with risk statistics
type Performance struct {
	PortfolioID    string                    `json:"portfolio_id"`
	Snapshots      []store.PortfolioSnapshot `json:"snapshots"`
	TotalReturnPct float64                   `json:"total_return_pct"`
	MaxDrawdownPct float64                   `json:"max_drawdown_pct"`
	SharpeRatio    float64                   `json:"sharpe_ratio"`
}

// ==================== CRUD ====================

// Create opens a portfolio; the initial capital becomes its cash and is
// recorded as a deposit
func (m *PortfolioManager) Create(userID string, in CreatePortfolioInput) (*store.Portfolio, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, invalid("name is required")
	}
	if in.InitialCapital < 0 {
		return nil, invalid("initial capital cannot be negative")
	}
	currency := strings.ToUpper(strings.TrimSpace(in.BaseCurrency))
	if currency == "" {
		currency = "USD"
	}

	capital := decimal.NewFromFloat(in.InitialCapital)
	p := &store.Portfolio{
		UserID:         userID,
		Name:           name,
		Description:    in.Description,
		BaseCurrency:   currency,
		InitialCapital: capital,
		CashBalance:    capital,
	}
	err := m.store.Transaction(func(tx *store.Store) error {
		if err := tx.Portfolio().Create(p); err != nil {
			return err
		}
		if !capital.IsPositive() {
			return nil
		}
		return tx.Portfolio().CreateTransaction(&store.Transaction{
			PortfolioID: p.ID,
			Type:        store.TxDeposit,
			TotalAmount: capital,
			Notes:       "initial capital",
			ExecutedAt:  m.now(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create portfolio: %w", err)
	}
	logger.Infof("💼 Portfolio %s created for user %s (capital %s)", p.ID, userID, capital.String())
	return p, nil
}

// List returns the user's portfolios
func (m *PortfolioManager) List(userID string) ([]store.Portfolio, error) {
	return m.store.Portfolio().List(userID)
}

// Get returns one of the user's portfolios
func (m *PortfolioManager) Get(userID, id string) (*store.Portfolio, error) {
	p, err := m.store.Portfolio().Get(userID, id)
	return p, translate(err)
}

// Update edits name, description or currency. Only the edited columns are
// written so a concurrent transaction's cash change survives.
func (m *PortfolioManager) Update(userID, id string, in UpdatePortfolioInput) (*store.Portfolio, error) {
	fields := map[string]interface{}{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, invalid("name cannot be empty")
		}
		fields["name"] = name
	}
	if in.Description != nil {
		fields["description"] = *in.Description
	}
	if in.BaseCurrency != nil && strings.TrimSpace(*in.BaseCurrency) != "" {
		fields["base_currency"] = strings.ToUpper(strings.TrimSpace(*in.BaseCurrency))
	}
	if len(fields) == 0 {
		return m.Get(userID, id)
	}
	if err := m.store.Portfolio().UpdateDetails(userID, id, fields); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, translate(err)
		}
		return nil, fmt.Errorf("update portfolio: %w", err)
	}
	return m.Get(userID, id)
}

// Delete removes a portfolio. Running grids must be cancelled first.
func (m *PortfolioManager) Delete(userID, id string) error {
	if _, err := m.Get(userID, id); err != nil {
		return err
	}
	grids, err := m.store.Grid().ListByPortfolio(id)
	if err != nil {
		return err
	}
	for _, g := range grids {
		if !g.IsTerminal() {
			return fmt.Errorf("%w: portfolio has running grid %s", ErrInvalidState, g.ID)
		}
	}
	return translate(m.store.Portfolio().Delete(userID, id))
}

// Holdings lists positions of an owned portfolio
func (m *PortfolioManager) Holdings(userID, id string) ([]store.Holding, error) {
	if _, err := m.Get(userID, id); err != nil {
		return nil, err
	}
	return m.store.Portfolio().ListHoldings(id)
}

// Transactions lists ledger entries of an owned portfolio, newest first
func (m *PortfolioManager) Transactions(userID, id string, limit int) ([]store.Transaction, error) {
	if _, err := m.Get(userID, id); err != nil {
		return nil, err
	}
	return m.store.Portfolio().ListTransactions(id, limit)
}

// ==================== Accounting ====================

// RecordTransaction applies a manual entry to cash and holdings atomically
func (m *PortfolioManager) RecordTransaction(userID, portfolioID string, in TransactionInput) (*store.Transaction, error) {
	var out *store.Transaction
	err := m.store.Transaction(func(tx *store.Store) error {
		p, err := tx.Portfolio().Get(userID, portfolioID)
		if err != nil {
			return translate(err)
		}
		t, err := applyTransaction(tx, p, in, m.now())
		if err != nil {
			return err
		}
		if err := tx.Portfolio().Save(p); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// applyTransaction validates in, mutates p and its holding, and writes the ledger row.
// The caller saves p.
func applyTransaction(tx *store.Store, p *store.Portfolio, in TransactionInput, now time.Time) (*store.Transaction, error) {
	symbol := strings.ToUpper(strings.TrimSpace(in.Symbol))
	if in.Fees < 0 {
		return nil, invalid("fees cannot be negative")
	}
	fees := decimal.NewFromFloat(in.Fees)
	executedAt := in.ExecutedAt
	if executedAt.IsZero() {
		executedAt = now
	}

	t := &store.Transaction{
		PortfolioID: p.ID,
		Symbol:      symbol,
		Type:        in.Type,
		Fees:        fees,
		Notes:       in.Notes,
		ExecutedAt:  executedAt.UTC(),
	}

	switch in.Type {
	case store.TxBuy, store.TxSell:
		if symbol == "" {
			return nil, invalid("symbol is required")
		}
		if in.Quantity <= 0 || in.Price <= 0 {
			return nil, invalid("quantity and price must be positive")
		}
		qty := decimal.NewFromFloat(in.Quantity)
		price := decimal.NewFromFloat(in.Price)
		t.Quantity = qty
		t.Price = price

		if in.Type == store.TxBuy {
			cost := qty.Mul(price).Add(fees)
			if p.CashBalance.LessThan(cost) {
				return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost.StringFixed(2), p.CashBalance.StringFixed(2))
			}
			p.CashBalance = p.CashBalance.Sub(cost)
			t.TotalAmount = cost
			if err := addToHolding(tx.Portfolio(), p.ID, symbol, qty, cost, in.Price, now); err != nil {
				return nil, err
			}
			break
		}

		h, err := tx.Portfolio().GetHolding(p.ID, symbol)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no %s position", ErrInsufficientFunds, symbol)
		}
		if err != nil {
			return nil, err
		}
		if h.Quantity.LessThan(qty) {
			return nil, fmt.Errorf("%w: holding %s %s, selling %s", ErrInsufficientFunds, h.Quantity.String(), symbol, qty.String())
		}
		proceeds := qty.Mul(price).Sub(fees)
		t.TotalAmount = proceeds
		t.RealizedPnL = price.Sub(h.AverageCost).Mul(qty).Sub(fees)
		p.CashBalance = p.CashBalance.Add(proceeds)
		if err := reduceHolding(tx.Portfolio(), h, qty, now); err != nil {
			return nil, err
		}

	case store.TxDeposit, store.TxDividend:
		if in.Amount <= 0 {
			return nil, invalid("amount must be positive")
		}
		amount := decimal.NewFromFloat(in.Amount)
		t.TotalAmount = amount
		p.CashBalance = p.CashBalance.Add(amount).Sub(fees)

	case store.TxWithdrawal, store.TxFee:
		if in.Amount <= 0 {
			return nil, invalid("amount must be positive")
		}
		amount := decimal.NewFromFloat(in.Amount)
		debit := amount.Add(fees)
		if p.CashBalance.LessThan(debit) {
			return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, debit.StringFixed(2), p.CashBalance.StringFixed(2))
		}
		t.TotalAmount = amount
		p.CashBalance = p.CashBalance.Sub(debit)

	default:
		return nil, invalid("unknown transaction type %q", in.Type)
	}

	if err := tx.Portfolio().CreateTransaction(t); err != nil {
		return nil, err
	}
	return t, nil
}

// addToHolding merges qty bought for cost into the symbol's holding,
// reweighting the average cost
func addToHolding(ps *store.PortfolioStore, portfolioID, symbol string, qty, cost decimal.Decimal, price float64, now time.Time) error {
	h, err := ps.GetHolding(portfolioID, symbol)
	if errors.Is(err, store.ErrNotFound) {
		h = &store.Holding{PortfolioID: portfolioID, Symbol: symbol}
	} else if err != nil {
		return err
	}

	totalCost := h.Quantity.Mul(h.AverageCost).Add(cost)
	h.Quantity = h.Quantity.Add(qty)
	if h.Quantity.IsPositive() {
		h.AverageCost = totalCost.Div(h.Quantity).Round(8)
	}
	if price <= 0 {
		price = h.CurrentPrice
	}
	revalue(h, price)
	h.UpdatedAt = now
	return ps.SaveHolding(h)
}

// reduceHolding removes qty; an emptied holding is deleted
func reduceHolding(ps *store.PortfolioStore, h *store.Holding, qty decimal.Decimal, now time.Time) error {
	h.Quantity = h.Quantity.Sub(qty)
	if !h.Quantity.IsPositive() {
		return ps.DeleteHolding(h.ID)
	}
	revalue(h, h.CurrentPrice)
	h.UpdatedAt = now
	return ps.SaveHolding(h)
}

// revalue recomputes market value and unrealized P&L at price
func revalue(h *store.Holding, price float64) {
	if price <= 0 {
		return
	}
	qty := h.Quantity.InexactFloat64()
	cost := qty * h.AverageCost.InexactFloat64()
	h.CurrentPrice = price
	h.MarketValue = qty * price
	h.UnrealizedPnL = h.MarketValue - cost
	h.UnrealizedPnLPct = 0
	if cost > 0 {
		h.UnrealizedPnLPct = h.UnrealizedPnL / cost * 100
	}
}

// ==================== Valuation ====================

// Refresh revalues an owned portfolio's holdings from live quotes
func (m *PortfolioManager) Refresh(ctx context.Context, userID, id string) (*Summary, error) {
	holdings, err := m.Holdings(userID, id)
	if err != nil {
		return nil, err
	}
	for _, h := range holdings {
		q, err := m.prices.Quote(ctx, h.Symbol)
		if err != nil {
			logger.Warnf("⚠️  refresh %s in portfolio %s: %v", h.Symbol, id, err)
			continue
		}
		if _, err := m.revalueHolding(h.ID, q.Price); err != nil {
			return nil, err
		}
	}
	return m.Summary(userID, id)
}

// ApplyPrices revalues every holding in the given symbols. Used by the
// price refresh task.
func (m *PortfolioManager) ApplyPrices(prices map[string]float64) (int, error) {
	symbols := make([]string, 0, len(prices))
	for s := range prices {
		symbols = append(symbols, s)
	}
	holdings, err := m.store.Portfolio().ListHoldingsForSymbols(symbols)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, h := range holdings {
		ok, err := m.revalueHolding(h.ID, prices[h.Symbol])
		if err != nil {
			return updated, err
		}
		if ok {
			updated++
		}
	}
	return updated, nil
}

// revalueHolding re-reads the holding so the valuation uses its current
// quantity, then writes only the valuation columns. A holding closed since
// it was listed is skipped.
func (m *PortfolioManager) revalueHolding(id string, price float64) (bool, error) {
	if price <= 0 {
		return false, nil
	}
	found := false
	err := m.store.Transaction(func(tx *store.Store) error {
		h, err := tx.Portfolio().GetHoldingByID(id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		revalue(h, price)
		h.UpdatedAt = m.now()
		found = true
		return tx.Portfolio().UpdateValuation(h)
	})
	return found, err
}

// Summary values an owned portfolio at the last stored prices
func (m *PortfolioManager) Summary(userID, id string) (*Summary, error) {
	p, err := m.Get(userID, id)
	if err != nil {
		return nil, err
	}
	return m.summarize(p)
}

func (m *PortfolioManager) summarize(p *store.Portfolio) (*Summary, error) {
	holdings, err := m.store.Portfolio().ListHoldings(p.ID)
	if err != nil {
		return nil, err
	}
	grids, err := m.store.Grid().ListByPortfolio(p.ID)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Portfolio:   p,
		Holdings:    holdings,
		CashBalance: p.CashBalance.InexactFloat64(),
	}
	for _, h := range holdings {
		if h.MarketValue > 0 {
			s.HoldingsValue += h.MarketValue
		} else {
			s.HoldingsValue += h.Quantity.Mul(h.AverageCost).InexactFloat64()
		}
	}
	for i := range grids {
		s.GridValue += gridValue(&grids[i])
	}
	s.TotalValue = s.CashBalance + s.HoldingsValue + s.GridValue
	if initial := p.InitialCapital.InexactFloat64(); initial > 0 {
		s.TotalReturnPct = (s.TotalValue - initial) / initial * 100
	}
	return s, nil
}

// gridValue reserved cash plus the grid's position at its last price
func gridValue(g *store.Grid) float64 {
	if g.IsTerminal() {
		return 0
	}
	value := g.CashReserved.InexactFloat64()
	if g.LastPrice > 0 {
		value += g.BasePosition.InexactFloat64() * g.LastPrice
	} else {
		value += g.BaseCost.InexactFloat64()
	}
	return value
}

// Snapshot records the current valuation of a portfolio
func (m *PortfolioManager) Snapshot(p *store.Portfolio) (*store.PortfolioSnapshot, error) {
	s, err := m.summarize(p)
	if err != nil {
		return nil, err
	}
	snap := &store.PortfolioSnapshot{
		PortfolioID:   p.ID,
		Timestamp:     m.now(),
		TotalValue:    s.TotalValue,
		CashBalance:   s.CashBalance,
		HoldingsValue: s.HoldingsValue,
		GridValue:     s.GridValue,
	}
	if err := m.store.Equity().Save(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// SnapshotAll records a snapshot for every portfolio
func (m *PortfolioManager) SnapshotAll() (int, error) {
	portfolios, err := m.store.Portfolio().ListAll()
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for i := range portfolios {
		if _, err := m.Snapshot(&portfolios[i]); err != nil {
			errs = append(errs, fmt.Errorf("snapshot %s: %w", portfolios[i].ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Performance returns up to limit snapshots with drawdown and Sharpe over them
func (m *PortfolioManager) Performance(userID, id string, limit int) (*Performance, error) {
	p, err := m.Get(userID, id)
	if err != nil {
		return nil, err
	}
	snapshots, err := m.store.Equity().GetLatest(id, limit)
	if err != nil {
		return nil, err
	}

	perf := &Performance{PortfolioID: id, Snapshots: snapshots}
	if len(snapshots) == 0 {
		return perf, nil
	}
	values := make([]float64, len(snapshots))
	for i, s := range snapshots {
		values[i] = s.TotalValue
	}
	perf.MaxDrawdownPct = backtest.MaxDrawdown(values)
	perf.SharpeRatio = backtest.SharpeRatio(values)
	if initial := p.InitialCapital.InexactFloat64(); initial > 0 {
		perf.TotalReturnPct = (values[len(values)-1] - initial) / initial * 100
	}
	return perf, nil
}

package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gridtrader/grid"
	"gridtrader/logger"
	"gridtrader/metrics"
	"gridtrader/notify"
	"gridtrader/store"
)

// GridManager runs the grid lifecycle: funding, order placement, fills,
// pause/resume, rebalance and settlement
type GridManager struct {
	store    *store.Store
	prices   PriceSource
	notifier notify.Notifier
	now      func() time.Time
}

// NewGridManager creates a grid manager; notifier may be nil
func NewGridManager(st *store.Store, prices PriceSource, notifier notify.Notifier) *GridManager {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &GridManager{
		store:    st,
		prices:   prices,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateGridInput grid definition from the API
type CreateGridInput struct {
	PortfolioID string `json:"portfolio_id"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	grid.Params
}

// Preview a resolved plan that has not been funded
type Preview struct {
	Symbol       string     `json:"symbol"`
	CurrentPrice float64    `json:"current_price"`
	Plan         *grid.Plan `json:"plan"`
	InitialCost  float64    `json:"initial_cost"` // base position bought at start
}

// ProcessResult what one price tick did to a grid
type ProcessResult struct {
	GridID    string  `json:"grid_id"`
	Price     float64 `json:"price"`
	Filled    int     `json:"filled"`
	Failed    int     `json:"failed"`
	Spawned   int     `json:"spawned"`
	Profit    float64 `json:"profit"`
	Completed bool    `json:"completed"`
}

// ==================== Create ====================

// Preview resolves a grid plan against the live price without funding it
func (m *GridManager) Preview(ctx context.Context, in CreateGridInput) (*Preview, error) {
	symbol := strings.ToUpper(strings.TrimSpace(in.Symbol))
	if symbol == "" {
		return nil, invalid("symbol is required")
	}
	params := in.Params.WithDefaults()
	if err := grid.Validate(params); err != nil {
		return nil, translate(err)
	}

	price, err := currentPrice(ctx, m.prices, symbol)
	if err != nil {
		return nil, err
	}
	var history []float64
	if params.Strategy == grid.StrategyAdaptive {
		history, err = recentCloses(ctx, m.prices, symbol, params.VolatilityWindow+1)
		if err != nil {
			logger.Warnf("[Grid] %s history unavailable, adaptive grid falls back to default band: %v", symbol, err)
		}
	}

	plan, err := grid.BuildPlan(params, price, history)
	if err != nil {
		return nil, translate(err)
	}
	return &Preview{
		Symbol:       symbol,
		CurrentPrice: price,
		Plan:         plan,
		InitialCost:  plan.InitialBuyQuantity * price,
	}, nil
}

// Create funds a grid from the portfolio's cash, buys the base position
// needed for the sell orders above the price and places the initial orders.
// Everything happens in one transaction.
func (m *GridManager) Create(ctx context.Context, userID string, in CreateGridInput) (*store.Grid, error) {
	if in.PortfolioID == "" {
		return nil, invalid("portfolio_id is required")
	}
	if _, err := m.store.Portfolio().Get(userID, in.PortfolioID); err != nil {
		return nil, translate(err)
	}

	preview, err := m.Preview(ctx, in)
	if err != nil {
		return nil, err
	}
	plan := preview.Plan
	p := plan.Params
	investment := decimal.NewFromFloat(p.Investment)

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = fmt.Sprintf("%s %s grid", preview.Symbol, p.Strategy)
	}
	g := &store.Grid{
		PortfolioID:          in.PortfolioID,
		UserID:               userID,
		Name:                 name,
		Symbol:               preview.Symbol,
		Status:               store.GridStatusActive,
		InvestmentAmount:     investment,
		CashReserved:         investment,
		LastPrice:            preview.CurrentPrice,
		BasePosition:         decimal.Zero,
		BaseCost:             decimal.Zero,
		RealizedProfit:       decimal.Zero,
		Regime:               string(plan.Regime),
		MartingaleMultiplier: p.MartingaleMultiplier,
		VolatilityWindow:     p.VolatilityWindow,
		VolatilityK:          p.VolatilityK,
	}
	applyParams(g, plan)

	err = m.store.Transaction(func(tx *store.Store) error {
		portfolio, err := tx.Portfolio().Get(userID, in.PortfolioID)
		if err != nil {
			return translate(err)
		}
		if portfolio.CashBalance.LessThan(investment) {
			return fmt.Errorf("%w: grid needs %s, portfolio has %s",
				ErrInsufficientFunds, investment.StringFixed(2), portfolio.CashBalance.StringFixed(2))
		}
		portfolio.CashBalance = portfolio.CashBalance.Sub(investment)
		if err := tx.Portfolio().Save(portfolio); err != nil {
			return err
		}
		if err := tx.Grid().Create(g); err != nil {
			return err
		}
		if err := m.buyBase(tx, g, plan.InitialBuyQuantity, preview.CurrentPrice, "grid start"); err != nil {
			return err
		}
		if err := tx.Grid().CreateOrders(toStoreOrders(g.ID, plan.Orders, nil)); err != nil {
			return err
		}
		return tx.Grid().Save(g)
	})
	if err != nil {
		return nil, err
	}

	m.refreshActiveGauge()
	logger.Infof("[Grid] %s created: %s %s [%.4f, %.4f] x%d, investment %s",
		g.ID, g.Symbol, g.Strategy, g.LowerPrice, g.UpperPrice, g.GridCount, investment.String())
	return g, nil
}

// buyBase buys qty at price from the grid's reserved cash
func (m *GridManager) buyBase(tx *store.Store, g *store.Grid, qty, price float64, note string) error {
	if qty <= 0 {
		return nil
	}
	q := decimal.NewFromFloat(qty)
	cost := q.Mul(decimal.NewFromFloat(price))
	if cost.GreaterThan(g.CashReserved) {
		cost = g.CashReserved
		q = cost.Div(decimal.NewFromFloat(price))
	}
	g.CashReserved = g.CashReserved.Sub(cost)
	g.BasePosition = g.BasePosition.Add(q)
	g.BaseCost = g.BaseCost.Add(cost)
	return m.recordFill(tx, g, store.TxBuy, q, decimal.NewFromFloat(price), cost, decimal.Zero, note)
}

func (m *GridManager) recordFill(tx *store.Store, g *store.Grid, typ store.TransactionType, qty, price, total, pnl decimal.Decimal, note string) error {
	gridID := g.ID
	return tx.Portfolio().CreateTransaction(&store.Transaction{
		PortfolioID: g.PortfolioID,
		Symbol:      g.Symbol,
		Type:        typ,
		Quantity:    qty,
		Price:       price,
		TotalAmount: total,
		RealizedPnL: pnl,
		Notes:       note,
		GridID:      &gridID,
		ExecutedAt:  m.now(),
	})
}

// ==================== Queries ====================

// List returns the user's grids, optionally for one portfolio
func (m *GridManager) List(userID, portfolioID string) ([]store.Grid, error) {
	return m.store.Grid().List(userID, portfolioID)
}

// Get returns one of the user's grids
func (m *GridManager) Get(userID, id string) (*store.Grid, error) {
	g, err := m.store.Grid().Get(userID, id)
	return g, translate(err)
}

// Orders lists a grid's orders; empty status means all
func (m *GridManager) Orders(userID, id, status string) ([]store.GridOrder, error) {
	if _, err := m.Get(userID, id); err != nil {
		return nil, err
	}
	return m.store.Grid().ListOrders(id, status)
}

// Statistics fill counts and profit of an owned grid
func (m *GridManager) Statistics(userID, id string) (map[string]interface{}, error) {
	if _, err := m.Get(userID, id); err != nil {
		return nil, err
	}
	stats, err := m.store.Grid().GetStatistics(id)
	return stats, translate(err)
}

// ==================== Status transitions ====================

// Pause stops processing fills; pending orders stay in place
func (m *GridManager) Pause(userID, id string) (*store.Grid, error) {
	return m.transition(userID, id, store.GridStatusActive, store.GridStatusPaused)
}

// Resume restarts a paused grid
func (m *GridManager) Resume(userID, id string) (*store.Grid, error) {
	return m.transition(userID, id, store.GridStatusPaused, store.GridStatusActive)
}

func (m *GridManager) transition(userID, id, from, to string) (*store.Grid, error) {
	// status only: fills booked by the scheduler meanwhile must survive
	moved, err := m.store.Grid().UpdateStatus(userID, id, from, to)
	if err != nil {
		return nil, err
	}
	g, err := m.Get(userID, id)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: grid is %s, expected %s", ErrInvalidState, g.Status, from)
	}
	m.refreshActiveGauge()
	logger.Infof("[Grid] %s %s -> %s", g.ID, from, to)
	return g, nil
}

// Cancel stops a grid, cancels its pending orders, returns reserved cash to
// the portfolio and moves the grid's position into the portfolio holding
func (m *GridManager) Cancel(userID, id string) (*store.Grid, error) {
	var out *store.Grid
	err := m.store.Transaction(func(tx *store.Store) error {
		g, err := tx.Grid().Get(userID, id)
		if err != nil {
			return translate(err)
		}
		if g.IsTerminal() {
			return fmt.Errorf("%w: grid is already %s", ErrInvalidState, g.Status)
		}
		if err := m.settle(tx, g, store.GridStatusCancelled); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.refreshActiveGauge()
	logger.Infof("[Grid] %s cancelled", out.ID)
	return out, nil
}

// settle closes a grid into a terminal status and hands its funds back
func (m *GridManager) settle(tx *store.Store, g *store.Grid, status string) error {
	if _, err := tx.Grid().CancelPendingOrders(g.ID); err != nil {
		return err
	}
	portfolio, err := tx.Portfolio().GetByID(g.PortfolioID)
	if err != nil {
		return translate(err)
	}
	portfolio.CashBalance = portfolio.CashBalance.Add(g.CashReserved)
	if g.BasePosition.GreaterThan(dust) {
		if err := addToHolding(tx.Portfolio(), g.PortfolioID, g.Symbol, g.BasePosition, g.BaseCost, g.LastPrice, m.now()); err != nil {
			return err
		}
	} else {
		// rounding leftovers are not worth a holding
		portfolio.CashBalance = portfolio.CashBalance.Add(g.BaseCost)
	}
	if err := tx.Portfolio().Save(portfolio); err != nil {
		return err
	}

	now := m.now()
	g.CashReserved = decimal.Zero
	g.BasePosition = decimal.Zero
	g.BaseCost = decimal.Zero
	g.Status = status
	g.StoppedAt = &now
	return tx.Grid().Save(g)
}

// Rebalance cancels pending orders, re-centres the band on the current
// price and regenerates orders from the grid's remaining cash and position
func (m *GridManager) Rebalance(ctx context.Context, userID, id string) (*store.Grid, error) {
	g, err := m.Get(userID, id)
	if err != nil {
		return nil, err
	}
	if g.IsTerminal() {
		return nil, fmt.Errorf("%w: grid is %s", ErrInvalidState, g.Status)
	}

	price, err := currentPrice(ctx, m.prices, g.Symbol)
	if err != nil {
		return nil, err
	}
	params := paramsOf(g)
	var history []float64
	if params.Strategy == grid.StrategyAdaptive {
		history, err = recentCloses(ctx, m.prices, g.Symbol, params.VolatilityWindow+1)
		if err != nil {
			logger.Warnf("[Grid] %s history unavailable for rebalance: %v", g.Symbol, err)
		}
	}
	if params.Strategy != grid.StrategyAdaptive || len(history) < 3 {
		if params, err = grid.Rebalance(params, price); err != nil {
			return nil, translate(err)
		}
	}

	var out *store.Grid
	err = m.store.Transaction(func(tx *store.Store) error {
		g, err := tx.Grid().Get(userID, id)
		if err != nil {
			return translate(err)
		}
		if g.IsTerminal() {
			return fmt.Errorf("%w: grid is %s", ErrInvalidState, g.Status)
		}
		if _, err := tx.Grid().CancelPendingOrders(g.ID); err != nil {
			return err
		}

		// the new grid trades whatever the old one holds now
		equity := g.CashReserved.InexactFloat64() + g.BasePosition.InexactFloat64()*price
		params.Investment = equity
		plan, err := grid.BuildPlan(params, price, history)
		if err != nil {
			return translate(err)
		}
		applyParams(g, plan)
		g.Regime = string(plan.Regime)
		g.LastPrice = price

		diff := plan.InitialBuyQuantity - g.BasePosition.InexactFloat64()
		switch {
		case diff > 1e-12:
			if err := m.buyBase(tx, g, diff, price, "rebalance"); err != nil {
				return err
			}
		case diff < -1e-12:
			if err := m.sellBase(tx, g, -diff, price, "rebalance"); err != nil {
				return err
			}
		}

		if err := tx.Grid().CreateOrders(toStoreOrders(g.ID, plan.Orders, nil)); err != nil {
			return err
		}
		out = g
		return tx.Grid().Save(g)
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("[Grid] %s rebalanced around %.4f: [%.4f, %.4f]", out.ID, price, out.LowerPrice, out.UpperPrice)
	return out, nil
}

// sellBase sells surplus position at price into reserved cash
func (m *GridManager) sellBase(tx *store.Store, g *store.Grid, qty, price float64, note string) error {
	q := decimal.NewFromFloat(qty)
	if q.GreaterThan(g.BasePosition) {
		q = g.BasePosition
	}
	if !q.IsPositive() {
		return nil
	}
	proceeds := q.Mul(decimal.NewFromFloat(price))
	costPart := g.BaseCost.Mul(q).Div(g.BasePosition)
	pnl := proceeds.Sub(costPart)

	g.BasePosition = g.BasePosition.Sub(q)
	g.BaseCost = g.BaseCost.Sub(costPart)
	g.CashReserved = g.CashReserved.Add(proceeds)
	g.RealizedProfit = g.RealizedProfit.Add(pnl)
	return m.recordFill(tx, g, store.TxSell, q, decimal.NewFromFloat(price), proceeds, pnl, note)
}

// ==================== Price processing ====================

// ProcessActive runs ProcessPrice for every active grid with a known price
func (m *GridManager) ProcessActive(ctx context.Context, prices map[string]float64) ([]ProcessResult, error) {
	grids, err := m.store.Grid().ListByStatus(store.GridStatusActive)
	if err != nil {
		return nil, err
	}
	var results []ProcessResult
	var errs []error
	for i := range grids {
		g := &grids[i]
		price, ok := prices[g.Symbol]
		if !ok || price <= 0 {
			continue
		}
		res, err := m.ProcessPrice(ctx, g.ID, price)
		if err != nil {
			errs = append(errs, fmt.Errorf("grid %s: %w", g.ID, err))
			continue
		}
		results = append(results, *res)
	}
	return results, errors.Join(errs...)
}

// ProcessPrice fills every pending order the price reaches, books the fills
// against the grid and the portfolio ledger and places the complementary
// orders. Orders placed here are only eligible from the next price on.
func (m *GridManager) ProcessPrice(ctx context.Context, gridID string, price float64) (*ProcessResult, error) {
	if price <= 0 {
		return nil, invalid("price must be positive")
	}
	res := &ProcessResult{GridID: gridID, Price: price}
	var g *store.Grid
	var fills []store.GridOrder

	err := m.store.Transaction(func(tx *store.Store) error {
		var err error
		g, err = tx.Grid().GetByID(gridID)
		if err != nil {
			return translate(err)
		}
		if g.Status != store.GridStatusActive {
			return nil
		}
		g.LastPrice = price

		pending, err := tx.Grid().ListOrders(g.ID, store.OrderStatusPending)
		if err != nil {
			return err
		}
		params := paramsOf(g)
		var spawned []store.GridOrder
		remaining := make([]store.GridOrder, 0, len(pending))

		for i := range pending {
			o := &pending[i]
			order := toGridOrder(*o)
			if !grid.Fills(order, price, price) {
				remaining = append(remaining, *o)
				continue
			}

			qty, ok := fill(g, order)
			if !ok {
				o.Status = store.OrderStatusFailed
				if err := tx.Grid().SaveOrder(o); err != nil {
					return err
				}
				res.Failed++
				logger.Warnf("[Grid] %s %s order %s at %.4f failed: insufficient funds", g.ID, o.Side, o.ID, o.Price)
				continue
			}

			// the dust clamp may trim the fill; the pair order and the
			// cycle profit follow what actually traded
			order.Quantity = qty.InexactFloat64()
			now := m.now()
			o.Quantity = order.Quantity
			o.Status = store.OrderStatusFilled
			o.FilledPrice = o.Price
			o.FilledAt = &now
			if err := tx.Grid().SaveOrder(o); err != nil {
				return err
			}
			if err := m.bookFill(tx, g, o, order, qty, res); err != nil {
				return err
			}
			fills = append(fills, *o)
			metrics.GridOrdersFilled.WithLabelValues(o.Side).Inc()

			parent := o.ID
			next := grid.Complementary(params, order, o.Price)
			spawned = append(spawned, toStoreOrders(g.ID, []grid.Order{next}, &parent)...)
		}

		if err := tx.Grid().CreateOrders(spawned); err != nil {
			return err
		}
		res.Spawned = len(spawned)
		remaining = append(remaining, spawned...)

		if exhausted(params, price, remaining) {
			res.Completed = true
			return m.settle(tx, g, store.GridStatusCompleted)
		}
		return tx.Grid().Save(g)
	})
	if err != nil {
		return nil, err
	}

	if res.Completed {
		m.refreshActiveGauge()
		logger.Infof("[Grid] %s completed: price %.4f left [%.4f, %.4f]", g.ID, price, g.LowerPrice, g.UpperPrice)
	}
	if len(fills) > 0 {
		logger.Infof("[Grid] %s @ %.4f: %d filled, %d failed, %d placed", g.ID, price, res.Filled, res.Failed, res.Spawned)
		m.notifyFills(ctx, g, fills, res)
	}
	return res, nil
}

// dust absorbs float-to-decimal rounding between order quantities and the
// position they were sized from
var dust = decimal.New(1, -9)

// fill checks that the grid can fund the order and moves cash and position.
// It returns the quantity actually traded.
func fill(g *store.Grid, order grid.Order) (decimal.Decimal, bool) {
	qty := decimal.NewFromFloat(order.Quantity)
	px := decimal.NewFromFloat(order.Price)

	if order.Side == grid.SideBuy {
		notional := qty.Mul(px)
		if notional.GreaterThan(g.CashReserved) {
			if notional.Sub(g.CashReserved).GreaterThan(dust) {
				return decimal.Zero, false
			}
			notional = g.CashReserved
			qty = notional.Div(px)
		}
		g.CashReserved = g.CashReserved.Sub(notional)
		g.BasePosition = g.BasePosition.Add(qty)
		g.BaseCost = g.BaseCost.Add(notional)
		return qty, true
	}

	if qty.GreaterThan(g.BasePosition) {
		if qty.Sub(g.BasePosition).GreaterThan(dust) {
			return decimal.Zero, false
		}
		qty = g.BasePosition
	}
	if !qty.IsPositive() {
		return decimal.Zero, false
	}
	costPart := g.BaseCost.Mul(qty).Div(g.BasePosition)
	g.BasePosition = g.BasePosition.Sub(qty)
	g.BaseCost = g.BaseCost.Sub(costPart)
	g.CashReserved = g.CashReserved.Add(qty.Mul(px))
	return qty, true
}

// bookFill writes the ledger row and updates profit counters
func (m *GridManager) bookFill(tx *store.Store, g *store.Grid, o *store.GridOrder, order grid.Order, qty decimal.Decimal, res *ProcessResult) error {
	px := decimal.NewFromFloat(order.Price)
	res.Filled++

	if order.Side == grid.SideBuy {
		return m.recordFill(tx, g, store.TxBuy, qty, px, qty.Mul(px), decimal.Zero,
			fmt.Sprintf("grid buy L%d", o.LevelIndex))
	}

	profit := decimal.NewFromFloat(grid.CycleProfit(order, order.Price))
	g.RealizedProfit = g.RealizedProfit.Add(profit)
	g.CompletedCycles++
	res.Profit += profit.InexactFloat64()
	return m.recordFill(tx, g, store.TxSell, qty, px, qty.Mul(px), profit,
		fmt.Sprintf("grid sell L%d", o.LevelIndex))
}

// exhausted reports whether price has left the band with nothing left to
// trade on that side: above the band no sell is pending, below it no buy is
func exhausted(p grid.Params, price float64, pending []store.GridOrder) bool {
	if grid.InBand(p, price) {
		return false
	}
	side := string(grid.SideSell)
	if price < p.LowerPrice {
		side = string(grid.SideBuy)
	}
	for _, o := range pending {
		if o.Side == side {
			return false
		}
	}
	return true
}

func (m *GridManager) notifyFills(ctx context.Context, g *store.Grid, fills []store.GridOrder, res *ProcessResult) {
	profile, err := m.store.User().GetProfile(g.UserID)
	if err != nil || !profile.NotifyFills || profile.TelegramChatID == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📈 %s (%s) @ %.4f\n", g.Name, g.Symbol, res.Price)
	for _, f := range fills {
		fmt.Fprintf(&b, "%s %.6f @ %.4f\n", strings.ToUpper(f.Side), f.Quantity, f.FilledPrice)
	}
	if res.Profit != 0 {
		fmt.Fprintf(&b, "profit %.2f, total %s", res.Profit, g.RealizedProfit.StringFixed(2))
	}
	if res.Completed {
		b.WriteString("\ngrid completed")
	}
	if err := m.notifier.Notify(ctx, profile.TelegramChatID, b.String()); err != nil {
		logger.Warnf("[Grid] fill notification failed: %v", err)
	}
}

func (m *GridManager) refreshActiveGauge() {
	n, err := m.store.Grid().CountByStatus(store.GridStatusActive)
	if err != nil {
		return
	}
	metrics.ActiveGrids.Set(float64(n))
}

// RefreshActiveGauge recomputes the active grid gauge (startup)
func (m *GridManager) RefreshActiveGauge() {
	m.refreshActiveGauge()
}

// ==================== Conversions ====================

func paramsOf(g *store.Grid) grid.Params {
	return grid.Params{
		Strategy:             grid.Strategy(g.Strategy),
		LowerPrice:           g.LowerPrice,
		UpperPrice:           g.UpperPrice,
		GridCount:            g.GridCount,
		Investment:           g.InvestmentAmount.InexactFloat64(),
		Spread:               g.SpreadPct,
		MartingaleMultiplier: g.MartingaleMultiplier,
		VolatilityWindow:     g.VolatilityWindow,
		VolatilityK:          g.VolatilityK,
	}.WithDefaults()
}

// applyParams copies the resolved band of a plan onto the grid row
func applyParams(g *store.Grid, plan *grid.Plan) {
	p := plan.Params
	g.Strategy = string(p.Strategy)
	g.LowerPrice = p.LowerPrice
	g.UpperPrice = p.UpperPrice
	g.GridCount = p.GridCount
	g.GridSpacing = plan.Spacing
	g.SpreadPct = p.Spread
}

func toGridOrder(o store.GridOrder) grid.Order {
	return grid.Order{
		LevelIndex: o.LevelIndex,
		Side:       grid.Side(o.Side),
		Price:      o.Price,
		Quantity:   o.Quantity,
		PairPrice:  o.PairPrice,
	}
}

func toStoreOrders(gridID string, orders []grid.Order, parent *string) []store.GridOrder {
	out := make([]store.GridOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, store.GridOrder{
			GridID:        gridID,
			LevelIndex:    o.LevelIndex,
			Side:          string(o.Side),
			Price:         o.Price,
			Quantity:      o.Quantity,
			PairPrice:     o.PairPrice,
			Status:        store.OrderStatusPending,
			ParentOrderID: parent,
		})
	}
	return out
}

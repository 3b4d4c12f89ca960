package store

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(DBConfig{Type: DBTypeSQLite, Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func createUser(t *testing.T, st *Store, email string) *User {
	t.Helper()
	u := &User{Email: email, PasswordHash: "hash"}
	require.NoError(t, st.User().Create(u))
	return u
}

func TestUserCreateAndProfile(t *testing.T) {
	st := newTestStore(t)

	u := createUser(t, st, "  Alice@Example.com ")
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "alice@example.com", u.Email)

	err := st.User().Create(&User{Email: "alice@example.com", PasswordHash: "x"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	got, err := st.User().GetByEmail("ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = st.User().GetByID("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	profile, err := st.User().GetProfile(u.ID)
	require.NoError(t, err)
	assert.Equal(t, "USD", profile.BaseCurrency)
	assert.True(t, profile.NotifyAlerts)

	profile.TelegramChatID = 42
	profile.NotifyFills = false
	require.NoError(t, st.User().SaveProfile(profile))
	profile, err = st.User().GetProfile(u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), profile.TelegramChatID)
	assert.False(t, profile.NotifyFills)

	require.NoError(t, st.User().SetOTPSecret(u.ID, "SECRET"))
	require.NoError(t, st.User().EnableOTP(u.ID))
	got, err = st.User().GetByID(u.ID)
	require.NoError(t, err)
	assert.True(t, got.OTPEnabled)
	assert.Equal(t, "SECRET", got.OTPSecret)
	assert.ErrorIs(t, st.User().EnableOTP("nobody"), ErrNotFound)
}

func TestPortfolioScopingAndCascade(t *testing.T) {
	st := newTestStore(t)
	alice := createUser(t, st, "alice@example.com")
	bob := createUser(t, st, "bob@example.com")

	p := &Portfolio{UserID: alice.ID, Name: "Main", InitialCapital: decimal.NewFromInt(1000), CashBalance: decimal.NewFromInt(1000)}
	require.NoError(t, st.Portfolio().Create(p))

	_, err := st.Portfolio().Get(bob.ID, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := st.Portfolio().Get(alice.ID, p.ID)
	require.NoError(t, err)
	assert.True(t, got.CashBalance.Equal(decimal.NewFromInt(1000)), got.CashBalance.String())

	h := &Holding{PortfolioID: p.ID, Symbol: "AAPL", Quantity: decimal.NewFromFloat(1.5), AverageCost: decimal.NewFromInt(100)}
	require.NoError(t, st.Portfolio().SaveHolding(h))
	require.NoError(t, st.Portfolio().CreateTransaction(&Transaction{PortfolioID: p.ID, Symbol: "AAPL", Type: TxBuy, TotalAmount: decimal.NewFromInt(150)}))
	require.NoError(t, st.Equity().Save(&PortfolioSnapshot{PortfolioID: p.ID, TotalValue: 1000}))

	symbols, err := st.Portfolio().HeldSymbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, symbols)

	loaded, err := st.Portfolio().GetHolding(p.ID, "AAPL")
	require.NoError(t, err)
	assert.True(t, loaded.Quantity.Equal(decimal.NewFromFloat(1.5)))

	assert.ErrorIs(t, st.Portfolio().Delete(bob.ID, p.ID), ErrNotFound)
	require.NoError(t, st.Portfolio().Delete(alice.ID, p.ID))

	holdings, err := st.Portfolio().ListHoldings(p.ID)
	require.NoError(t, err)
	assert.Empty(t, holdings)
	txs, err := st.Portfolio().ListTransactions(p.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
	snaps, err := st.Equity().GetLatest(p.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestPortfolioDeleteRemovesItsGrids(t *testing.T) {
	st := newTestStore(t)
	u := createUser(t, st, "dave@example.com")
	p := &Portfolio{UserID: u.ID, Name: "Main", InitialCapital: decimal.NewFromInt(1000), CashBalance: decimal.NewFromInt(1000)}
	other := &Portfolio{UserID: u.ID, Name: "Other", InitialCapital: decimal.NewFromInt(1000), CashBalance: decimal.NewFromInt(1000)}
	require.NoError(t, st.Portfolio().Create(p))
	require.NoError(t, st.Portfolio().Create(other))

	newGrid := func(portfolioID string) *Grid {
		g := &Grid{
			PortfolioID:      portfolioID,
			UserID:           u.ID,
			Symbol:           "AAPL",
			LowerPrice:       90,
			UpperPrice:       110,
			GridCount:        2,
			InvestmentAmount: decimal.NewFromInt(100),
			CashReserved:     decimal.Zero,
			Status:           GridStatusCancelled,
		}
		require.NoError(t, st.Grid().Create(g))
		require.NoError(t, st.Grid().CreateOrders([]GridOrder{
			{GridID: g.ID, Side: "buy", Price: 95, Quantity: 1, Status: OrderStatusCancelled},
			{GridID: g.ID, Side: "sell", Price: 105, Quantity: 1, Status: OrderStatusFilled},
		}))
		return g
	}
	first, second := newGrid(p.ID), newGrid(p.ID)
	kept := newGrid(other.ID)

	require.NoError(t, st.Portfolio().Delete(u.ID, p.ID))

	grids, err := st.Grid().ListByPortfolio(p.ID)
	require.NoError(t, err)
	assert.Empty(t, grids)
	for _, g := range []*Grid{first, second} {
		orders, err := st.Grid().ListOrders(g.ID, "")
		require.NoError(t, err)
		assert.Empty(t, orders)
	}

	orders, err := st.Grid().ListOrders(kept.ID, "")
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	_, err = st.Grid().GetByID(kept.ID)
	assert.NoError(t, err)
}

func TestTargetedUpdatesKeepOtherColumns(t *testing.T) {
	st := newTestStore(t)
	u := createUser(t, st, "erin@example.com")
	p := &Portfolio{UserID: u.ID, Name: "Main", InitialCapital: decimal.NewFromInt(1000), CashBalance: decimal.NewFromInt(1000)}
	require.NoError(t, st.Portfolio().Create(p))

	// a stale copy is renamed while the cash moved underneath it
	stale, err := st.Portfolio().Get(u.ID, p.ID)
	require.NoError(t, err)
	fresh, err := st.Portfolio().Get(u.ID, p.ID)
	require.NoError(t, err)
	fresh.CashBalance = decimal.NewFromInt(400)
	require.NoError(t, st.Portfolio().Save(fresh))

	require.NoError(t, st.Portfolio().UpdateDetails(u.ID, stale.ID, map[string]interface{}{"name": "Renamed"}))
	got, err := st.Portfolio().Get(u.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.True(t, got.CashBalance.Equal(decimal.NewFromInt(400)), got.CashBalance.String())
	assert.ErrorIs(t, st.Portfolio().UpdateDetails("someone-else", p.ID, map[string]interface{}{"name": "x"}), ErrNotFound)

	h := &Holding{PortfolioID: p.ID, Symbol: "AAPL", Quantity: decimal.NewFromInt(10), AverageCost: decimal.NewFromInt(100)}
	require.NoError(t, st.Portfolio().SaveHolding(h))
	staleHolding := *h
	h.Quantity = decimal.NewFromInt(15)
	require.NoError(t, st.Portfolio().SaveHolding(h))

	staleHolding.CurrentPrice = 120
	staleHolding.MarketValue = 1200
	require.NoError(t, st.Portfolio().UpdateValuation(&staleHolding))
	loaded, err := st.Portfolio().GetHoldingByID(h.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Quantity.Equal(decimal.NewFromInt(15)), loaded.Quantity.String())
	assert.Equal(t, 120.0, loaded.CurrentPrice)

	g := &Grid{
		PortfolioID:      p.ID,
		UserID:           u.ID,
		Symbol:           "AAPL",
		LowerPrice:       90,
		UpperPrice:       110,
		GridCount:        2,
		InvestmentAmount: decimal.NewFromInt(100),
		CashReserved:     decimal.NewFromInt(100),
		Status:           GridStatusActive,
	}
	require.NoError(t, st.Grid().Create(g))
	g.CashReserved = decimal.NewFromInt(40)
	require.NoError(t, st.Grid().Save(g))

	moved, err := st.Grid().UpdateStatus(u.ID, g.ID, GridStatusActive, GridStatusPaused)
	require.NoError(t, err)
	assert.True(t, moved)
	moved, err = st.Grid().UpdateStatus(u.ID, g.ID, GridStatusActive, GridStatusPaused)
	require.NoError(t, err)
	assert.False(t, moved)
	moved, err = st.Grid().UpdateStatus("someone-else", g.ID, GridStatusPaused, GridStatusActive)
	require.NoError(t, err)
	assert.False(t, moved)

	paused, err := st.Grid().GetByID(g.ID)
	require.NoError(t, err)
	assert.Equal(t, GridStatusPaused, paused.Status)
	assert.True(t, paused.CashReserved.Equal(decimal.NewFromInt(40)))
}

func TestTransactionRollsBack(t *testing.T) {
	st := newTestStore(t)
	u := createUser(t, st, "carol@example.com")
	p := &Portfolio{UserID: u.ID, Name: "P", InitialCapital: decimal.NewFromInt(10), CashBalance: decimal.NewFromInt(10)}
	require.NoError(t, st.Portfolio().Create(p))

	boom := errors.New("boom")
	err := st.Transaction(func(tx *Store) error {
		p.CashBalance = decimal.Zero
		if err := tx.Portfolio().Save(p); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := st.Portfolio().Get(u.ID, p.ID)
	require.NoError(t, err)
	assert.True(t, got.CashBalance.Equal(decimal.NewFromInt(10)))
}

func TestGridOrders(t *testing.T) {
	st := newTestStore(t)
	g := &Grid{
		PortfolioID:      "p1",
		UserID:           "u1",
		Symbol:           "BTCUSDT",
		LowerPrice:       100,
		UpperPrice:       200,
		GridCount:        4,
		InvestmentAmount: decimal.NewFromInt(400),
		CashReserved:     decimal.NewFromInt(400),
		Status:           GridStatusActive,
	}
	require.NoError(t, st.Grid().Create(g))

	orders := []GridOrder{
		{GridID: g.ID, LevelIndex: 0, Side: "buy", Price: 112, Quantity: 1, Status: OrderStatusPending},
		{GridID: g.ID, LevelIndex: 1, Side: "buy", Price: 137, Quantity: 1, Status: OrderStatusFilled},
		{GridID: g.ID, LevelIndex: 2, Side: "sell", Price: 163, Quantity: 1, Status: OrderStatusPending},
	}
	require.NoError(t, st.Grid().CreateOrders(orders))

	pending, err := st.Grid().ListOrders(g.ID, OrderStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	stats, err := st.Grid().GetStatistics(g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["buy_fills"])
	assert.Equal(t, int64(2), stats["pending_orders"])

	n, err := st.Grid().CancelPendingOrders(g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pending, err = st.Grid().ListOrders(g.ID, OrderStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	symbols, err := st.Grid().ActiveSymbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, symbols)

	_, err = st.Grid().Get("other-user", g.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarketDataUpsert(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.MarketData().Upsert(&MarketData{Symbol: "AAPL", Price: 100, Provider: "yahoo"}))
	require.NoError(t, st.MarketData().Upsert(&MarketData{Symbol: "AAPL", Price: 101, Provider: "yahoo"}))

	md, err := st.MarketData().Get("AAPL")
	require.NoError(t, err)
	assert.Equal(t, 101.0, md.Price)

	many, err := st.MarketData().GetMany([]string{"AAPL", "MSFT"})
	require.NoError(t, err)
	assert.Len(t, many, 1)
}

func TestAlertTriggersOnce(t *testing.T) {
	st := newTestStore(t)
	a := &Alert{UserID: "u1", Symbol: "AAPL", Condition: AlertAbove, TargetPrice: 150}
	require.NoError(t, st.Alert().Create(a))

	active, err := st.Alert().ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)

	ok, err := st.Alert().MarkTriggered(a.ID, 151, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.Alert().MarkTriggered(a.ID, 152, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	active, err = st.Alert().ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.ErrorIs(t, st.Alert().Delete("u2", a.ID), ErrNotFound)
	assert.NoError(t, st.Alert().Delete("u1", a.ID))
}

func TestTokenLifecycle(t *testing.T) {
	st := newTestStore(t)
	past := time.Now().Add(-time.Hour)
	tok := &APIToken{UserID: "u1", Name: "ci", TokenPrefix: "gtp_abcd", TokenHash: "h1"}
	require.NoError(t, st.Token().Create(tok))

	got, err := st.Token().GetByHash("h1")
	require.NoError(t, err)
	assert.True(t, got.Usable(time.Now()))

	got.ExpiresAt = &past
	assert.False(t, got.Usable(time.Now()))

	assert.ErrorIs(t, st.Token().Revoke("u2", tok.ID), ErrNotFound)
	require.NoError(t, st.Token().Revoke("u1", tok.ID))
	got, err = st.Token().GetByHash("h1")
	require.NoError(t, err)
	assert.False(t, got.Usable(time.Now()))
}

func TestEquityChronological(t *testing.T) {
	st := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.Equity().Save(&PortfolioSnapshot{PortfolioID: "p1", Timestamp: base.Add(time.Duration(i) * time.Hour), TotalValue: float64(100 + i)}))
	}

	snaps, err := st.Equity().GetLatest("p1", 3)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, 102.0, snaps[0].TotalValue)
	assert.Equal(t, 104.0, snaps[2].TotalValue)
}

func TestBacktestRuns(t *testing.T) {
	st := newTestStore(t)
	run := &BacktestRun{UserID: "u1", Symbol: "AAPL", State: RunStateCompleted, ConfigJSON: "{}", MetricsJSON: "{}"}
	require.NoError(t, st.Backtest().Save(run))

	runs, err := st.Backtest().List("u1", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = st.Backtest().Get("u2", run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, st.Backtest().Delete("u1", run.ID))
}

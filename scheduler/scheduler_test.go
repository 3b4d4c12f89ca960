package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/grid"
	"gridtrader/manager"
	"gridtrader/market"
	"gridtrader/metrics"
	"gridtrader/notify"
	"gridtrader/store"
)

func TestSchedulerRunsImmediatelyAndOnInterval(t *testing.T) {
	s := New()
	var runs int32
	s.Add("counter", 10*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	s.Start()
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	after := atomic.LoadInt32(&runs)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&runs), "no runs after Stop")

	// Stop twice is a no-op
	s.Stop()
}

func TestSchedulerStopCancelsInFlightRun(t *testing.T) {
	s := New()
	started := make(chan struct{})
	s.Add("blocking", time.Hour, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	s.Start()
	<-started

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestSchedulerTicksDoNotOverlap(t *testing.T) {
	s := New()
	var active, maxActive int32
	s.Add("slow", time.Millisecond, func(ctx context.Context) error {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	})
	s.Start()
	time.Sleep(40 * time.Millisecond)
	s.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestSchedulerCountsErrorsAndPanics(t *testing.T) {
	before := testutil.ToFloat64(metrics.SchedulerTaskErrors.WithLabelValues("failing_task"))

	s := New()
	var mu sync.Mutex
	calls := 0
	s.Add("failing_task", time.Hour, func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("boom")
	})
	s.Add("panicking_task", time.Hour, func(ctx context.Context) error {
		panic("bad")
	})
	s.Start()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.SchedulerTaskErrors.WithLabelValues("failing_task")) == before+1 &&
			testutil.ToFloat64(metrics.SchedulerTaskErrors.WithLabelValues("panicking_task")) >= 1
	}, time.Second, 5*time.Millisecond)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

// ==================== Jobs ====================

type stubQuotes struct {
	mu     sync.Mutex
	prices map[string]float64
	asked  []string
}

func (s *stubQuotes) Quotes(_ context.Context, symbols []string) map[string]*market.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append([]string(nil), symbols...)
	out := make(map[string]*market.Quote)
	for _, sym := range symbols {
		if p, ok := s.prices[sym]; ok {
			out[sym] = &market.Quote{Symbol: sym, Price: p, Provider: "stub"}
		}
	}
	return out
}

func (s *stubQuotes) Quote(_ context.Context, symbol string) (*market.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[symbol]
	if !ok {
		return nil, market.ErrSymbolNotFound
	}
	return &market.Quote{Symbol: symbol, Price: p}, nil
}

func (s *stubQuotes) History(context.Context, string, time.Time, time.Time) ([]market.Candle, error) {
	return nil, market.ErrNoData
}

func (s *stubQuotes) set(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

type jobsEnv struct {
	jobs   *Jobs
	quotes *stubQuotes
	userID string
	pid    string
}

func newJobsEnv(t *testing.T) *jobsEnv {
	t.Helper()
	st, err := store.Open(store.DBConfig{Type: store.DBTypeSQLite, Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	u := &store.User{Email: "jobs@example.com", PasswordHash: "x"}
	require.NoError(t, st.User().Create(u))

	quotes := &stubQuotes{prices: map[string]float64{}}
	rec := &notify.Recorder{}
	jobs := &Jobs{
		Store:      st,
		Quotes:     quotes,
		Portfolios: manager.NewPortfolioManager(st, quotes),
		Grids:      manager.NewGridManager(st, quotes, rec),
		Alerts:     manager.NewAlertManager(st, rec),
	}
	p, err := jobs.Portfolios.Create(u.ID, manager.CreatePortfolioInput{Name: "Jobs", InitialCapital: 10000})
	require.NoError(t, err)
	return &jobsEnv{jobs: jobs, quotes: quotes, userID: u.ID, pid: p.ID}
}

func TestRefreshPricesStoresQuotesAndRevaluesHoldings(t *testing.T) {
	env := newJobsEnv(t)
	_, err := env.jobs.Portfolios.RecordTransaction(env.userID, env.pid, manager.TransactionInput{
		Symbol: "MSFT", Type: store.TxBuy, Quantity: 2, Price: 100,
	})
	require.NoError(t, err)
	_, err = env.jobs.Alerts.Create(env.userID, manager.CreateAlertInput{Symbol: "TSLA", Condition: "above", TargetPrice: 500})
	require.NoError(t, err)

	env.quotes.set("MSFT", 120)
	env.quotes.set("TSLA", 300)
	require.NoError(t, env.jobs.RefreshPrices(context.Background()))

	assert.ElementsMatch(t, []string{"MSFT", "TSLA"}, env.quotes.asked)

	md, err := env.jobs.Store.MarketData().Get("MSFT")
	require.NoError(t, err)
	assert.Equal(t, 120.0, md.Price)
	assert.Equal(t, "stub", md.Provider)

	h, err := env.jobs.Store.Portfolio().GetHolding(env.pid, "MSFT")
	require.NoError(t, err)
	assert.InDelta(t, 240, h.MarketValue, 1e-9)
	assert.InDelta(t, 40, h.UnrealizedPnL, 1e-9)
}

func TestProcessGridsUsesStoredPrices(t *testing.T) {
	env := newJobsEnv(t)
	env.quotes.set("AAPL", 100)
	g, err := env.jobs.Grids.Create(context.Background(), env.userID, manager.CreateGridInput{
		PortfolioID: env.pid,
		Symbol:      "AAPL",
		Params:      grid.Params{LowerPrice: 90, UpperPrice: 110, GridCount: 10, Investment: 5000},
	})
	require.NoError(t, err)

	// the live quote moved but nothing was refreshed yet
	env.quotes.set("AAPL", 95)
	require.NoError(t, env.jobs.ProcessGrids(context.Background()))
	filled, err := env.jobs.Grids.Orders(env.userID, g.ID, store.OrderStatusFilled)
	require.NoError(t, err)
	assert.Empty(t, filled)

	require.NoError(t, env.jobs.RefreshPrices(context.Background()))
	require.NoError(t, env.jobs.ProcessGrids(context.Background()))
	filled, err = env.jobs.Grids.Orders(env.userID, g.ID, store.OrderStatusFilled)
	require.NoError(t, err)
	assert.Len(t, filled, 2)
}

func TestStalePricesAreSkipped(t *testing.T) {
	env := newJobsEnv(t)
	_, err := env.jobs.Alerts.Create(env.userID, manager.CreateAlertInput{Symbol: "TSLA", Condition: "below", TargetPrice: 200})
	require.NoError(t, err)
	require.NoError(t, env.jobs.Store.MarketData().Upsert(&store.MarketData{
		Symbol:    "TSLA",
		Price:     150,
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	}))

	env.jobs.MaxPriceAge = 10 * time.Minute
	require.NoError(t, env.jobs.CheckAlerts(context.Background()))
	alerts, err := env.jobs.Alerts.List(env.userID)
	require.NoError(t, err)
	assert.True(t, alerts[0].IsActive)

	env.jobs.MaxPriceAge = 0
	require.NoError(t, env.jobs.CheckAlerts(context.Background()))
	alerts, err = env.jobs.Alerts.List(env.userID)
	require.NoError(t, err)
	assert.False(t, alerts[0].IsActive)
}

func TestTakeSnapshots(t *testing.T) {
	env := newJobsEnv(t)
	require.NoError(t, env.jobs.TakeSnapshots(context.Background()))

	snaps, err := env.jobs.Store.Equity().GetLatest(env.pid, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.InDelta(t, 10000, snaps[0].TotalValue, 1e-9)
}

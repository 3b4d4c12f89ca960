package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"gridtrader/api"
	"gridtrader/auth"
	"gridtrader/backtest"
	"gridtrader/config"
	"gridtrader/crypto"
	"gridtrader/grid"
	"gridtrader/logger"
	"gridtrader/manager"
	"gridtrader/market"
	"gridtrader/notify"
	"gridtrader/scheduler"
	"gridtrader/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Errorf("❌ %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:          "gridtrader",
		Short:        "GridTrader Pro - portfolio tracking and grid trading",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional; real environment variables win
			_ = godotenv.Load()
			config.Init()
			cfg := config.Get()
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if err := logger.Init(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
				return err
			}
			auth.SetJWTSecret(cfg.JWTSecret)
			auth.SetTokenTTL(cfg.JWTTTL)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(true)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the background scheduler",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(true)
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run only the background scheduler",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(false)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := openStore(config.Get())
				if err != nil {
					return err
				}
				logger.Info("✅ Schema up to date")
				return st.Close()
			},
		},
		newBacktestCmd(),
		&cobra.Command{
			Use:   "keygen",
			Short: "Print a random DATA_ENCRYPTION_KEY",
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := crypto.GenerateDataKey()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", crypto.EnvDataEncryptionKey, key)
				return nil
			},
		},
	)
	return root
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(store.DBConfig{
		Type:     store.DBType(cfg.DBType),
		Path:     cfg.DBPath,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Name:     cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
}

// runServe starts the scheduler and, when withAPI is set, the HTTP server,
// then blocks until SIGINT/SIGTERM
func runServe(withAPI bool) error {
	cfg := config.Get()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("╔════════════════════════════════════════════╗")
	logger.Info("║            GridTrader Pro starting         ║")
	logger.Info("╚════════════════════════════════════════════╝")

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	md := market.NewService(ctx, cfg)
	logger.Infof("✓ Market data provider: %s", md.Name())
	notifier := notify.New(cfg.TelegramBotToken)

	portfolios := manager.NewPortfolioManager(st, md)
	grids := manager.NewGridManager(st, md, notifier)
	alerts := manager.NewAlertManager(st, notifier)
	backtests := manager.NewBacktestManager(st, md)
	grids.RefreshActiveGauge()

	jobs := &scheduler.Jobs{
		Store:       st,
		Quotes:      md,
		Portfolios:  portfolios,
		Grids:       grids,
		Alerts:      alerts,
		MaxPriceAge: 3 * cfg.PriceRefreshInterval,
	}
	sched := scheduler.New()
	jobs.Register(sched, cfg)
	sched.Start()

	if cfg.DataEncryptionKey == "" {
		logger.Warn("⚠️  DATA_ENCRYPTION_KEY not set, TOTP secrets are stored unencrypted")
	}

	if cfg.BinanceStream {
		if symbols, err := jobs.TrackedSymbols(); err != nil {
			logger.Warnf("⚠️  Could not list tracked symbols for the ticker stream: %v", err)
		} else if err := md.StartTickerStream(ctx, symbols); err != nil {
			logger.Warnf("⚠️  Binance ticker stream unavailable, polling only: %v", err)
		}
	}

	var server *api.Server
	serverErr := make(chan error, 1)
	if withAPI {
		server = api.NewServer(st, md, portfolios, grids, alerts, backtests, api.Options{
			Port:                cfg.APIServerPort,
			RegistrationEnabled: cfg.RegistrationEnabled,
			DataKey:             cfg.DataEncryptionKey,
			RateLimit:           cfg.APIRateLimit,
			RateBurst:           cfg.APIRateBurst,
		})
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	logger.Info("Press Ctrl+C to stop")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigChan:
		logger.Info("📛 Shutdown signal received, stopping...")
	case runErr = <-serverErr:
		logger.Errorf("❌ API server error: %v", runErr)
	}

	// step 1: no new ticks, wait for in-flight runs
	sched.Stop()

	// step 2: drain HTTP
	if server != nil {
		if err := server.Shutdown(); err != nil {
			logger.Warnf("⚠️  Error shutting down API server: %v", err)
		} else {
			logger.Info("✅ API server stopped")
		}
	}

	// step 3: upstream connections
	if err := md.Close(); err != nil {
		logger.Warnf("⚠️  Error closing market data: %v", err)
	}

	// step 4: database last so every write lands
	if err := st.Close(); err != nil {
		logger.Errorf("❌ Failed to close database: %v", err)
	} else {
		logger.Info("✅ Database closed")
	}
	return runErr
}

func newBacktestCmd() *cobra.Command {
	var (
		in       manager.BacktestInput
		strategy string
		save     bool
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Simulate a grid over daily history and print the metrics",
		Example: "  gridtrader backtest --symbol AAPL --lower 150 --upper 200 --grids 10 --investment 10000\n" +
			"  gridtrader backtest --symbol BTCUSDT --strategy adaptive --grids 20 --investment 5000 --days 180",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			md := market.NewService(ctx, cfg)
			defer md.Close()

			var st *store.Store
			if save {
				var err error
				if st, err = openStore(cfg); err != nil {
					return err
				}
				defer st.Close()
			}

			in.Strategy = grid.Strategy(strings.ToLower(strategy))
			result, err := manager.NewBacktestManager(st, md).Run(ctx, "cli", in)
			if err != nil {
				return err
			}
			printBacktest(cmd, result.Config.Symbol, result.Metrics)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&in.Symbol, "symbol", "", "ticker, e.g. AAPL or BTCUSDT")
	f.Float64Var(&in.LowerPrice, "lower", 0, "lower band price (adaptive derives it when omitted)")
	f.Float64Var(&in.UpperPrice, "upper", 0, "upper band price")
	f.IntVar(&in.GridCount, "grids", 10, "number of grid levels")
	f.Float64Var(&in.Investment, "investment", 10000, "capital allocated to the grid")
	f.StringVar(&strategy, "strategy", string(grid.StrategyStatic), "static, adaptive or martingale")
	f.IntVar(&in.Days, "days", 365, "days of daily history")
	f.Float64Var(&in.FeeRate, "fee", 0, "fee per fill as a fraction of notional")
	f.BoolVar(&save, "save", false, "record the run in the database")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}

func printBacktest(cmd *cobra.Command, symbol string, m backtest.Metrics) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Backtest %s\n", symbol)
	fmt.Fprintf(out, "  total return     %8.2f%%\n", m.TotalReturnPct)
	fmt.Fprintf(out, "  buy & hold       %8.2f%%\n", m.BuyHoldReturnPct)
	fmt.Fprintf(out, "  max drawdown     %8.2f%%\n", m.MaxDrawdownPct)
	fmt.Fprintf(out, "  sharpe           %8.2f\n", m.SharpeRatio)
	fmt.Fprintf(out, "  trades           %8d\n", m.Trades)
	fmt.Fprintf(out, "  completed cycles %8d\n", m.CompletedCycles)
	fmt.Fprintf(out, "  win rate         %8.2f%%\n", m.WinRate)
	fmt.Fprintf(out, "  realized profit  %8.2f\n", m.RealizedProfit)
	fmt.Fprintf(out, "  fees             %8.2f\n", m.TotalFees)
	fmt.Fprintf(out, "  final equity     %8.2f\n", m.FinalEquity)
}

package backtest

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// CalculateMetrics summarises an equity curve and its trades
func CalculateMetrics(initialBalance float64, points []EquityPoint, trades []Trade) Metrics {
	m := Metrics{}
	if initialBalance <= 0 {
		initialBalance = 1
	}

	lastEquity := initialBalance
	if len(points) > 0 && points[len(points)-1].Equity > 0 {
		lastEquity = points[len(points)-1].Equity
	}
	m.FinalEquity = lastEquity
	m.TotalReturnPct = (lastEquity - initialBalance) / initialBalance * 100

	equity := make([]float64, len(points))
	for i, pt := range points {
		equity[i] = pt.Equity
	}
	m.MaxDrawdownPct = MaxDrawdown(equity)
	m.SharpeRatio = SharpeRatio(equity)

	fillTradeMetrics(&m, trades)
	return m
}

// MaxDrawdown largest peak-to-trough decline in percent
func MaxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	if peak <= 0 {
		peak = 1
	}
	maxDD := 0.0
	for _, eq := range equity {
		if eq > peak {
			peak = eq
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - eq) / peak * 100; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// SharpeRatio annualised (√252) ratio of mean to sample standard deviation of
// period returns, risk-free rate zero. Returns 0 below 10 points or with flat equity.
func SharpeRatio(equity []float64) float64 {
	const minDataPoints = 10
	if len(equity) < minDataPoints {
		return 0
	}

	returns := make([]float64, 0, len(equity)-1)
	prev := equity[0]
	for i := 1; i < len(equity); i++ {
		curr := equity[i]
		if prev <= 0 {
			prev = curr
			continue
		}
		returns = append(returns, (curr-prev)/prev)
		prev = curr
	}
	if len(returns) < minDataPoints-1 {
		return 0
	}

	mean, std := stat.MeanStdDev(returns, nil)
	if std < 1e-10 {
		return 0
	}
	return mean / std * math.Sqrt(252)
}

func fillTradeMetrics(m *Metrics, trades []Trade) {
	winTrades, lossTrades := 0, 0
	totalWin, totalLoss := 0.0, 0.0

	for _, t := range trades {
		m.TotalFees += t.Fee
		m.Trades++
		if t.Side != "sell" {
			continue
		}
		m.RealizedProfit += t.RealizedPnL
		if t.RealizedPnL > 0 {
			winTrades++
			totalWin += t.RealizedPnL
		} else if t.RealizedPnL < 0 {
			lossTrades++
			totalLoss += -t.RealizedPnL
		}
	}

	closed := winTrades + lossTrades
	if closed > 0 {
		m.WinRate = float64(winTrades) / float64(closed) * 100
	}
	if winTrades > 0 {
		m.AvgWin = totalWin / float64(winTrades)
	}
	if lossTrades > 0 {
		m.AvgLoss = -(totalLoss / float64(lossTrades))
	}
	if totalLoss > 0 {
		m.ProfitFactor = totalWin / totalLoss
	} else if totalWin > 0 {
		// no losing trades: cap instead of +Inf
		m.ProfitFactor = 100.0
	}
}

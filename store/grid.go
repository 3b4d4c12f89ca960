package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Grid statuses
const (
	GridStatusActive    = "active"
	GridStatusPaused    = "paused"
	GridStatusCompleted = "completed"
	GridStatusCancelled = "cancelled"
)

// Grid order statuses
const (
	OrderStatusPending   = "pending"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusFailed    = "failed"
)

// ==================== Grid Store Models ====================
// These models mirror the grid package types but are kept here so the
// storage layer does not depend on the formula package.

// Grid a funded grid running against one symbol inside a portfolio
type Grid struct {
	ID          string `json:"id" gorm:"primaryKey"`
	PortfolioID string `json:"portfolio_id" gorm:"index;not null"`
	UserID      string `json:"user_id" gorm:"index;not null"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol" gorm:"index;not null"`
	Strategy    string `json:"strategy" gorm:"default:static"`

	LowerPrice       float64         `json:"lower_price" gorm:"not null"`
	UpperPrice       float64         `json:"upper_price" gorm:"not null"`
	GridCount        int             `json:"grid_count" gorm:"not null"`
	GridSpacing      float64         `json:"grid_spacing"`
	InvestmentAmount decimal.Decimal `json:"investment_amount" gorm:"type:decimal(24,8);not null"`

	SpreadPct            float64 `json:"spread_pct"`
	MartingaleMultiplier float64 `json:"martingale_multiplier"`
	VolatilityWindow     int     `json:"volatility_window"`
	VolatilityK          float64 `json:"volatility_k"`
	Regime               string  `json:"regime,omitempty"`

	Status          string          `json:"status" gorm:"index;not null"`
	CashReserved    decimal.Decimal `json:"cash_reserved" gorm:"type:decimal(24,8);not null"`
	BasePosition    decimal.Decimal `json:"base_position" gorm:"type:decimal(24,8);not null"`
	BaseCost        decimal.Decimal `json:"base_cost" gorm:"type:decimal(24,8);not null"` // cost basis of BasePosition
	RealizedProfit  decimal.Decimal `json:"realized_profit" gorm:"type:decimal(24,8);not null"`
	CompletedCycles int             `json:"completed_cycles"`
	LastPrice       float64         `json:"last_price"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

func (Grid) TableName() string { return "grids" }

// IsTerminal cancelled and completed grids never change again
func (g *Grid) IsTerminal() bool {
	return g.Status == GridStatusCancelled || g.Status == GridStatusCompleted
}

// GridOrder a limit order owned by a grid
type GridOrder struct {
	ID            string     `json:"id" gorm:"primaryKey"`
	GridID        string     `json:"grid_id" gorm:"index;not null"`
	LevelIndex    int        `json:"level_index"`
	Side          string     `json:"side" gorm:"not null"`
	Price         float64    `json:"price" gorm:"not null"`
	Quantity      float64    `json:"quantity" gorm:"not null"`
	PairPrice     float64    `json:"pair_price,omitempty"`
	Status        string     `json:"status" gorm:"index;not null"`
	ParentOrderID *string    `json:"parent_order_id,omitempty"`
	FilledPrice   float64    `json:"filled_price,omitempty"`
	FilledAt      *time.Time `json:"filled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (GridOrder) TableName() string { return "grid_orders" }

// ==================== Grid Store ====================

// GridStore provides database operations for grid trading
type GridStore struct {
	db       *gorm.DB
	lockRows bool
}

// NewGridStore creates a new grid store
func NewGridStore(db *gorm.DB) *GridStore {
	return &GridStore{db: db}
}

func (s *GridStore) initTables() error {
	if err := s.db.AutoMigrate(&Grid{}, &GridOrder{}); err != nil {
		return fmt.Errorf("failed to migrate grid tables: %w", err)
	}
	return nil
}

// Create inserts a grid
func (s *GridStore) Create(g *Grid) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	return s.db.Create(g).Error
}

// Get loads a grid owned by userID
func (s *GridStore) Get(userID, id string) (*Grid, error) {
	var g Grid
	if err := forUpdate(s.db, s.lockRows).Where("id = ? AND user_id = ?", id, userID).First(&g).Error; err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

// GetByID loads a grid without an owner check
func (s *GridStore) GetByID(id string) (*Grid, error) {
	var g Grid
	if err := forUpdate(s.db, s.lockRows).Where("id = ?", id).First(&g).Error; err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

// List returns a user's grids, optionally filtered by portfolio
func (s *GridStore) List(userID, portfolioID string) ([]Grid, error) {
	var out []Grid
	query := s.db.Where("user_id = ?", userID)
	if portfolioID != "" {
		query = query.Where("portfolio_id = ?", portfolioID)
	}
	err := query.Order("created_at DESC").Find(&out).Error
	return out, err
}

// ListByStatus returns every grid in one of the given statuses
func (s *GridStore) ListByStatus(statuses ...string) ([]Grid, error) {
	var out []Grid
	err := s.db.Where("status IN ?", statuses).Order("created_at ASC").Find(&out).Error
	return out, err
}

// ListByPortfolio returns all grids of a portfolio
func (s *GridStore) ListByPortfolio(portfolioID string) ([]Grid, error) {
	var out []Grid
	err := s.db.Where("portfolio_id = ?", portfolioID).Find(&out).Error
	return out, err
}

// ActiveSymbols distinct symbols of active grids
func (s *GridStore) ActiveSymbols() ([]string, error) {
	var symbols []string
	err := s.db.Model(&Grid{}).Where("status = ?", GridStatusActive).Distinct("symbol").Pluck("symbol", &symbols).Error
	return symbols, err
}

// CountByStatus counts grids in a status
func (s *GridStore) CountByStatus(status string) (int64, error) {
	var n int64
	err := s.db.Model(&Grid{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

// Save updates all grid columns. Only call it on a row read in the same
// transaction.
func (s *GridStore) Save(g *Grid) error {
	return s.db.Save(g).Error
}

// UpdateStatus moves a grid owned by userID from one status to another
// without touching its funds. It reports false when the grid is not in from.
func (s *GridStore) UpdateStatus(userID, id, from, to string) (bool, error) {
	res := s.db.Model(&Grid{}).
		Where("id = ? AND user_id = ? AND status = ?", id, userID, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now().UTC()})
	return res.RowsAffected > 0, res.Error
}

// ==================== Order Operations ====================

// CreateOrders inserts orders in one statement
func (s *GridStore) CreateOrders(orders []GridOrder) error {
	if len(orders) == 0 {
		return nil
	}
	for i := range orders {
		if orders[i].ID == "" {
			orders[i].ID = uuid.New().String()
		}
	}
	return s.db.Create(&orders).Error
}

// ListOrders returns a grid's orders; empty status means all
func (s *GridStore) ListOrders(gridID, status string) ([]GridOrder, error) {
	var out []GridOrder
	query := s.db.Where("grid_id = ?", gridID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	err := query.Order("created_at ASC, level_index ASC").Find(&out).Error
	return out, err
}

// SaveOrder updates an order
func (s *GridStore) SaveOrder(o *GridOrder) error {
	return s.db.Save(o).Error
}

// CancelPendingOrders marks every pending order of a grid cancelled
func (s *GridStore) CancelPendingOrders(gridID string) (int64, error) {
	res := s.db.Model(&GridOrder{}).
		Where("grid_id = ? AND status = ?", gridID, OrderStatusPending).
		Updates(map[string]interface{}{"status": OrderStatusCancelled, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// ==================== Statistics Operations ====================

// GetStatistics returns fill counts and profit for a grid
func (s *GridStore) GetStatistics(gridID string) (map[string]interface{}, error) {
	var g Grid
	if err := s.db.Where("id = ?", gridID).First(&g).Error; err != nil {
		return nil, notFound(err)
	}

	var counts []struct {
		Side   string
		Status string
		Count  int64
	}
	if err := s.db.Model(&GridOrder{}).
		Select("side, status, count(*) as count").
		Where("grid_id = ?", gridID).
		Group("side, status").
		Find(&counts).Error; err != nil {
		return nil, err
	}

	var buyFills, sellFills, pending int64
	for _, c := range counts {
		switch {
		case c.Status == OrderStatusFilled && c.Side == "buy":
			buyFills = c.Count
		case c.Status == OrderStatusFilled && c.Side == "sell":
			sellFills = c.Count
		case c.Status == OrderStatusPending:
			pending += c.Count
		}
	}

	profit, _ := g.RealizedProfit.Float64()
	invested, _ := g.InvestmentAmount.Float64()
	profitPct := 0.0
	if invested > 0 {
		profitPct = profit / invested * 100
	}

	return map[string]interface{}{
		"grid_id":          g.ID,
		"status":           g.Status,
		"buy_fills":        buyFills,
		"sell_fills":       sellFills,
		"pending_orders":   pending,
		"completed_cycles": g.CompletedCycles,
		"realized_profit":  profit,
		"profit_pct":       profitPct,
		"last_price":       g.LastPrice,
	}, nil
}

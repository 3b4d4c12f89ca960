package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionType kind of portfolio ledger entry
type TransactionType string

const (
	TxBuy        TransactionType = "buy"
	TxSell       TransactionType = "sell"
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
	TxDividend   TransactionType = "dividend"
	TxFee        TransactionType = "fee"
)

// PortfolioStore portfolio, holding and transaction storage
type PortfolioStore struct {
	db       *gorm.DB
	lockRows bool
}

// Portfolio user-owned collection of cash and holdings
type Portfolio struct {
	ID             string          `json:"id" gorm:"primaryKey"`
	UserID         string          `json:"user_id" gorm:"index;not null"`
	Name           string          `json:"name" gorm:"not null"`
	Description    string          `json:"description"`
	BaseCurrency   string          `json:"base_currency" gorm:"default:USD"`
	InitialCapital decimal.Decimal `json:"initial_capital" gorm:"type:decimal(24,8);not null"`
	CashBalance    decimal.Decimal `json:"cash_balance" gorm:"type:decimal(24,8);not null"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (Portfolio) TableName() string { return "portfolios" }

// Holding position in one symbol
type Holding struct {
	ID               string          `json:"id" gorm:"primaryKey"`
	PortfolioID      string          `json:"portfolio_id" gorm:"uniqueIndex:idx_holding_symbol;not null"`
	Symbol           string          `json:"symbol" gorm:"uniqueIndex:idx_holding_symbol;not null"`
	Quantity         decimal.Decimal `json:"quantity" gorm:"type:decimal(24,8);not null"`
	AverageCost      decimal.Decimal `json:"average_cost" gorm:"type:decimal(24,8);not null"`
	CurrentPrice     float64         `json:"current_price"`
	MarketValue      float64         `json:"market_value"`
	UnrealizedPnL    float64         `json:"unrealized_pnl"`
	UnrealizedPnLPct float64         `json:"unrealized_pnl_pct"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (Holding) TableName() string { return "holdings" }

// Transaction ledger entry. GridID is set for fills produced by a grid.
type Transaction struct {
	ID          string          `json:"id" gorm:"primaryKey"`
	PortfolioID string          `json:"portfolio_id" gorm:"index;not null"`
	Symbol      string          `json:"symbol"`
	Type        TransactionType `json:"type" gorm:"not null"`
	Quantity    decimal.Decimal `json:"quantity" gorm:"type:decimal(24,8)"`
	Price       decimal.Decimal `json:"price" gorm:"type:decimal(24,8)"`
	TotalAmount decimal.Decimal `json:"total_amount" gorm:"type:decimal(24,8);not null"`
	Fees        decimal.Decimal `json:"fees" gorm:"type:decimal(24,8)"`
	RealizedPnL decimal.Decimal `json:"realized_pnl" gorm:"type:decimal(24,8)"`
	Notes       string          `json:"notes"`
	GridID      *string         `json:"grid_id,omitempty" gorm:"index"`
	ExecutedAt  time.Time       `json:"executed_at" gorm:"index"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (Transaction) TableName() string { return "transactions" }

func (s *PortfolioStore) initTables() error {
	if err := s.db.AutoMigrate(&Portfolio{}, &Holding{}, &Transaction{}); err != nil {
		return fmt.Errorf("failed to migrate portfolio tables: %w", err)
	}
	return nil
}

// ==================== Portfolio ====================

// Create inserts a portfolio
func (s *PortfolioStore) Create(p *Portfolio) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return s.db.Create(p).Error
}

// Get loads a portfolio owned by userID
func (s *PortfolioStore) Get(userID, id string) (*Portfolio, error) {
	var p Portfolio
	if err := forUpdate(s.db, s.lockRows).Where("id = ? AND user_id = ?", id, userID).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// GetByID loads a portfolio without an owner check (background jobs)
func (s *PortfolioStore) GetByID(id string) (*Portfolio, error) {
	var p Portfolio
	if err := forUpdate(s.db, s.lockRows).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// List returns a user's portfolios, newest first
func (s *PortfolioStore) List(userID string) ([]Portfolio, error) {
	var out []Portfolio
	err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&out).Error
	return out, err
}

// ListAll returns every portfolio
func (s *PortfolioStore) ListAll() ([]Portfolio, error) {
	var out []Portfolio
	err := s.db.Order("created_at ASC").Find(&out).Error
	return out, err
}

// Save updates all portfolio columns. Only call it on a row read in the
// same transaction.
func (s *PortfolioStore) Save(p *Portfolio) error {
	return s.db.Save(p).Error
}

// UpdateDetails writes the given descriptive columns (name, description,
// base_currency) and leaves the cash balance alone
func (s *PortfolioStore) UpdateDetails(userID, id string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now().UTC()
	res := s.db.Model(&Portfolio{}).Where("id = ? AND user_id = ?", id, userID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a portfolio with its holdings, transactions, snapshots and
// the grids (with their orders) that ran in it
func (s *PortfolioStore) Delete(userID, id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&Portfolio{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("portfolio_id = ?", id).Delete(&Holding{}).Error; err != nil {
			return err
		}
		if err := tx.Where("portfolio_id = ?", id).Delete(&Transaction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("portfolio_id = ?", id).Delete(&PortfolioSnapshot{}).Error; err != nil {
			return err
		}
		gridIDs := tx.Model(&Grid{}).Select("id").Where("portfolio_id = ?", id)
		if err := tx.Where("grid_id IN (?)", gridIDs).Delete(&GridOrder{}).Error; err != nil {
			return err
		}
		return tx.Where("portfolio_id = ?", id).Delete(&Grid{}).Error
	})
}

// ==================== Holdings ====================

// GetHolding returns the holding for symbol, ErrNotFound if none
func (s *PortfolioStore) GetHolding(portfolioID, symbol string) (*Holding, error) {
	var h Holding
	if err := forUpdate(s.db, s.lockRows).Where("portfolio_id = ? AND symbol = ?", portfolioID, symbol).First(&h).Error; err != nil {
		return nil, notFound(err)
	}
	return &h, nil
}

// GetHoldingByID returns one holding, ErrNotFound if it was closed
func (s *PortfolioStore) GetHoldingByID(id string) (*Holding, error) {
	var h Holding
	if err := forUpdate(s.db, s.lockRows).Where("id = ?", id).First(&h).Error; err != nil {
		return nil, notFound(err)
	}
	return &h, nil
}

// ListHoldings returns all holdings of a portfolio ordered by symbol
func (s *PortfolioStore) ListHoldings(portfolioID string) ([]Holding, error) {
	var out []Holding
	err := s.db.Where("portfolio_id = ?", portfolioID).Order("symbol ASC").Find(&out).Error
	return out, err
}

// SaveHolding inserts or updates a holding
func (s *PortfolioStore) SaveHolding(h *Holding) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	return s.db.Save(h).Error
}

// UpdateValuation writes the price-derived columns of h. Quantity and
// average cost are left as stored.
func (s *PortfolioStore) UpdateValuation(h *Holding) error {
	return s.db.Model(&Holding{}).Where("id = ?", h.ID).Updates(map[string]interface{}{
		"current_price":      h.CurrentPrice,
		"market_value":       h.MarketValue,
		"unrealized_pnl":     h.UnrealizedPnL,
		"unrealized_pnl_pct": h.UnrealizedPnLPct,
		"updated_at":         h.UpdatedAt,
	}).Error
}

// DeleteHolding removes a holding
func (s *PortfolioStore) DeleteHolding(id string) error {
	return s.db.Where("id = ?", id).Delete(&Holding{}).Error
}

// ListHoldingsForSymbols returns holdings across all portfolios for the given symbols
func (s *PortfolioStore) ListHoldingsForSymbols(symbols []string) ([]Holding, error) {
	var out []Holding
	if len(symbols) == 0 {
		return out, nil
	}
	err := s.db.Where("symbol IN ?", symbols).Find(&out).Error
	return out, err
}

// HeldSymbols distinct symbols across all portfolios
func (s *PortfolioStore) HeldSymbols() ([]string, error) {
	var symbols []string
	err := s.db.Model(&Holding{}).Distinct("symbol").Pluck("symbol", &symbols).Error
	return symbols, err
}

// ==================== Transactions ====================

// CreateTransaction appends a ledger entry
func (s *PortfolioStore) CreateTransaction(t *Transaction) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now().UTC()
	}
	return s.db.Create(t).Error
}

// ListTransactions returns the newest entries first; limit <= 0 means all
func (s *PortfolioStore) ListTransactions(portfolioID string, limit int) ([]Transaction, error) {
	var out []Transaction
	query := s.db.Where("portfolio_id = ?", portfolioID).Order("executed_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&out).Error
	return out, err
}

// ListGridTransactions returns fills recorded for one grid
func (s *PortfolioStore) ListGridTransactions(gridID string) ([]Transaction, error) {
	var out []Transaction
	err := s.db.Where("grid_id = ?", gridID).Order("executed_at ASC").Find(&out).Error
	return out, err
}

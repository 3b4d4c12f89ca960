package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RunState backtest run state
type RunState string

const (
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// BacktestStore backtest run storage
type BacktestStore struct {
	db *gorm.DB
}

// BacktestRun a stored backtest with its summary metrics.
// Config and full metrics are kept as JSON blobs.
type BacktestRun struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	UserID         string    `json:"user_id" gorm:"index;not null"`
	Symbol         string    `json:"symbol"`
	Strategy       string    `json:"strategy"`
	State          RunState  `json:"state"`
	Bars           int       `json:"bars"`
	TotalReturnPct float64   `json:"total_return_pct"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	SharpeRatio    float64   `json:"sharpe_ratio"`
	ConfigJSON     string    `json:"-" gorm:"type:text"`
	MetricsJSON    string    `json:"-" gorm:"type:text"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (BacktestRun) TableName() string { return "backtest_runs" }

func (s *BacktestStore) initTables() error {
	if err := s.db.AutoMigrate(&BacktestRun{}); err != nil {
		return fmt.Errorf("failed to migrate backtest table: %w", err)
	}
	return nil
}

// Save inserts a run
func (s *BacktestStore) Save(run *BacktestRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	return s.db.Create(run).Error
}

// Get loads a run owned by userID
func (s *BacktestStore) Get(userID, id string) (*BacktestRun, error) {
	var run BacktestRun
	if err := s.db.Where("id = ? AND user_id = ?", id, userID).First(&run).Error; err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}

// List returns a user's most recent runs
func (s *BacktestStore) List(userID string, limit int) ([]BacktestRun, error) {
	var out []BacktestRun
	query := s.db.Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&out).Error
	return out, err
}

// Delete removes a run owned by userID
func (s *BacktestStore) Delete(userID, id string) error {
	res := s.db.Where("id = ? AND user_id = ?", id, userID).Delete(&BacktestRun{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

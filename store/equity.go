package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// EquityStore portfolio value snapshots (for performance charts)
type EquityStore struct {
	db *gorm.DB
}

// PortfolioSnapshot portfolio valuation at a point in time
type PortfolioSnapshot struct {
	ID            int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	PortfolioID   string    `json:"portfolio_id" gorm:"index:idx_snapshot_portfolio_time;not null"`
	Timestamp     time.Time `json:"timestamp" gorm:"index:idx_snapshot_portfolio_time;not null"`
	TotalValue    float64   `json:"total_value"`
	CashBalance   float64   `json:"cash_balance"`
	HoldingsValue float64   `json:"holdings_value"`
	GridValue     float64   `json:"grid_value"` // reserved cash + grid positions
}

func (PortfolioSnapshot) TableName() string { return "portfolio_snapshots" }

func (s *EquityStore) initTables() error {
	if err := s.db.AutoMigrate(&PortfolioSnapshot{}); err != nil {
		return fmt.Errorf("failed to migrate snapshot table: %w", err)
	}
	return nil
}

// Save stores a snapshot
func (s *EquityStore) Save(snapshot *PortfolioSnapshot) error {
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = time.Now().UTC()
	} else {
		snapshot.Timestamp = snapshot.Timestamp.UTC()
	}
	return s.db.Create(snapshot).Error
}

// GetLatest returns up to limit most recent snapshots in chronological order
func (s *EquityStore) GetLatest(portfolioID string, limit int) ([]PortfolioSnapshot, error) {
	var out []PortfolioSnapshot
	query := s.db.Where("portfolio_id = ?", portfolioID).Order("timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&out).Error; err != nil {
		return nil, err
	}
	// reverse to chronological
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CleanOldRecords removes snapshots older than the given age
func (s *EquityStore) CleanOldRecords(portfolioID string, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := s.db.Where("portfolio_id = ? AND timestamp < ?", portfolioID, cutoff).Delete(&PortfolioSnapshot{})
	return res.RowsAffected, res.Error
}

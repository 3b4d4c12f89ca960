package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MarketDataStore last known quote per symbol
type MarketDataStore struct {
	db *gorm.DB
}

// MarketData quote snapshot written by the price refresh task
type MarketData struct {
	Symbol    string    `json:"symbol" gorm:"primaryKey"`
	Price     float64   `json:"price"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Volume    float64   `json:"volume"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	Provider  string    `json:"provider"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (MarketData) TableName() string { return "market_data" }

func (s *MarketDataStore) initTables() error {
	if err := s.db.AutoMigrate(&MarketData{}); err != nil {
		return fmt.Errorf("failed to migrate market data table: %w", err)
	}
	return nil
}

// Upsert inserts or replaces the row for md.Symbol
func (s *MarketDataStore) Upsert(md *MarketData) error {
	if md.UpdatedAt.IsZero() {
		md.UpdatedAt = time.Now().UTC()
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		UpdateAll: true,
	}).Create(md).Error
}

// Get returns the last quote for symbol
func (s *MarketDataStore) Get(symbol string) (*MarketData, error) {
	var md MarketData
	if err := s.db.Where("symbol = ?", symbol).First(&md).Error; err != nil {
		return nil, notFound(err)
	}
	return &md, nil
}

// GetMany returns last quotes keyed by symbol; unknown symbols are absent
func (s *MarketDataStore) GetMany(symbols []string) (map[string]MarketData, error) {
	out := make(map[string]MarketData, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	var rows []MarketData
	if err := s.db.Where("symbol IN ?", symbols).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.Symbol] = r
	}
	return out, nil
}

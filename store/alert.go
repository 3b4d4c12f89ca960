package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Alert conditions
const (
	AlertAbove = "above"
	AlertBelow = "below"
)

// AlertStore price alert storage
type AlertStore struct {
	db *gorm.DB
}

// Alert one-shot price alert
type Alert struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	UserID       string     `json:"user_id" gorm:"index;not null"`
	Symbol       string     `json:"symbol" gorm:"index;not null"`
	Condition    string     `json:"condition" gorm:"not null"`
	TargetPrice  float64    `json:"target_price" gorm:"not null"`
	Message      string     `json:"message"`
	IsActive     bool       `json:"is_active" gorm:"index"`
	TriggeredAt  *time.Time `json:"triggered_at,omitempty"`
	TriggerPrice float64    `json:"trigger_price,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (Alert) TableName() string { return "alerts" }

func (s *AlertStore) initTables() error {
	if err := s.db.AutoMigrate(&Alert{}); err != nil {
		return fmt.Errorf("failed to migrate alert table: %w", err)
	}
	return nil
}

// Create inserts an active alert
func (s *AlertStore) Create(a *Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.IsActive = true
	return s.db.Create(a).Error
}

// List returns a user's alerts, newest first
func (s *AlertStore) List(userID string) ([]Alert, error) {
	var out []Alert
	err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&out).Error
	return out, err
}

// ListActive returns every untriggered alert
func (s *AlertStore) ListActive() ([]Alert, error) {
	var out []Alert
	err := s.db.Where("is_active = ?", true).Find(&out).Error
	return out, err
}

// ActiveSymbols distinct symbols with an active alert
func (s *AlertStore) ActiveSymbols() ([]string, error) {
	var symbols []string
	err := s.db.Model(&Alert{}).Where("is_active = ?", true).Distinct("symbol").Pluck("symbol", &symbols).Error
	return symbols, err
}

// MarkTriggered deactivates an alert. It reports false if another worker got there first.
func (s *AlertStore) MarkTriggered(id string, price float64, at time.Time) (bool, error) {
	res := s.db.Model(&Alert{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{"is_active": false, "triggered_at": at, "trigger_price": price})
	return res.RowsAffected == 1, res.Error
}

// Delete removes an alert owned by userID
func (s *AlertStore) Delete(userID, id string) error {
	res := s.db.Where("id = ? AND user_id = ?", id, userID).Delete(&Alert{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

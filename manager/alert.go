package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gridtrader/logger"
	"gridtrader/notify"
	"gridtrader/store"
)

// AlertManager price alerts: CRUD and one-shot triggering
type AlertManager struct {
	store    *store.Store
	notifier notify.Notifier
	now      func() time.Time
}

// NewAlertManager creates an alert manager; notifier may be nil
func NewAlertManager(st *store.Store, notifier notify.Notifier) *AlertManager {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &AlertManager{store: st, notifier: notifier, now: func() time.Time { return time.Now().UTC() }}
}

// CreateAlertInput new alert fields
type CreateAlertInput struct {
	Symbol      string  `json:"symbol"`
	Condition   string  `json:"condition"`
	TargetPrice float64 `json:"target_price"`
	Message     string  `json:"message"`
}

// Create adds an active alert
func (m *AlertManager) Create(userID string, in CreateAlertInput) (*store.Alert, error) {
	symbol := strings.ToUpper(strings.TrimSpace(in.Symbol))
	if symbol == "" {
		return nil, invalid("symbol is required")
	}
	condition := strings.ToLower(strings.TrimSpace(in.Condition))
	if condition != store.AlertAbove && condition != store.AlertBelow {
		return nil, invalid("condition must be %q or %q", store.AlertAbove, store.AlertBelow)
	}
	if in.TargetPrice <= 0 {
		return nil, invalid("target price must be positive")
	}

	a := &store.Alert{
		UserID:      userID,
		Symbol:      symbol,
		Condition:   condition,
		TargetPrice: in.TargetPrice,
		Message:     in.Message,
	}
	if err := m.store.Alert().Create(a); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	return a, nil
}

// List returns the user's alerts
func (m *AlertManager) List(userID string) ([]store.Alert, error) {
	return m.store.Alert().List(userID)
}

// Delete removes one of the user's alerts
func (m *AlertManager) Delete(userID, id string) error {
	return translate(m.store.Alert().Delete(userID, id))
}

// Crossed reports whether price satisfies the alert's condition
func Crossed(a *store.Alert, price float64) bool {
	if price <= 0 {
		return false
	}
	switch a.Condition {
	case store.AlertAbove:
		return price >= a.TargetPrice
	case store.AlertBelow:
		return price <= a.TargetPrice
	}
	return false
}

// Check triggers every active alert whose symbol price crossed its target.
// Each alert fires once and is then deactivated.
func (m *AlertManager) Check(ctx context.Context, prices map[string]float64) (int, error) {
	alerts, err := m.store.Alert().ListActive()
	if err != nil {
		return 0, err
	}

	triggered := 0
	for i := range alerts {
		a := &alerts[i]
		price, ok := prices[a.Symbol]
		if !ok || !Crossed(a, price) {
			continue
		}
		won, err := m.store.Alert().MarkTriggered(a.ID, price, m.now())
		if err != nil {
			return triggered, fmt.Errorf("mark alert %s: %w", a.ID, err)
		}
		if !won {
			continue
		}
		triggered++
		logger.Infof("🔔 Alert %s: %s %s %.4f (now %.4f)", a.ID, a.Symbol, a.Condition, a.TargetPrice, price)
		m.send(ctx, a, price)
	}
	return triggered, nil
}

func (m *AlertManager) send(ctx context.Context, a *store.Alert, price float64) {
	profile, err := m.store.User().GetProfile(a.UserID)
	if err != nil || !profile.NotifyAlerts || profile.TelegramChatID == 0 {
		return
	}
	text := fmt.Sprintf("🔔 %s is %s %.4f (now %.4f)", a.Symbol, a.Condition, a.TargetPrice, price)
	if a.Message != "" {
		text += "\n" + a.Message
	}
	if err := m.notifier.Notify(ctx, profile.TelegramChatID, text); err != nil {
		logger.Warnf("alert notification failed: %v", err)
	}
}

package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrEmailTaken duplicate registration
var ErrEmailTaken = errors.New("email already registered")

// UserStore user storage
type UserStore struct {
	db *gorm.DB
}

// User account
type User struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	Email        string    `json:"email" gorm:"uniqueIndex;not null"`
	PasswordHash string    `json:"-" gorm:"not null"`
	OTPSecret    string    `json:"-"`
	OTPEnabled   bool      `json:"otp_enabled" gorm:"default:false"`
	IsActive     bool      `json:"is_active" gorm:"default:true"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// UserProfile per-user preferences (1:1 with User)
type UserProfile struct {
	UserID         string    `json:"user_id" gorm:"primaryKey"`
	DisplayName    string    `json:"display_name"`
	Timezone       string    `json:"timezone" gorm:"default:UTC"`
	BaseCurrency   string    `json:"base_currency" gorm:"default:USD"`
	TelegramChatID int64     `json:"telegram_chat_id"`
	NotifyFills    bool      `json:"notify_fills" gorm:"default:true"`
	NotifyAlerts   bool      `json:"notify_alerts" gorm:"default:true"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (UserProfile) TableName() string { return "user_profiles" }

func (s *UserStore) initTables() error {
	return s.db.AutoMigrate(&User{}, &UserProfile{})
}

// Create inserts a user together with a default profile
func (s *UserStore) Create(user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.IsActive = true

	return s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where("email = ?", user.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrEmailTaken
		}
		if err := tx.Create(user).Error; err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		profile := &UserProfile{
			UserID:       user.ID,
			Timezone:     "UTC",
			BaseCurrency: "USD",
			NotifyFills:  true,
			NotifyAlerts: true,
		}
		return tx.Create(profile).Error
	})
}

// GetByEmail finds a user by email (case-insensitive)
func (s *UserStore) GetByEmail(email string) (*User, error) {
	var user User
	err := s.db.Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&user).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// GetByID finds a user by ID
func (s *UserStore) GetByID(id string) (*User, error) {
	var user User
	if err := s.db.Where("id = ?", id).First(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// UpdatePassword replaces the password hash
func (s *UserStore) UpdatePassword(id, passwordHash string) error {
	return s.update(id, map[string]interface{}{"password_hash": passwordHash})
}

// SetOTPSecret stores a pending TOTP secret; 2FA stays off until EnableOTP
func (s *UserStore) SetOTPSecret(id, secret string) error {
	return s.update(id, map[string]interface{}{"otp_secret": secret, "otp_enabled": false})
}

// EnableOTP turns on TOTP for login
func (s *UserStore) EnableOTP(id string) error {
	return s.update(id, map[string]interface{}{"otp_enabled": true})
}

func (s *UserStore) update(id string, fields map[string]interface{}) error {
	res := s.db.Model(&User{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetProfile returns the user's profile
func (s *UserStore) GetProfile(userID string) (*UserProfile, error) {
	var profile UserProfile
	if err := s.db.Where("user_id = ?", userID).First(&profile).Error; err != nil {
		return nil, notFound(err)
	}
	return &profile, nil
}

// SaveProfile upserts a profile
func (s *UserStore) SaveProfile(profile *UserProfile) error {
	return s.db.Save(profile).Error
}

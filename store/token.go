package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TokenStore API token storage
type TokenStore struct {
	db *gorm.DB
}

// APIToken long-lived bearer credential for programmatic access.
// Only the sha256 of the token is stored.
type APIToken struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	UserID      string     `json:"user_id" gorm:"index;not null"`
	Name        string     `json:"name"`
	TokenPrefix string     `json:"token_prefix"`
	TokenHash   string     `json:"-" gorm:"uniqueIndex;not null"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Revoked     bool       `json:"revoked" gorm:"default:false"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (APIToken) TableName() string { return "api_tokens" }

// Usable reports whether the token may authenticate at t
func (t *APIToken) Usable(now time.Time) bool {
	if t.Revoked {
		return false
	}
	return t.ExpiresAt == nil || now.Before(*t.ExpiresAt)
}

func (s *TokenStore) initTables() error {
	return s.db.AutoMigrate(&APIToken{})
}

// Create stores a new token record
func (s *TokenStore) Create(token *APIToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	return s.db.Create(token).Error
}

// List returns a user's tokens, newest first
func (s *TokenStore) List(userID string) ([]APIToken, error) {
	var tokens []APIToken
	err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&tokens).Error
	return tokens, err
}

// GetByHash looks up a token by its hash
func (s *TokenStore) GetByHash(hash string) (*APIToken, error) {
	var token APIToken
	if err := s.db.Where("token_hash = ?", hash).First(&token).Error; err != nil {
		return nil, notFound(err)
	}
	return &token, nil
}

// Touch records a successful use
func (s *TokenStore) Touch(id string, at time.Time) error {
	return s.db.Model(&APIToken{}).Where("id = ?", id).Update("last_used_at", at).Error
}

// Revoke disables a token owned by userID
func (s *TokenStore) Revoke(userID, id string) error {
	res := s.db.Model(&APIToken{}).Where("id = ? AND user_id = ?", id, userID).Update("revoked", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"gridtrader/auth"
	"gridtrader/logger"
	"gridtrader/store"
)

// handleRegister creates an account and logs it in
func (s *Server) handleRegister(c *gin.Context) {
	if !s.opts.RegistrationEnabled {
		abortError(c, http.StatusForbidden, "registration is disabled")
		return
	}

	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required,min=8"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	user := &store.User{Email: req.Email, PasswordHash: passwordHash}
	if err := s.store.User().Create(user); err != nil {
		respondError(c, err)
		return
	}

	token, err := auth.GenerateJWT(user.ID, user.Email)
	if err != nil {
		respondError(c, err)
		return
	}
	logger.Infof("👤 user %s registered", user.Email)
	c.JSON(http.StatusCreated, gin.H{"token": token, "user": user})
}

// handleLogin checks the password and, when 2FA is on, the TOTP code
func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
		OTPCode  string `json:"otp_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	user, err := s.store.User().GetByEmail(req.Email)
	if err != nil || !user.IsActive || !auth.CheckPassword(req.Password, user.PasswordHash) {
		abortError(c, http.StatusUnauthorized, "email or password incorrect")
		return
	}

	if user.OTPEnabled {
		if req.OTPCode == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":        "otp code required",
				"requires_otp": true,
			})
			return
		}
		secret, err := s.secrets.Open(user.OTPSecret, user.ID, "otp")
		if err != nil {
			respondError(c, err)
			return
		}
		if !auth.VerifyOTP(secret, req.OTPCode) {
			abortError(c, http.StatusUnauthorized, "otp code incorrect")
			return
		}
	}

	token, err := auth.GenerateJWT(user.ID, user.Email)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

// handleLogout blacklists the current JWT until it expires
func (s *Server) handleLogout(c *gin.Context) {
	tokenString := c.GetString(ctxToken)
	if tokenString == "" {
		// api tokens are revoked through DELETE /api/tokens/:id
		c.JSON(http.StatusOK, gin.H{"message": "nothing to log out"})
		return
	}
	exp := time.Now().Add(24 * time.Hour)
	if claims, err := auth.ValidateJWT(tokenString); err == nil && claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	auth.BlacklistToken(tokenString, exp)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// ==================== Profile ====================

func (s *Server) handleMe(c *gin.Context) {
	userID := currentUserID(c)
	user, err := s.store.User().GetByID(userID)
	if err != nil {
		respondError(c, err)
		return
	}
	profile, err := s.store.User().GetProfile(userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "profile": profile})
}

func (s *Server) handleUpdateProfile(c *gin.Context) {
	var req struct {
		DisplayName    *string `json:"display_name"`
		Timezone       *string `json:"timezone"`
		BaseCurrency   *string `json:"base_currency"`
		TelegramChatID *int64  `json:"telegram_chat_id"`
		NotifyFills    *bool   `json:"notify_fills"`
		NotifyAlerts   *bool   `json:"notify_alerts"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	profile, err := s.store.User().GetProfile(currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if req.DisplayName != nil {
		profile.DisplayName = strings.TrimSpace(*req.DisplayName)
	}
	if req.Timezone != nil {
		if _, err := time.LoadLocation(*req.Timezone); err != nil {
			abortError(c, http.StatusBadRequest, "unknown timezone")
			return
		}
		profile.Timezone = *req.Timezone
	}
	if req.BaseCurrency != nil {
		profile.BaseCurrency = strings.ToUpper(strings.TrimSpace(*req.BaseCurrency))
	}
	if req.TelegramChatID != nil {
		profile.TelegramChatID = *req.TelegramChatID
	}
	if req.NotifyFills != nil {
		profile.NotifyFills = *req.NotifyFills
	}
	if req.NotifyAlerts != nil {
		profile.NotifyAlerts = *req.NotifyAlerts
	}
	if err := s.store.User().SaveProfile(profile); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// handleOTPSetup issues a new TOTP secret; 2FA is off until it is confirmed.
// Replacing a secret while 2FA is on takes a valid code from the current one.
func (s *Server) handleOTPSetup(c *gin.Context) {
	var req struct {
		OTPCode string `json:"otp_code"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	userID := currentUserID(c)
	user, err := s.store.User().GetByID(userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if user.OTPEnabled {
		current, err := s.secrets.Open(user.OTPSecret, user.ID, "otp")
		if err != nil {
			respondError(c, err)
			return
		}
		if req.OTPCode == "" || !auth.VerifyOTP(current, req.OTPCode) {
			abortError(c, http.StatusUnauthorized, "2FA is enabled, a valid otp_code is required")
			return
		}
	}

	secret, url, err := auth.GenerateOTPSecret(c.GetString(ctxEmail))
	if err != nil {
		respondError(c, err)
		return
	}
	sealed, err := s.secrets.Seal(secret, userID, "otp")
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.store.User().SetOTPSecret(userID, sealed); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"otp_secret": secret, "qr_code_url": url})
}

// handleOTPEnable turns 2FA on after the first valid code
func (s *Server) handleOTPEnable(c *gin.Context) {
	var req struct {
		OTPCode string `json:"otp_code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	user, err := s.store.User().GetByID(currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if user.OTPSecret == "" {
		abortError(c, http.StatusConflict, "call /api/me/otp/setup first")
		return
	}
	secret, err := s.secrets.Open(user.OTPSecret, user.ID, "otp")
	if err != nil {
		respondError(c, err)
		return
	}
	if !auth.VerifyOTP(secret, req.OTPCode) {
		abortError(c, http.StatusBadRequest, "otp code incorrect")
		return
	}
	if err := s.store.User().EnableOTP(user.ID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"otp_enabled": true})
}

// ==================== API tokens ====================

func (s *Server) handleListTokens(c *gin.Context) {
	tokens, err := s.store.Token().List(currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

// handleCreateToken returns the plaintext token once; only its hash is kept
func (s *Server) handleCreateToken(c *gin.Context) {
	var req struct {
		Name          string `json:"name" binding:"required"`
		ExpiresInDays int    `json:"expires_in_days"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.ExpiresInDays < 0 {
		badRequest(c, errors.New("expires_in_days cannot be negative"))
		return
	}

	plain, prefix, hash, err := auth.GenerateAPIToken()
	if err != nil {
		respondError(c, err)
		return
	}
	token := &store.APIToken{
		UserID:      currentUserID(c),
		Name:        strings.TrimSpace(req.Name),
		TokenPrefix: prefix,
		TokenHash:   hash,
	}
	if req.ExpiresInDays > 0 {
		exp := time.Now().UTC().AddDate(0, 0, req.ExpiresInDays)
		token.ExpiresAt = &exp
	}
	if err := s.store.Token().Create(token); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": plain, "api_token": token})
}

func (s *Server) handleRevokeToken(c *gin.Context) {
	if err := s.store.Token().Revoke(currentUserID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "token revoked"})
}

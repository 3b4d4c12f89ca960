package api

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"gridtrader/auth"
	"gridtrader/logger"
	"gridtrader/manager"
	"gridtrader/store"
)

const (
	ctxUserID = "user_id"
	ctxEmail  = "email"
	ctxToken  = "jwt"
)

// authMiddleware accepts a JWT or an API token, as
// "Authorization: Bearer <token>" or "X-API-Key: <api token>"
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			abortError(c, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}

		if auth.IsAPIToken(tokenString) {
			s.authenticateAPIToken(c, tokenString)
			return
		}

		if auth.IsTokenBlacklisted(tokenString) {
			abortError(c, http.StatusUnauthorized, "token expired, please login again")
			return
		}
		claims, err := auth.ValidateJWT(tokenString)
		if err != nil {
			abortError(c, http.StatusUnauthorized, "invalid token")
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxEmail, claims.Email)
		c.Set(ctxToken, tokenString)
		c.Next()
	}
}

func (s *Server) authenticateAPIToken(c *gin.Context, plain string) {
	token, err := s.store.Token().GetByHash(auth.HashAPIToken(plain))
	now := time.Now().UTC()
	if err != nil || !token.Usable(now) {
		abortError(c, http.StatusUnauthorized, "invalid api token")
		return
	}
	user, err := s.store.User().GetByID(token.UserID)
	if err != nil || !user.IsActive {
		abortError(c, http.StatusUnauthorized, "invalid api token")
		return
	}
	if err := s.store.Token().Touch(token.ID, now); err != nil {
		logger.Warnf("failed to record api token use: %v", err)
	}

	c.Set(ctxUserID, user.ID)
	c.Set(ctxEmail, user.Email)
	c.Next()
}

func bearerToken(c *gin.Context) (string, bool) {
	if key := strings.TrimSpace(c.GetHeader("X-API-Key")); key != "" {
		return key, true
	}
	parts := strings.Fields(c.GetHeader("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

func currentUserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

// ==================== Errors ====================

func abortError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// respondError maps manager and store errors to status codes
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, manager.ErrNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrInsufficientFunds),
		errors.Is(err, manager.ErrInvalidState),
		errors.Is(err, store.ErrEmailTaken):
		status = http.StatusConflict
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Errorf("❌ %s %s: %v", c.Request.Method, c.FullPath(), err)
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, err error) {
	abortError(c, http.StatusBadRequest, err.Error())
}

// ==================== Rate limiting ====================

// clientLimiter per-client token buckets keyed by IP
type clientLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	lastGC   time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst <= 0 {
		burst = int(rps) + 1
	}
	return &clientLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
		lastGC:   time.Now(),
	}
}

func (l *clientLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastGC) > time.Minute {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, k)
			}
		}
		l.lastGC = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

func (l *clientLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.get(c.ClientIP()).Allow() {
			abortError(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

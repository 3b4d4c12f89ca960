package auth

import (
	"sync"
	"time"
)

// logged-out JWTs until their natural expiry
var blacklist = struct {
	sync.Mutex
	tokens map[string]time.Time
}{tokens: make(map[string]time.Time)}

// BlacklistToken rejects token until exp
func BlacklistToken(token string, exp time.Time) {
	blacklist.Lock()
	defer blacklist.Unlock()
	blacklist.tokens[token] = exp

	// opportunistic cleanup
	if len(blacklist.tokens) > 1000 {
		now := time.Now()
		for t, e := range blacklist.tokens {
			if now.After(e) {
				delete(blacklist.tokens, t)
			}
		}
	}
}

// IsTokenBlacklisted reports whether token was logged out and has not yet expired
func IsTokenBlacklisted(token string) bool {
	blacklist.Lock()
	defer blacklist.Unlock()
	exp, ok := blacklist.tokens[token]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(blacklist.tokens, token)
		return false
	}
	return true
}

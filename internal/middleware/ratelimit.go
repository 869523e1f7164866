package middleware

import (
	"fmt"
	"sync"
	"time"

	"github.com/comment-ai-tgbot-go/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter gates generation requests per user.
type RateLimiter interface {
	Allow(userID int64) bool
	Reset(userID int64)
}

// UserRateLimiter implements per-user token-bucket limiting.
type UserRateLimiter struct {
	enabled         bool
	limiters        map[int64]*rate.Limiter
	mu              sync.RWMutex
	rpm             int
	burst           int
	logger          *logrus.Logger
	cleanupInterval time.Duration
}

// NewRateLimiter creates a rate limiter from config.
func NewRateLimiter(cfg *config.RateLimitConfig, logger *logrus.Logger) RateLimiter {
	if !cfg.Enabled {
		return &UserRateLimiter{enabled: false}
	}

	rl := &UserRateLimiter{
		enabled:         true,
		limiters:        make(map[int64]*rate.Limiter),
		rpm:             cfg.RequestsPerMinute,
		burst:           cfg.Burst,
		logger:          logger,
		cleanupInterval: time.Hour,
	}

	go rl.cleanup()

	return rl
}

// Allow reports whether the user may make a request now.
func (r *UserRateLimiter) Allow(userID int64) bool {
	if !r.enabled {
		return true
	}

	allowed := r.getLimiter(userID).Allow()
	if !allowed {
		r.logger.WithField("user_id", userID).Warn("Rate limit exceeded")
	}
	return allowed
}

// Reset drops the limiter state for a user.
func (r *UserRateLimiter) Reset(userID int64) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	delete(r.limiters, userID)
	r.mu.Unlock()
}

func (r *UserRateLimiter) getLimiter(userID int64) *rate.Limiter {
	r.mu.RLock()
	limiter, exists := r.limiters[userID]
	r.mu.RUnlock()
	if exists {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, exists := r.limiters[userID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)
	r.limiters[userID] = limiter
	return limiter
}

func (r *UserRateLimiter) cleanup() {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		r.mu.Lock()
		if len(r.limiters) > 10000 {
			r.logger.Warn("Rate limiter map size exceeded threshold, clearing")
			r.limiters = make(map[int64]*rate.Limiter)
		}
		r.mu.Unlock()
	}
}

// InputValidator performs basic input checks before text reaches the
// generation pipeline.
type InputValidator struct {
	maxLength int
}

// NewInputValidator creates an input validator. Telegram caps messages
// at 4096 bytes, which is also the generation input ceiling.
func NewInputValidator() *InputValidator {
	return &InputValidator{maxLength: 4096}
}

// Validate rejects oversized input.
func (v *InputValidator) Validate(text string) error {
	if len(text) > v.maxLength {
		return fmt.Errorf("message too long: %d bytes", len(text))
	}
	return nil
}

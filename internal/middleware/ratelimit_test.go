package middleware

import (
	"io"
	"strings"
	"testing"

	"github.com/comment-ai-tgbot-go/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestRateLimiterEnforcesBurst(t *testing.T) {
	rl := NewRateLimiter(&config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		Burst:             2,
	}, testLogger())

	assert.True(t, rl.Allow(1))
	assert.True(t, rl.Allow(1))
	assert.False(t, rl.Allow(1))

	// Other users have their own bucket.
	assert.True(t, rl.Allow(2))
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(&config.RateLimitConfig{Enabled: false}, testLogger())

	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow(1))
	}
}

func TestRateLimiterReset(t *testing.T) {
	rl := NewRateLimiter(&config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		Burst:             1,
	}, testLogger())

	assert.True(t, rl.Allow(1))
	assert.False(t, rl.Allow(1))

	rl.Reset(1)
	assert.True(t, rl.Allow(1))
}

func TestInputValidator(t *testing.T) {
	v := NewInputValidator()

	assert.NoError(t, v.Validate("fine"))
	assert.NoError(t, v.Validate(strings.Repeat("x", 4096)))
	assert.Error(t, v.Validate(strings.Repeat("x", 4097)))
}
